package imago

import "strings"

// Format identifies an encoded image's container format.
type Format string

const (
	FormatUndefined Format = ""
	FormatJPEG      Format = "jpeg"
	FormatPNG       Format = "png"
	FormatGIF       Format = "gif"
	FormatTIFF      Format = "tiff"
	FormatWebP      Format = "webp"
	FormatAVIF      Format = "avif"
)

// String returns the lowercase format name.
func (f Format) String() string {
	return string(f)
}

// ContentType returns the MIME content type for the format.
func (f Format) ContentType() string {
	switch f {
	case FormatPNG:
		return "image/png"
	case FormatWebP:
		return "image/webp"
	case FormatGIF:
		return "image/gif"
	case FormatTIFF:
		return "image/tiff"
	case FormatAVIF:
		return "image/avif"
	case FormatJPEG:
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}

// Ext returns the filesystem extension (with leading dot) used when the
// disk cache names a file after this format. Empty format yields no
// extension, leaving the cache key's hash as the bare filename.
func (f Format) Ext() string {
	switch f {
	case FormatJPEG:
		return ".jpg"
	case FormatPNG:
		return ".png"
	case FormatGIF:
		return ".gif"
	case FormatTIFF:
		return ".tiff"
	case FormatWebP:
		return ".webp"
	case FormatAVIF:
		return ".avif"
	default:
		return ""
	}
}

// IsValid reports whether f is one of the known formats.
func (f Format) IsValid() bool {
	switch f {
	case FormatJPEG, FormatPNG, FormatGIF, FormatTIFF, FormatWebP, FormatAVIF:
		return true
	default:
		return false
	}
}

// IsAnimatable reports whether the format can carry multi-frame animation
// (and therefore must be cached verbatim rather than re-encoded, per
// the CachedImage note on animated GIF).
func (f Format) IsAnimatable() bool {
	return f == FormatGIF || f == FormatWebP || f == FormatAVIF
}

// ParseFormat parses a case-insensitive format name, normalizing "jpg" to
// "jpeg". Returns FormatUndefined if s is empty or unrecognized.
func ParseFormat(s string) Format {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return FormatUndefined
	}
	if s == "jpg" {
		s = "jpeg"
	}
	f := Format(s)
	if f.IsValid() {
		return f
	}
	return FormatUndefined
}

// DetectFormat inspects the magic number of the first bytes of data and
// returns the detected Format, or FormatUndefined if it cannot be
// classified: JPEG (0xFF), PNG (0x89), GIF ("GIF8" prefix), TIFF ('I' or
// 'M' lead byte), WebP (RIFF....WEBP, requiring at least 12 bytes before
// the RIFF/WEBP markers can be inspected).
func DetectFormat(data []byte) Format {
	if len(data) == 0 {
		return FormatUndefined
	}

	switch data[0] {
	case 0xFF:
		return FormatJPEG
	case 0x89:
		return FormatPNG
	case 'G':
		if len(data) >= 4 && string(data[0:4]) == "GIF8" {
			return FormatGIF
		}
	case 'I', 'M':
		return FormatTIFF
	case 'R':
		if len(data) >= 12 &&
			data[1] == 'I' && data[2] == 'F' && data[3] == 'F' &&
			data[8] == 'W' && data[9] == 'E' && data[10] == 'B' && data[11] == 'P' {
			return FormatWebP
		}
	}

	// AVIF: ISO base media container, "ftyp" box at offset 4 naming an
	// avif/avis brand. No other format claims this signature, so
	// detecting it adds coverage without ambiguity.
	if len(data) >= 12 && string(data[4:8]) == "ftyp" {
		brand := string(data[8:12])
		if brand == "avif" || brand == "avis" {
			return FormatAVIF
		}
	}

	return FormatUndefined
}

package imago

import (
	"fmt"
	"math"

	"github.com/davidbyttow/govips/v2/vips"
)

// scaleDownBudgetBytes targets a ~60MB raw-pixel budget so old/low-memory
// devices do not exhaust the heap on very large source images, per
// the scale_down_large requirement.
const scaleDownBudgetBytes = 60 * 1024 * 1024

// DecodedImage wraps a decoded libvips image handle plus the bookkeeping
// the cache and manager need: its pixel dimensions (for Cost) and detected
// format. The original encoded bytes are kept beside it in CachedImage,
// not here.
type DecodedImage struct {
	ref    *vips.ImageRef
	Format Format
	Width  int
	Height int
}

// Cost is the memory-cache accounting unit: pixel count, not byte count,
// so cost stays predictable across pixel formats.
func (d *DecodedImage) Cost() int {
	return d.Width * d.Height
}

// HasAlpha reports whether the image carries an alpha channel, used by
// the cache facade to choose PNG vs JPEG when re-encoding.
func (d *DecodedImage) HasAlpha() bool {
	if d.ref == nil {
		return false
	}
	return d.ref.HasAlpha()
}

// Close releases the underlying libvips native image. Safe to call more
// than once.
func (d *DecodedImage) Close() {
	if d.ref != nil {
		d.ref.Close()
		d.ref = nil
	}
}

// Encode re-encodes the image to the given format at the given quality
// (1-100; ignored by lossless formats). Used by the cache facade when no
// original bytes are available to write verbatim.
func (d *DecodedImage) Encode(format Format, quality int) ([]byte, error) {
	if d.ref == nil {
		return nil, fmt.Errorf("imago: no image to encode")
	}
	if quality <= 0 || quality > 100 {
		quality = 85
	}

	switch format {
	case FormatPNG:
		buf, _, err := d.ref.ExportPng(vips.NewPngExportParams())
		return buf, err
	case FormatWebP:
		params := vips.NewWebpExportParams()
		params.Quality = quality
		buf, _, err := d.ref.ExportWebp(params)
		return buf, err
	case FormatGIF:
		buf, _, err := d.ref.ExportGIF(vips.NewGifExportParams())
		return buf, err
	case FormatTIFF:
		buf, _, err := d.ref.ExportTiff(vips.NewTiffExportParams())
		return buf, err
	case FormatAVIF:
		params := vips.NewAvifExportParams()
		params.Quality = quality
		buf, _, err := d.ref.ExportAvif(params)
		return buf, err
	default:
		params := vips.NewJpegExportParams()
		params.Quality = quality
		buf, _, err := d.ref.ExportJpeg(params)
		return buf, err
	}
}

// Decoder is the capability interface for the concrete platform decode
// primitive, assumed available by the rest of this package. vipsDecoder
// is the libvips-backed implementation, built on davidbyttow/govips/v2.
type Decoder interface {
	// Decode decodes bytes into an image, optionally scaling down large
	// sources immediately.
	Decode(data []byte, scaleDown bool) (*DecodedImage, error)

	// DecodeProgressive attempts to decode a partially-received buffer.
	// Returns (nil, false) if the bytes received so far are insufficient
	// to produce any image — this is not an error condition.
	DecodeProgressive(accumulated []byte, expectedTotal int) (*DecodedImage, bool)

	// ForceDecode pre-rasterizes the image so on-screen presentation
	// requires no further decoding. See DESIGN.md for why this is a
	// documented no-op over libvips.
	ForceDecode(img *DecodedImage) (*DecodedImage, error)

	// ScaleDownLarge downscales img if its raw pixel footprint exceeds
	// the memory budget.
	ScaleDownLarge(img *DecodedImage) (*DecodedImage, error)
}

type vipsDecoder struct{}

// NewDecoder returns the default libvips-backed Decoder.
func NewDecoder() Decoder {
	return vipsDecoder{}
}

func (vipsDecoder) Decode(data []byte, scaleDown bool) (*DecodedImage, error) {
	ref, err := vips.NewImageFromBuffer(data)
	if err != nil {
		return nil, err
	}
	img := &DecodedImage{
		ref:    ref,
		Format: DetectFormat(data),
		Width:  ref.Width(),
		Height: ref.Height(),
	}
	if scaleDown {
		return vipsDecoder{}.ScaleDownLarge(img)
	}
	return img, nil
}

func (v vipsDecoder) DecodeProgressive(accumulated []byte, expectedTotal int) (*DecodedImage, bool) {
	if len(accumulated) == 0 {
		return nil, false
	}
	// libvips has no incremental-decode API; best effort is to attempt a
	// full decode of what has arrived so far and discard failures as
	// "not enough data yet" rather than surfacing them as errors (see
	// DESIGN.md Open Question resolution #5).
	img, err := v.Decode(accumulated, false)
	if err != nil {
		return nil, false
	}
	return img, true
}

func (vipsDecoder) ForceDecode(img *DecodedImage) (*DecodedImage, error) {
	// libvips decodes eagerly in NewImageFromBuffer; there is no lazy
	// backing store left to pre-rasterize. See DESIGN.md resolution #4.
	return img, nil
}

func (vipsDecoder) ScaleDownLarge(img *DecodedImage) (*DecodedImage, error) {
	if img == nil || img.ref == nil {
		return img, nil
	}
	rawBytes := int64(img.Width) * int64(img.Height) * 4
	if rawBytes <= scaleDownBudgetBytes {
		return img, nil
	}

	scale := math.Sqrt(float64(scaleDownBudgetBytes) / float64(rawBytes))
	if err := img.ref.Resize(scale, vips.KernelLanczos3); err != nil {
		return img, err
	}
	img.Width = img.ref.Width()
	img.Height = img.ref.Height()
	return img, nil
}

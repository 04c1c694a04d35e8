package imago

import "net/url"

// CacheKey is an opaque key derived from a URL. Keys are opaque to the
// cache and may be arbitrarily long; the disk layer derives a filesystem-
// safe filename from the key (see diskcache.go).
type CacheKey string

// KeyFilter derives a CacheKey from a raw URL string. It is a pluggable
// capability : the default re-serializes the URL's absolute
// form, falling back to the raw string if it does not parse.
type KeyFilter func(rawURL string) CacheKey

// DefaultKeyFilter is the default KeyFilter: the URL's absolute string
// form. Per the Key stability property, two URLs that the filter
// maps to the same key share cache entries.
func DefaultKeyFilter(rawURL string) CacheKey {
	u, err := url.Parse(rawURL)
	if err != nil {
		return CacheKey(rawURL)
	}
	return CacheKey(u.String())
}

package imago

import (
	"fmt"

	"github.com/davidbyttow/govips/v2/vips"
)

// TransformFunc is the host-supplied transform hook applied to a
// successfully downloaded image before it is stored and delivered. A nil
// TransformFunc is a pass-through.
type TransformFunc func(img *DecodedImage, url string) (*DecodedImage, error)

// operationBuilder is a fluent, error-capturing wrapper around a single
// vips.ImageRef, so built-in transforms below can be expressed as a chain
// instead of manual error checks after each step.
type operationBuilder struct {
	ref *vips.ImageRef
	err error
}

func newOperationBuilder(img *DecodedImage) *operationBuilder {
	if img == nil || img.ref == nil {
		return &operationBuilder{err: fmt.Errorf("imago: no image to transform")}
	}
	return &operationBuilder{ref: img.ref}
}

func (b *operationBuilder) apply(fn func(*vips.ImageRef) error) *operationBuilder {
	if b.err != nil {
		return b
	}
	b.err = fn(b.ref)
	return b
}

func (b *operationBuilder) err_() error { return b.err }

// Grayscale returns a TransformFunc that desaturates the image via
// Modulate.
func Grayscale() TransformFunc {
	return func(img *DecodedImage, _ string) (*DecodedImage, error) {
		b := newOperationBuilder(img).apply(func(r *vips.ImageRef) error {
			return r.Modulate(1.0, 0.0, 0)
		})
		if err := b.err_(); err != nil {
			return img, err
		}
		img.Width = img.ref.Width()
		img.Height = img.ref.Height()
		return img, nil
	}
}

// Blur returns a TransformFunc that applies Gaussian blur with the given
// sigma.
func Blur(sigma float64) TransformFunc {
	return func(img *DecodedImage, _ string) (*DecodedImage, error) {
		b := newOperationBuilder(img).apply(func(r *vips.ImageRef) error {
			return r.GaussianBlur(sigma)
		})
		return img, b.err_()
	}
}

// Sharpen returns a TransformFunc applying a
// Sharpen(sigma, flat, jagged) operation.
func Sharpen(sigma, flat, jagged float64) TransformFunc {
	return func(img *DecodedImage, _ string) (*DecodedImage, error) {
		b := newOperationBuilder(img).apply(func(r *vips.ImageRef) error {
			return r.Sharpen(sigma, flat, jagged)
		})
		return img, b.err_()
	}
}

// Chain composes TransformFuncs left to right, stopping at the first error.
func Chain(fns ...TransformFunc) TransformFunc {
	return func(img *DecodedImage, url string) (*DecodedImage, error) {
		var err error
		for _, fn := range fns {
			if fn == nil {
				continue
			}
			img, err = fn(img, url)
			if err != nil {
				return img, err
			}
		}
		return img, nil
	}
}

package compressor

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"time"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp" // WebP uploads; imaging registers jpeg/png/gif/bmp/tiff
)

// DefaultCompressor is the default implementation of the Compressor interface.
type DefaultCompressor struct {
	defaultQuality int
	autoOrient     bool
}

// Option configures a DefaultCompressor.
type Option func(*DefaultCompressor)

// WithDefaultQuality sets the quality used when a request carries none.
func WithDefaultQuality(q int) Option {
	return func(c *DefaultCompressor) {
		c.defaultQuality = ClampQuality(q)
	}
}

// WithAutoOrientation toggles applying the EXIF orientation before encoding.
func WithAutoOrientation(enabled bool) Option {
	return func(c *DefaultCompressor) {
		c.autoOrient = enabled
	}
}

// NewDefaultCompressor creates a new DefaultCompressor instance.
func NewDefaultCompressor(opts ...Option) *DefaultCompressor {
	c := &DefaultCompressor{
		defaultQuality: DefaultQuality,
		autoOrient:     true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DefaultQuality returns the quality applied to requests that carry none.
func (c *DefaultCompressor) DefaultQuality() int {
	return c.defaultQuality
}

// Compress decodes the request image and re-encodes it as JPEG.
func (c *DefaultCompressor) Compress(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	if len(req.Image) == 0 {
		return nil, ErrEmptyImage
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	quality := req.Quality
	if quality == 0 {
		quality = c.defaultQuality
	}
	quality = ClampQuality(quality)

	_, format, err := image.DecodeConfig(bytes.NewReader(req.Image))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	img, err := imaging.Decode(bytes.NewReader(req.Image), imaging.AutoOrientation(c.autoOrient))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return nil, fmt.Errorf("encode image: %w", err)
	}

	origSize := int64(len(req.Image))
	compSize := int64(buf.Len())
	bounds := img.Bounds()

	return &Result{
		Data:            buf.Bytes(),
		ContentType:     "image/jpeg",
		SourceFormat:    format,
		Width:           bounds.Dx(),
		Height:          bounds.Dy(),
		Quality:         quality,
		OriginalSize:    origSize,
		CompressedSize:  compSize,
		PercentageSaved: float64(origSize-compSize) * 100 / float64(origSize),
		StartedAt:       start,
		FinishedAt:      time.Now(),
	}, nil
}

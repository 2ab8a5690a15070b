package compressor

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/gif"
	"image/jpeg"
	"image/png"
	"strings"
	"testing"
)

func testImage(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x * 7), G: uint8(y * 5), B: uint8((x + y) * 3), A: 255})
		}
	}
	return img
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := png.Encode(&buf, testImage(w, h)); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func gifBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := gif.Encode(&buf, testImage(w, h), nil); err != nil {
		t.Fatalf("encode gif: %v", err)
	}
	return buf.Bytes()
}

func TestParseQuality(t *testing.T) {
	tests := []struct {
		raw  string
		want int
	}{
		{"", 80},
		{"  ", 80},
		{"abc", 80},
		{"80", 80},
		{"1", 1},
		{"100", 100},
		{"0", 1},
		{"-20", 1},
		{"150", 100},
		{" 42 ", 42},
		{"75.9", 75},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			if got := ParseQuality(tt.raw, DefaultQuality); got != tt.want {
				t.Errorf("ParseQuality(%q) = %d, want %d", tt.raw, got, tt.want)
			}
		})
	}
}

func TestCompressProducesJPEGForAllQualities(t *testing.T) {
	c := NewDefaultCompressor()
	input := pngBytes(t, 64, 48)

	for _, q := range []int{1, 10, 50, 80, 95, 100} {
		res, err := c.Compress(context.Background(), Request{Image: input, Quality: q})
		if err != nil {
			t.Fatalf("quality %d: %v", q, err)
		}

		if _, err := jpeg.Decode(bytes.NewReader(res.Data)); err != nil {
			t.Fatalf("quality %d: output is not a JPEG: %v", q, err)
		}
		if res.Data[0] != 0xFF || res.Data[1] != 0xD8 {
			t.Errorf("quality %d: missing SOI marker", q)
		}
		if res.Quality != q {
			t.Errorf("quality = %d, want %d", res.Quality, q)
		}
		if res.SourceFormat != "png" {
			t.Errorf("source format = %q, want png", res.SourceFormat)
		}
		if res.Width != 64 || res.Height != 48 {
			t.Errorf("dimensions = %dx%d", res.Width, res.Height)
		}
		if res.OriginalSize != int64(len(input)) || res.CompressedSize != int64(len(res.Data)) {
			t.Errorf("sizes not recorded: %+v", res)
		}
		if res.ContentType != "image/jpeg" {
			t.Errorf("content type = %q", res.ContentType)
		}
	}
}

func TestCompressLowerQualityIsSmaller(t *testing.T) {
	c := NewDefaultCompressor()
	input := pngBytes(t, 128, 128)

	low, err := c.Compress(context.Background(), Request{Image: input, Quality: 5})
	if err != nil {
		t.Fatalf("low: %v", err)
	}
	high, err := c.Compress(context.Background(), Request{Image: input, Quality: 100})
	if err != nil {
		t.Fatalf("high: %v", err)
	}
	if low.CompressedSize >= high.CompressedSize {
		t.Errorf("quality 5 (%d bytes) should be smaller than quality 100 (%d bytes)", low.CompressedSize, high.CompressedSize)
	}
}

func TestCompressGIF(t *testing.T) {
	res, err := NewDefaultCompressor().Compress(context.Background(), Request{Image: gifBytes(t, 20, 10), Quality: 70})
	if err != nil {
		t.Fatalf("compress gif: %v", err)
	}
	if res.SourceFormat != "gif" {
		t.Errorf("source format = %q, want gif", res.SourceFormat)
	}
}

func TestCompressUsesDefaultQuality(t *testing.T) {
	c := NewDefaultCompressor(WithDefaultQuality(55), WithAutoOrientation(false))
	res, err := c.Compress(context.Background(), Request{Image: pngBytes(t, 8, 8)})
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if res.Quality != 55 {
		t.Errorf("quality = %d, want 55", res.Quality)
	}
}

func TestCompressErrors(t *testing.T) {
	c := NewDefaultCompressor()

	if _, err := c.Compress(context.Background(), Request{}); !errors.Is(err, ErrEmptyImage) {
		t.Errorf("empty image: got %v, want ErrEmptyImage", err)
	}

	_, err := c.Compress(context.Background(), Request{Image: []byte("definitely not an image"), Quality: 80})
	if err == nil {
		t.Fatal("expected decode error")
	}
	if !strings.Contains(err.Error(), "decode image") || !strings.Contains(err.Error(), "unknown format") {
		t.Errorf("error should carry the decode reason, got %q", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Compress(ctx, Request{Image: pngBytes(t, 4, 4)}); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled context: got %v", err)
	}
}

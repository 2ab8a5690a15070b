package compressor

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"
)

// Quality bounds for the JPEG encoder.
const (
	DefaultQuality = 80
	MinQuality     = 1
	MaxQuality     = 100
)

// ErrEmptyImage is returned when a request carries no image bytes.
var ErrEmptyImage = errors.New("no image data provided")

// Request is a single image submitted for compression.
type Request struct {
	Image   []byte
	Quality int
}

// Result describes the outcome of compressing a single image.
type Result struct {
	Data            []byte
	ContentType     string
	SourceFormat    string
	Width           int
	Height          int
	Quality         int
	OriginalSize    int64
	CompressedSize  int64
	PercentageSaved float64
	CacheHit        bool
	CacheChecked    bool // a cache was consulted, hit or miss
	StartedAt       time.Time
	FinishedAt      time.Time
}

// Compressor defines the interface for image compression.
type Compressor interface {
	// Compress re-encodes the request image as JPEG at the request quality.
	Compress(ctx context.Context, req Request) (*Result, error)
}

// ParseQuality converts a form value into a usable quality. Empty or
// non-numeric input yields fallback; numbers are clamped to [1,100].
func ParseQuality(raw string, fallback int) int {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ClampQuality(fallback)
	}
	q, err := strconv.Atoi(raw)
	if err != nil {
		// Accept "75.5" style values the way a lenient form parser would.
		f, ferr := strconv.ParseFloat(raw, 64)
		if ferr != nil {
			return ClampQuality(fallback)
		}
		q = int(f)
	}
	return ClampQuality(q)
}

// ClampQuality forces q into [MinQuality, MaxQuality].
func ClampQuality(q int) int {
	return min(max(q, MinQuality), MaxQuality)
}

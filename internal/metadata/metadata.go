package metadata

import (
	"bytes"
	"fmt"
	"image"
	"time"

	// Formats accepted by the compression endpoint.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/rwcarlsen/goexif/exif"
	"github.com/sirupsen/logrus"
	_ "golang.org/x/image/webp"
)

// Info describes an uploaded image without fully decoding it.
type Info struct {
	Format      string     `json:"format"`
	Width       int        `json:"width"`
	Height      int        `json:"height"`
	HasEXIF     bool       `json:"has_exif"`
	CameraMake  string     `json:"camera_make,omitempty"`
	CameraModel string     `json:"camera_model,omitempty"`
	Orientation int        `json:"orientation,omitempty"`
	TakenAt     *time.Time `json:"taken_at,omitempty"`
}

// Inspector reads image headers and EXIF metadata.
type Inspector struct {
	logger logrus.FieldLogger
}

// NewInspector returns a new Inspector.
func NewInspector(logger logrus.FieldLogger) *Inspector {
	return &Inspector{logger: logger}
}

// Inspect returns the format, dimensions and, when present, EXIF details of data.
// Missing EXIF is not an error; an undecodable header is.
func (i *Inspector) Inspect(data []byte) (*Info, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to read image header: %w", err)
	}

	info := &Info{
		Format: format,
		Width:  cfg.Width,
		Height: cfg.Height,
	}

	x, err := exif.Decode(bytes.NewReader(data))
	if err != nil {
		i.logger.Debugf("No EXIF data in %s image: %v", format, err)
		return info, nil
	}
	info.HasEXIF = true

	if tm, err := x.DateTime(); err == nil {
		info.TakenAt = &tm
	} else if field, err := x.Get(exif.DateTimeOriginal); err == nil {
		if dateStr, err := field.StringVal(); err == nil {
			info.TakenAt = parseEXIFDateTime(dateStr)
		}
	}

	if field, err := x.Get(exif.Make); err == nil {
		if v, err := field.StringVal(); err == nil {
			info.CameraMake = v
		}
	}
	if field, err := x.Get(exif.Model); err == nil {
		if v, err := field.StringVal(); err == nil {
			info.CameraModel = v
		}
	}
	if field, err := x.Get(exif.Orientation); err == nil {
		if v, err := field.Int(0); err == nil {
			info.Orientation = v
		}
	}

	return info, nil
}

// parseEXIFDateTime parses an EXIF date time string and returns a time.Time pointer.
// Returns nil if parsing fails.
func parseEXIFDateTime(dateStr string) *time.Time {
	if dateStr == "" {
		return nil
	}

	formats := []string{
		"2006:01:02 15:04:05",
		"2006-01-02 15:04:05",
		"2006:01:02",
		"2006-01-02",
		time.RFC3339,
	}

	for _, format := range formats {
		if date, err := time.Parse(format, dateStr); err == nil {
			return &date
		}
	}
	return nil
}

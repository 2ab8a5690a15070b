package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"image-compressor-go/internal/statistics"
)

// Summary is what the result view shows for a compressed image.
type Summary struct {
	FileName        string
	OriginalSize    int64
	CompressedSize  int64
	OriginalLabel   string
	CompressedLabel string
	Ratio           float64
	RatioLabel      string
	DownloadName    string
}

// Summarize derives the result view from a compressed state. The ratio is
// shown as is, negative when the output grew.
func Summarize(state *ImageState) (Summary, error) {
	if state == nil || !state.Compressed() {
		return Summary{}, errors.New("no compressed result")
	}
	ratio := statistics.CompressionRatio(state.OriginalSize, state.CompressedSize)
	return Summary{
		FileName:        state.File.Name,
		OriginalSize:    state.OriginalSize,
		CompressedSize:  state.CompressedSize,
		OriginalLabel:   statistics.FormatFileSize(state.OriginalSize),
		CompressedLabel: statistics.FormatFileSize(state.CompressedSize),
		Ratio:           ratio,
		RatioLabel:      fmt.Sprintf("%.1f%%", ratio),
		DownloadName:    DownloadName(state.File.Name),
	}, nil
}

// DownloadName names the downloaded file after the original.
func DownloadName(original string) string {
	return "compressed-" + filepath.Base(original)
}

// SaveDownload writes data into dir as compressed-<original> and returns the path.
func SaveDownload(dir, original string, data []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}
	path := filepath.Join(dir, DownloadName(original))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}

package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"image-compressor-go/internal/logger"
	"image-compressor-go/internal/statistics"
	"image-compressor-go/internal/uploader"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

// Wire variants of the compression function.
const (
	VariantBinary = "binary"
	VariantBase64 = "base64"
)

// Function paths relative to the base URL.
const (
	PathCompress       = "/function/compress-image"
	PathCompressBase64 = "/function/compress-image-node"
	PathFunctions      = "/system/functions"
)

// Config holds the endpoint the client talks to.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Variant string
}

// Client calls the compression endpoint.
type Client struct {
	cfg    Config
	http   *resty.Client
	logger logrus.FieldLogger
}

// Result is a compressed image returned by the endpoint.
type Result struct {
	Data             []byte
	ContentType      string
	OriginalSize     int64
	CompressedSize   int64
	CompressionRatio float64
	Quality          int
	Width            int
	Height           int
	SourceFormat     string
	ArchivedURL      string
	CacheHit         bool
	RequestID        string
	Duration         time.Duration
}

// New returns a client for cfg.BaseURL. An empty variant means binary.
func New(cfg Config, logger logrus.FieldLogger) *Client {
	if cfg.Variant == "" {
		cfg.Variant = VariantBinary
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "image/jpeg, text/plain, */*").
		SetHeader("User-Agent", "image-compressor-client")

	return &Client{cfg: cfg, http: httpClient, logger: logger}
}

// BaseURL returns the endpoint base URL.
func (c *Client) BaseURL() string {
	return c.cfg.BaseURL
}

// CompressImage submits f at the given quality and returns the compressed bytes.
func (c *Client) CompressImage(ctx context.Context, f uploader.File, quality int) (*Result, error) {
	path := PathCompress
	if c.cfg.Variant == VariantBase64 {
		path = PathCompressBase64
	}

	log := logger.WithFile(c.logger, f.Name).WithFields(logrus.Fields{
		"size":    len(f.Data),
		"quality": quality,
		"variant": c.cfg.Variant,
	})
	log.Debug("Sending image for compression")

	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetMultipartField("image", f.Name, f.Type, bytes.NewReader(f.Data)).
		SetFormData(map[string]string{"quality": strconv.Itoa(quality)}).
		Post(path)
	if err != nil {
		return nil, &TransportError{BaseURL: c.cfg.BaseURL, Err: err}
	}

	if resp.StatusCode() != http.StatusOK {
		return nil, &StatusError{
			StatusCode: resp.StatusCode(),
			Status:     http.StatusText(resp.StatusCode()),
			Body:       strings.TrimSpace(resp.String()),
		}
	}

	data := resp.Body()
	contentType := resp.Header().Get("Content-Type")
	if c.cfg.Variant == VariantBase64 {
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("decode base64 response: %w", err)
		}
		data = decoded
		contentType = "image/jpeg"
	}

	res := &Result{
		Data:           data,
		ContentType:    contentType,
		OriginalSize:   int64(len(f.Data)),
		CompressedSize: int64(len(data)),
		Quality:        headerInt(resp, "X-Quality"),
		Width:          headerInt(resp, "X-Image-Width"),
		Height:         headerInt(resp, "X-Image-Height"),
		SourceFormat:   resp.Header().Get("X-Original-Format"),
		ArchivedURL:    resp.Header().Get("X-Compressed-URL"),
		CacheHit:       resp.Header().Get("X-Cache") == "HIT",
		RequestID:      resp.Header().Get("X-Request-ID"),
		Duration:       time.Since(start),
	}
	res.CompressionRatio = statistics.CompressionRatio(res.OriginalSize, res.CompressedSize)

	log.WithFields(logrus.Fields{
		"compressed_size": res.CompressedSize,
		"ratio":           fmt.Sprintf("%.1f%%", res.CompressionRatio),
		"duration_ms":     res.Duration.Milliseconds(),
	}).Info("Compression successful")

	return res, nil
}

// FunctionInfo is one entry of the deployed functions listing.
type FunctionInfo struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	Encoding string `json:"encoding"`
}

// CheckHealth lists the deployed functions.
func (c *Client) CheckHealth(ctx context.Context) ([]FunctionInfo, error) {
	var functions []FunctionInfo
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		SetResult(&functions).
		Get(PathFunctions)
	if err != nil {
		return nil, &TransportError{BaseURL: c.cfg.BaseURL, Err: err}
	}
	if resp.IsError() {
		return nil, &StatusError{
			StatusCode: resp.StatusCode(),
			Status:     http.StatusText(resp.StatusCode()),
			Body:       strings.TrimSpace(resp.String()),
		}
	}
	return functions, nil
}

func headerInt(resp *resty.Response, name string) int {
	v, err := strconv.Atoi(resp.Header().Get(name))
	if err != nil {
		return 0
	}
	return v
}

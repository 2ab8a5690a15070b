package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"image-compressor-go/internal/client"
	"image-compressor-go/internal/logger"
	"image-compressor-go/internal/uploader"

	"github.com/sirupsen/logrus"
)

var (
	// ErrBusy is returned when an upload is attempted while one is in flight.
	ErrBusy = errors.New("a compression is already in progress")
	// ErrStale is returned for a result that arrived after the session was reset.
	ErrStale = errors.New("compression result discarded after reset")
)

// Compressor performs the network round trip.
type Compressor interface {
	CompressImage(ctx context.Context, f uploader.File, quality int) (*client.Result, error)
}

// ImageState is the state of the image currently shown.
type ImageState struct {
	File             uploader.File
	PreviewURL       string
	OriginalSize     int64
	Result           *client.Result
	CompressedSize   int64
	CompressionRatio float64
}

// Compressed reports whether the response has arrived.
func (s *ImageState) Compressed() bool {
	return s.Result != nil
}

// Options configures a Session.
type Options struct {
	Quality int
	Timeout time.Duration
	// BaseURL is only used to phrase connection failure hints.
	BaseURL string
}

// Session tracks one image through upload, compression and reset.
type Session struct {
	comp     Compressor
	previews PreviewStore
	notifier uploader.Notifier
	logger   logrus.FieldLogger
	opts     Options

	mu          sync.Mutex
	state       *ImageState
	compressing bool
	cancel      context.CancelFunc
	generation  uint64
}

func New(comp Compressor, previews PreviewStore, notifier uploader.Notifier, logger logrus.FieldLogger, opts Options) *Session {
	if notifier == nil {
		notifier = uploader.NopNotifier{}
	}
	if opts.Quality <= 0 {
		opts.Quality = 80
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Session{
		comp:     comp,
		previews: previews,
		notifier: notifier,
		logger:   logger,
		opts:     opts,
	}
}

// Upload replaces the current image with f and compresses it. It blocks
// until the response arrives, the timeout expires or Reset is called.
func (s *Session) Upload(ctx context.Context, f uploader.File) (*ImageState, error) {
	s.mu.Lock()
	if s.compressing {
		s.mu.Unlock()
		return nil, ErrBusy
	}

	s.releasePreviewLocked()
	preview, err := s.previews.Create(f)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("create preview: %w", err)
	}

	s.generation++
	gen := s.generation
	s.state = &ImageState{File: f, PreviewURL: preview, OriginalSize: int64(len(f.Data))}
	s.compressing = true
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	s.cancel = cancel
	s.mu.Unlock()

	log := logger.WithFile(s.logger, f.Name)
	log.WithField("size", len(f.Data)).Info("Image uploaded")

	res, err := s.comp.CompressImage(ctx, f, s.opts.Quality)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation {
		log.Debug("Dropping result for reset session")
		return nil, ErrStale
	}
	s.compressing = false
	s.cancel = nil

	if err != nil {
		log.WithError(err).Error("Compression error")
		s.notifier.Notify(uploader.Notification{
			Title:       "Compression failed",
			Description: client.Describe(err, s.opts.BaseURL),
			Destructive: true,
		})
		return s.snapshotLocked(), err
	}

	s.state.Result = res
	s.state.CompressedSize = res.CompressedSize
	s.state.CompressionRatio = res.CompressionRatio
	s.notifier.Notify(uploader.Notification{
		Title:       "Image compressed successfully!",
		Description: fmt.Sprintf("Reduced size by %.1f%%", res.CompressionRatio),
	})
	return s.snapshotLocked(), nil
}

// Reset cancels any compression in flight, releases the preview and clears
// the state.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.releasePreviewLocked()
	s.state = nil
	s.compressing = false
	s.generation++
}

// State returns a copy of the current state, nil when empty.
func (s *Session) State() *ImageState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// IsCompressing reports whether a request is outstanding.
func (s *Session) IsCompressing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compressing
}

func (s *Session) snapshotLocked() *ImageState {
	if s.state == nil {
		return nil
	}
	cp := *s.state
	return &cp
}

func (s *Session) releasePreviewLocked() {
	if s.state == nil || s.state.PreviewURL == "" {
		return
	}
	if err := s.previews.Release(s.state.PreviewURL); err != nil {
		s.logger.WithError(err).Warn("Failed to release preview")
	}
	s.state.PreviewURL = ""
}

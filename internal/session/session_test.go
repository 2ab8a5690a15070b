package session

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"image-compressor-go/internal/client"
	"image-compressor-go/internal/uploader"

	"github.com/sirupsen/logrus"
)

type fakeCompressor struct {
	mu      sync.Mutex
	calls   int
	started chan struct{}
	release chan struct{}
	size    int64
	err     error
}

func (f *fakeCompressor) CompressImage(ctx context.Context, file uploader.File, quality int) (*client.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	orig := int64(len(file.Data))
	return &client.Result{
		Data:             make([]byte, f.size),
		ContentType:      "image/jpeg",
		OriginalSize:     orig,
		CompressedSize:   f.size,
		CompressionRatio: float64(orig-f.size) / float64(orig) * 100,
		Quality:          quality,
	}, nil
}

type recordingNotifier struct {
	mu  sync.Mutex
	got []uploader.Notification
}

func (r *recordingNotifier) Notify(n uploader.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
}

func (r *recordingNotifier) last() uploader.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.got[len(r.got)-1]
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func sampleFile(size int) uploader.File {
	return uploader.File{Name: "photo.png", Type: "image/png", Size: int64(size), Data: make([]byte, size)}
}

func TestUploadPopulatesState(t *testing.T) {
	previews := NewTempPreviewStore(t.TempDir())
	notifier := &recordingNotifier{}
	s := New(&fakeCompressor{size: 400}, previews, notifier, quietLogger(), Options{Quality: 60})

	state, err := s.Upload(context.Background(), sampleFile(1000))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if state.OriginalSize != 1000 || state.CompressedSize != 400 || state.CompressionRatio != 60 {
		t.Errorf("unexpected state %+v", state)
	}
	if state.Result.Quality != 60 {
		t.Errorf("quality = %d", state.Result.Quality)
	}
	if s.IsCompressing() {
		t.Error("should not be compressing after completion")
	}
	if previews.Outstanding() != 1 {
		t.Errorf("outstanding previews = %d", previews.Outstanding())
	}
	if path, ok := previews.Path(state.PreviewURL); !ok {
		t.Error("preview not tracked")
	} else if _, err := os.Stat(path); err != nil {
		t.Errorf("preview file missing: %v", err)
	}
	if n := notifier.last(); n.Title != "Image compressed successfully!" || n.Description != "Reduced size by 60.0%" {
		t.Errorf("notification = %+v", n)
	}
}

func TestUploadWhileBusy(t *testing.T) {
	comp := &fakeCompressor{started: make(chan struct{}, 1), release: make(chan struct{}), size: 10}
	s := New(comp, NewTempPreviewStore(t.TempDir()), nil, quietLogger(), Options{})

	done := make(chan error, 1)
	go func() {
		_, err := s.Upload(context.Background(), sampleFile(100))
		done <- err
	}()
	<-comp.started

	if !s.IsCompressing() {
		t.Fatal("expected compressing")
	}
	if _, err := s.Upload(context.Background(), sampleFile(50)); !errors.Is(err, ErrBusy) {
		t.Fatalf("second upload err = %v, want ErrBusy", err)
	}

	close(comp.release)
	if err := <-done; err != nil {
		t.Fatalf("first upload: %v", err)
	}
	if comp.calls != 1 {
		t.Errorf("calls = %d, want 1", comp.calls)
	}
}

func TestResetCancelsInFlight(t *testing.T) {
	comp := &fakeCompressor{started: make(chan struct{}, 1), release: make(chan struct{}), size: 10}
	previews := NewTempPreviewStore(t.TempDir())
	s := New(comp, previews, nil, quietLogger(), Options{})

	done := make(chan error, 1)
	go func() {
		_, err := s.Upload(context.Background(), sampleFile(100))
		done <- err
	}()
	<-comp.started

	s.Reset()

	select {
	case err := <-done:
		if !errors.Is(err, ErrStale) {
			t.Fatalf("err = %v, want ErrStale", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reset did not cancel the request")
	}

	if s.State() != nil {
		t.Error("state should be cleared")
	}
	if s.IsCompressing() {
		t.Error("should not be compressing after reset")
	}
	if previews.Outstanding() != 0 {
		t.Errorf("outstanding previews = %d", previews.Outstanding())
	}
}

func TestResetThenUploadStartsClean(t *testing.T) {
	previews := NewTempPreviewStore(t.TempDir())
	s := New(&fakeCompressor{size: 10}, previews, nil, quietLogger(), Options{})

	first, err := s.Upload(context.Background(), sampleFile(100))
	if err != nil {
		t.Fatal(err)
	}
	firstPath, _ := previews.Path(first.PreviewURL)

	s.Reset()
	if _, err := os.Stat(firstPath); !os.IsNotExist(err) {
		t.Errorf("preview file should be removed, stat err = %v", err)
	}

	failing := &fakeCompressor{err: errors.New("boom")}
	s.comp = failing
	state, err := s.Upload(context.Background(), uploader.File{Name: "next.gif", Type: "image/gif", Data: make([]byte, 30)})
	if err == nil {
		t.Fatal("expected error")
	}
	if state.File.Name != "next.gif" || state.OriginalSize != 30 || state.Compressed() || state.CompressedSize != 0 {
		t.Errorf("residual data from previous image: %+v", state)
	}
	if previews.Outstanding() != 1 {
		t.Errorf("outstanding previews = %d", previews.Outstanding())
	}
}

func TestUploadReplacesPreview(t *testing.T) {
	previews := NewTempPreviewStore(t.TempDir())
	s := New(&fakeCompressor{size: 10}, previews, nil, quietLogger(), Options{})

	for i := 0; i < 3; i++ {
		if _, err := s.Upload(context.Background(), sampleFile(100)); err != nil {
			t.Fatal(err)
		}
	}
	if previews.Outstanding() != 1 {
		t.Errorf("outstanding previews = %d, want 1", previews.Outstanding())
	}
}

func TestUploadFailureNotifies(t *testing.T) {
	notifier := &recordingNotifier{}
	comp := &fakeCompressor{err: &client.StatusError{StatusCode: 503, Status: "Service Unavailable"}}
	s := New(comp, NewTempPreviewStore(t.TempDir()), notifier, quietLogger(), Options{BaseURL: "http://gateway:8080"})

	if _, err := s.Upload(context.Background(), sampleFile(10)); err == nil {
		t.Fatal("expected error")
	}
	n := notifier.last()
	if n.Title != "Compression failed" || !n.Destructive {
		t.Errorf("notification = %+v", n)
	}
	if n.Description != client.Describe(comp.err, "http://gateway:8080") {
		t.Errorf("description = %q", n.Description)
	}
	if s.IsCompressing() {
		t.Error("failure must clear the compressing flag")
	}
}

func TestUploadTimeout(t *testing.T) {
	comp := &fakeCompressor{release: make(chan struct{})}
	s := New(comp, NewTempPreviewStore(t.TempDir()), nil, quietLogger(), Options{Timeout: 20 * time.Millisecond})

	_, err := s.Upload(context.Background(), sampleFile(10))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if s.IsCompressing() {
		t.Error("timeout must clear the compressing flag")
	}
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		name       string
		orig, comp int64
		ratio      string
		origLabel  string
		compLabel  string
	}{
		{"smaller", 1048576, 1536, "99.9%", "1 MB", "1.5 KB"},
		{"grew", 1000, 1500, "-50.0%", "1000 Bytes", "1.46 KB"},
		{"unchanged", 2048, 2048, "0.0%", "2 KB", "2 KB"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := &ImageState{
				File:           uploader.File{Name: "dir/cat.png"},
				OriginalSize:   tt.orig,
				CompressedSize: tt.comp,
				Result:         &client.Result{},
			}
			sum, err := Summarize(state)
			if err != nil {
				t.Fatal(err)
			}
			if sum.RatioLabel != tt.ratio || sum.OriginalLabel != tt.origLabel || sum.CompressedLabel != tt.compLabel {
				t.Errorf("summary = %+v", sum)
			}
			if sum.DownloadName != "compressed-cat.png" {
				t.Errorf("download name = %q", sum.DownloadName)
			}
		})
	}

	if _, err := Summarize(&ImageState{}); err == nil {
		t.Error("uncompressed state has no summary")
	}
}

func TestSaveDownload(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	path, err := SaveDownload(dir, "holiday.jpg", []byte{1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(path) != "compressed-holiday.jpg" {
		t.Errorf("path = %s", path)
	}
	data, err := os.ReadFile(path)
	if err != nil || len(data) != 3 {
		t.Errorf("read back %v %v", data, err)
	}
}

package batch

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"image-compressor-go/internal/client"
	"image-compressor-go/internal/statistics"
	"image-compressor-go/internal/uploader"

	"github.com/sirupsen/logrus"
)

type fakeClient struct {
	mu    sync.Mutex
	names []string
	fail  map[string]error
}

func (f *fakeClient) CompressImage(_ context.Context, file uploader.File, quality int) (*client.Result, error) {
	f.mu.Lock()
	f.names = append(f.names, file.Name)
	f.mu.Unlock()

	if err := f.fail[file.Name]; err != nil {
		return nil, err
	}
	data := []byte{0xff, 0xd8, 0xff, byte(quality)}
	return &client.Result{Data: data, ContentType: "image/jpeg", CompressedSize: int64(len(data))}, nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func png(size int) []byte {
	data := make([]byte, size)
	copy(data, "\x89PNG\r\n\x1a\n")
	return data
}

func setupTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.png"), png(200))
	writeFile(t, filepath.Join(root, "nested", "b.png"), png(300))
	writeFile(t, filepath.Join(root, "notes.txt"), []byte("not an image"))
	writeFile(t, filepath.Join(root, "compressed-old.png"), png(50))
	writeFile(t, filepath.Join(root, ".cache", "hidden.png"), png(50))
	return root
}

func TestDiscover(t *testing.T) {
	root := setupTree(t)
	single := filepath.Join(t.TempDir(), "single.png")
	writeFile(t, single, png(10))

	r := NewRunner(&fakeClient{}, quietLogger(), statistics.NewStatistics(), Options{})
	inputs, err := r.Discover([]string{root, single})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}

	var names []string
	for _, in := range inputs {
		names = append(names, filepath.Base(in.Path))
	}
	sort.Strings(names)
	want := []string{"a.png", "b.png", "notes.txt", "single.png"}
	if len(names) != len(want) {
		t.Fatalf("discovered %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("discovered %v, want %v", names, want)
			break
		}
	}

	for _, in := range inputs {
		if filepath.Base(in.Path) == "b.png" && in.Rel != filepath.Join("nested", "b.png") {
			t.Errorf("rel = %q", in.Rel)
		}
		if filepath.Base(in.Path) == "single.png" && in.Rel != "single.png" {
			t.Errorf("rel = %q", in.Rel)
		}
	}

	if _, err := r.Discover([]string{filepath.Join(root, "missing")}); err == nil {
		t.Error("missing path should fail")
	}
}

func TestRunWritesOutputsAndSkipsNonImages(t *testing.T) {
	root := setupTree(t)
	out := filepath.Join(t.TempDir(), "out")
	stats := statistics.NewStatistics()
	fc := &fakeClient{}

	r := NewRunner(fc, quietLogger(), stats, Options{Quality: 42, Workers: 2, OutputDir: out})
	var progressed int
	var mu sync.Mutex
	r.OnProgress(func(Outcome) {
		mu.Lock()
		progressed++
		mu.Unlock()
	})

	inputs, err := r.Discover([]string{root})
	if err != nil {
		t.Fatal(err)
	}
	outcomes := r.Run(context.Background(), inputs)

	if len(outcomes) != len(inputs) || progressed != len(inputs) {
		t.Fatalf("outcomes = %d, progressed = %d, inputs = %d", len(outcomes), progressed, len(inputs))
	}

	for _, o := range outcomes {
		switch filepath.Base(o.Source) {
		case "notes.txt":
			if !o.Skipped {
				t.Error("text file should be skipped")
			}
		default:
			if o.Err != nil {
				t.Errorf("%s: %v", o.Source, o.Err)
				continue
			}
			if filepath.Base(o.Output) != "compressed-"+filepath.Base(o.Source) {
				t.Errorf("output = %s", o.Output)
			}
			data, err := os.ReadFile(o.Output)
			if err != nil || len(data) != 4 || data[3] != 42 {
				t.Errorf("unexpected output %v %v", data, err)
			}
		}
	}

	snap := stats.Snapshot()
	if snap.Succeeded != 2 || snap.FilesSkipped != 1 || snap.RequestsTotal != 2 {
		t.Errorf("unexpected stats %+v", snap)
	}
	if snap.BytesIn != 500 || snap.BytesOut != 8 {
		t.Errorf("bytes = %d/%d", snap.BytesIn, snap.BytesOut)
	}
}

func TestRunMirrorsSubdirectories(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a", "photo.png"), png(100))
	writeFile(t, filepath.Join(root, "b", "photo.png"), png(120))
	out := t.TempDir()

	r := NewRunner(&fakeClient{}, quietLogger(), statistics.NewStatistics(), Options{Workers: 2, OutputDir: out})
	inputs, err := r.Discover([]string{root})
	if err != nil {
		t.Fatal(err)
	}
	outcomes := r.Run(context.Background(), inputs)

	want := map[string]bool{
		filepath.Join(out, "a", "compressed-photo.png"): true,
		filepath.Join(out, "b", "compressed-photo.png"): true,
	}
	for _, o := range outcomes {
		if o.Err != nil {
			t.Fatalf("%s: %v", o.Source, o.Err)
		}
		if !want[o.Output] {
			t.Errorf("unexpected output %s for %s", o.Output, o.Source)
		}
		delete(want, o.Output)
		if _, err := os.Stat(o.Output); err != nil {
			t.Errorf("output missing: %v", err)
		}
	}
	if len(want) != 0 {
		t.Errorf("outputs never written: %v", want)
	}
}

func TestRunSuffixesCollidingOutputs(t *testing.T) {
	first := filepath.Join(t.TempDir(), "photo.png")
	second := filepath.Join(t.TempDir(), "photo.png")
	writeFile(t, first, png(100))
	writeFile(t, second, png(100))
	out := t.TempDir()

	r := NewRunner(&fakeClient{}, quietLogger(), statistics.NewStatistics(), Options{Workers: 1, OutputDir: out})
	inputs, err := r.Discover([]string{first, second})
	if err != nil {
		t.Fatal(err)
	}
	outcomes := r.Run(context.Background(), inputs)

	got := []string{outcomes[0].Output, outcomes[1].Output}
	sort.Strings(got)
	want := []string{
		filepath.Join(out, "compressed-photo-1.png"),
		filepath.Join(out, "compressed-photo.png"),
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("outputs = %v, want %v", got, want)
		}
	}
}

func TestRunRecordsFailures(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "ok.png"), png(100))
	writeFile(t, filepath.Join(root, "bad.png"), png(100))
	writeFile(t, filepath.Join(root, "gone.png"), png(100))

	stats := statistics.NewStatistics()
	fc := &fakeClient{fail: map[string]error{
		"bad.png":  &client.StatusError{StatusCode: 500, Body: "Compression failed: boom"},
		"gone.png": &client.TransportError{BaseURL: "http://x", Err: errors.New("refused")},
	}}
	r := NewRunner(fc, quietLogger(), stats, Options{OutputDir: t.TempDir()})

	inputs, _ := r.Discover([]string{root})
	outcomes := r.Run(context.Background(), inputs)

	var failed int
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
		}
	}
	if failed != 2 {
		t.Errorf("failed = %d, want 2", failed)
	}
	if snap := stats.Snapshot(); snap.ServerErrors != 2 || snap.Succeeded != 1 {
		t.Errorf("unexpected stats %+v", snap)
	}
	if len(stats.Errors) != 2 {
		t.Errorf("recorded errors = %d", len(stats.Errors))
	}
}

func TestRunPastedFile(t *testing.T) {
	out := t.TempDir()
	r := NewRunner(&fakeClient{}, quietLogger(), statistics.NewStatistics(), Options{OutputDir: out})

	f := uploader.NewFile("pasted-image.png", png(64))
	outcomes := r.Run(context.Background(), []Input{{Path: "-", File: &f}})
	if outcomes[0].Err != nil {
		t.Fatalf("paste: %v", outcomes[0].Err)
	}
	if outcomes[0].Output != filepath.Join(out, "compressed-pasted-image.png") {
		t.Errorf("output = %s", outcomes[0].Output)
	}
}

func TestRunCancelled(t *testing.T) {
	root := t.TempDir()
	for _, n := range []string{"a.png", "b.png", "c.png"} {
		writeFile(t, filepath.Join(root, n), png(10))
	}
	r := NewRunner(&fakeClient{}, quietLogger(), statistics.NewStatistics(), Options{Workers: 1, OutputDir: t.TempDir()})
	inputs, _ := r.Discover([]string{root})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	outcomes := r.Run(ctx, inputs)
	if len(outcomes) != 3 {
		t.Fatalf("outcomes = %d", len(outcomes))
	}
	for _, o := range outcomes {
		if o.Source == "" {
			t.Error("every input needs an outcome")
		}
	}
}

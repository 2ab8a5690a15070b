package batch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"image-compressor-go/internal/client"
	"image-compressor-go/internal/logger"
	"image-compressor-go/internal/session"
	"image-compressor-go/internal/statistics"
	"image-compressor-go/internal/uploader"

	"github.com/sirupsen/logrus"
)

// Compressor performs one compression round trip.
type Compressor interface {
	CompressImage(ctx context.Context, f uploader.File, quality int) (*client.Result, error)
}

// Options configures a Runner.
type Options struct {
	Quality   int
	Workers   int
	OutputDir string
}

// ProgressFunc is called after each file finishes.
type ProgressFunc func(Outcome)

// Input is a file queued for compression.
type Input struct {
	Path string
	// Rel is the path relative to the walked root; its directory is
	// mirrored under the output directory.
	Rel  string
	Size int64
	// File is set for inputs that do not live on disk, such as a paste.
	File *uploader.File
}

// Outcome is the result for one input.
type Outcome struct {
	Source         string
	Output         string
	OriginalSize   int64
	CompressedSize int64
	Ratio          float64
	Skipped        bool
	Err            error
}

// Runner compresses a set of files through the endpoint with a worker pool.
type Runner struct {
	comp     Compressor
	logger   logrus.FieldLogger
	stats    *statistics.Statistics
	opts     Options
	progress ProgressFunc

	mu      sync.Mutex
	claimed map[string]bool
}

func NewRunner(comp Compressor, logger logrus.FieldLogger, stats *statistics.Statistics, opts Options) *Runner {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Quality <= 0 {
		opts.Quality = 80
	}
	if opts.OutputDir == "" {
		opts.OutputDir = "."
	}
	return &Runner{comp: comp, logger: logger, stats: stats, opts: opts, claimed: make(map[string]bool)}
}

// OnProgress registers a callback invoked once per finished input.
func (r *Runner) OnProgress(fn ProgressFunc) {
	r.progress = fn
}

// Discover expands files and directories into inputs. Directories are walked
// recursively; hidden directories and earlier outputs are skipped. Files found
// under a directory keep their path relative to it.
func (r *Runner) Discover(paths []string) ([]Input, error) {
	var inputs []Input
	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", root, err)
		}
		if !info.IsDir() {
			inputs = append(inputs, Input{Path: root, Rel: filepath.Base(root), Size: info.Size()})
			continue
		}

		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				r.logger.Warnf("Error accessing path %s: %v", path, err)
				return nil
			}
			name := d.Name()
			if d.IsDir() {
				if path != root && strings.HasPrefix(name, ".") {
					return filepath.SkipDir
				}
				return nil
			}
			if strings.HasPrefix(name, "compressed-") {
				r.logger.Debugf("Skipping earlier output: %s", path)
				return nil
			}
			fi, err := d.Info()
			if err != nil {
				return nil
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				rel = name
			}
			inputs = append(inputs, Input{Path: path, Rel: rel, Size: fi.Size()})
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", root, err)
		}
	}
	return inputs, nil
}

// Run compresses inputs and writes compressed-<name> files into the output
// directory, mirroring each input's relative directory. Two inputs that would
// land on the same output get a numeric suffix. Outcomes are returned in input
// order.
func (r *Runner) Run(ctx context.Context, inputs []Input) []Outcome {
	outcomes := make([]Outcome, len(inputs))
	if len(inputs) == 0 {
		r.logger.Info("No files to compress")
		return outcomes
	}

	r.logger.Infof("Compressing %d files with %d workers", len(inputs), r.opts.Workers)

	var wg sync.WaitGroup
	jobs := make(chan int)

	for i := 0; i < r.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				outcomes[idx] = r.process(ctx, inputs[idx])
				if r.progress != nil {
					r.progress(outcomes[idx])
				}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for i := range inputs {
			select {
			case jobs <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	wg.Wait()

	for i := range outcomes {
		if outcomes[i].Source == "" {
			outcomes[i] = Outcome{Source: inputs[i].Path, Err: ctx.Err()}
		}
	}

	r.stats.Finalize()
	r.logger.Info("Batch compression completed")
	return outcomes
}

func (r *Runner) process(ctx context.Context, in Input) Outcome {
	out := Outcome{Source: in.Path}
	log := logger.WithFile(r.logger, in.Path)

	var f uploader.File
	if in.File != nil {
		f = *in.File
		if err := uploader.Validate(f); err != nil {
			return r.skip(log, out, err)
		}
	} else {
		var err error
		f, err = uploader.LoadFile(in.Path)
		if err != nil {
			var ve *uploader.ValidationError
			if errors.As(err, &ve) {
				return r.skip(log, out, err)
			}
			r.fail(log, &out, "read", err)
			return out
		}
	}
	out.OriginalSize = int64(len(f.Data))

	r.stats.IncrementRequests()
	res, err := r.comp.CompressImage(ctx, f, r.opts.Quality)
	if err != nil {
		r.fail(log, &out, "compress", err)
		return out
	}

	dir, name := r.claimOutput(in, f.Name)
	path, err := session.SaveDownload(dir, name, res.Data)
	if err != nil {
		r.fail(log, &out, "write", err)
		return out
	}

	out.Output = path
	out.CompressedSize = res.CompressedSize
	out.Ratio = statistics.CompressionRatio(out.OriginalSize, out.CompressedSize)
	r.stats.RecordSuccess(out.OriginalSize, out.CompressedSize)
	if res.CacheHit {
		r.stats.IncrementCacheHits()
	}

	log.WithFields(logrus.Fields{
		"output":          path,
		"original_size":   out.OriginalSize,
		"compressed_size": out.CompressedSize,
		"ratio":           fmt.Sprintf("%.1f%%", out.Ratio),
	}).Info("Compressed file")
	return out
}

// claimOutput picks the directory and original name for an input's output so
// that no two inputs of this runner write the same file.
func (r *Runner) claimOutput(in Input, name string) (string, string) {
	dir := r.opts.OutputDir
	if in.Rel != "" {
		dir = filepath.Join(dir, filepath.Dir(in.Rel))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	candidate := name
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; r.claimed[filepath.Join(dir, session.DownloadName(candidate))]; i++ {
		candidate = fmt.Sprintf("%s-%d%s", stem, i, ext)
	}
	r.claimed[filepath.Join(dir, session.DownloadName(candidate))] = true
	return dir, candidate
}

func (r *Runner) skip(log logrus.FieldLogger, out Outcome, err error) Outcome {
	log.WithError(err).Info("Skipping file")
	r.stats.IncrementFilesSkipped()
	out.Skipped = true
	out.Err = err
	return out
}

func (r *Runner) fail(log logrus.FieldLogger, out *Outcome, op string, err error) {
	log.WithError(err).Errorf("Failed to %s file", op)
	var se *client.StatusError
	if errors.As(err, &se) && se.StatusCode < 500 {
		r.stats.IncrementClientErrors()
	} else {
		r.stats.IncrementServerErrors()
	}
	r.stats.AddError(out.Source, op, err.Error())
	out.Err = err
}

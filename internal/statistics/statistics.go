package statistics

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
)

// Statistics contains counters for compression requests handled by the
// endpoint or submitted by a batch run.
type Statistics struct {
	RequestsTotal   int64
	Succeeded       int64
	ClientErrors    int64
	ServerErrors    int64
	FilesSkipped    int64
	BytesIn         int64
	BytesOut        int64
	CacheHits       int64
	CacheMisses     int64
	ArchiveUploads  int64
	ArchiveFailures int64

	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration

	Errors []StatError

	mutex sync.RWMutex
}

// StatError represents an error that occurred during processing.
type StatError struct {
	Subject   string
	Operation string
	Error     string
	Timestamp time.Time
}

// Snapshot is a point-in-time copy suitable for JSON output.
type Snapshot struct {
	RequestsTotal   int64   `json:"requests_total"`
	Succeeded       int64   `json:"succeeded"`
	ClientErrors    int64   `json:"client_errors"`
	ServerErrors    int64   `json:"server_errors"`
	FilesSkipped    int64   `json:"files_skipped"`
	BytesIn         int64   `json:"bytes_in"`
	BytesOut        int64   `json:"bytes_out"`
	SavedPercent    float64 `json:"saved_percent"`
	CacheHits       int64   `json:"cache_hits"`
	CacheMisses     int64   `json:"cache_misses"`
	ArchiveUploads  int64   `json:"archive_uploads"`
	ArchiveFailures int64   `json:"archive_failures"`
	Uptime          string  `json:"uptime"`
}

// maxRecordedErrors bounds the error list of a long-running server.
const maxRecordedErrors = 100

// NewStatistics returns a new Statistics instance.
func NewStatistics() *Statistics {
	return &Statistics{
		StartTime: time.Now(),
		Errors:    make([]StatError, 0),
	}
}

// IncrementRequests increases the request count by 1.
func (s *Statistics) IncrementRequests() {
	atomic.AddInt64(&s.RequestsTotal, 1)
}

// RecordSuccess records a completed compression and its byte counts.
func (s *Statistics) RecordSuccess(bytesIn, bytesOut int64) {
	atomic.AddInt64(&s.Succeeded, 1)
	atomic.AddInt64(&s.BytesIn, bytesIn)
	atomic.AddInt64(&s.BytesOut, bytesOut)
}

// IncrementClientErrors increases the count of rejected requests by 1.
func (s *Statistics) IncrementClientErrors() {
	atomic.AddInt64(&s.ClientErrors, 1)
}

// IncrementServerErrors increases the count of failed compressions by 1.
func (s *Statistics) IncrementServerErrors() {
	atomic.AddInt64(&s.ServerErrors, 1)
}

// IncrementFilesSkipped increases the count of skipped files by 1.
func (s *Statistics) IncrementFilesSkipped() {
	atomic.AddInt64(&s.FilesSkipped, 1)
}

// IncrementCacheHits increases the cache hit count by 1.
func (s *Statistics) IncrementCacheHits() {
	atomic.AddInt64(&s.CacheHits, 1)
}

// IncrementCacheMisses increases the cache miss count by 1.
func (s *Statistics) IncrementCacheMisses() {
	atomic.AddInt64(&s.CacheMisses, 1)
}

// IncrementArchiveUploads increases the archived output count by 1.
func (s *Statistics) IncrementArchiveUploads() {
	atomic.AddInt64(&s.ArchiveUploads, 1)
}

// IncrementArchiveFailures increases the failed archive count by 1.
func (s *Statistics) IncrementArchiveFailures() {
	atomic.AddInt64(&s.ArchiveFailures, 1)
}

// AddError records an error that occurred during processing.
func (s *Statistics) AddError(subject, operation, errorMsg string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if len(s.Errors) >= maxRecordedErrors {
		s.Errors = s.Errors[1:]
	}
	s.Errors = append(s.Errors, StatError{
		Subject:   subject,
		Operation: operation,
		Error:     errorMsg,
		Timestamp: time.Now(),
	})
}

// Finalize records the end time and duration of a run.
func (s *Statistics) Finalize() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.EndTime = time.Now()
	s.Duration = s.EndTime.Sub(s.StartTime)
}

// Snapshot returns the current counters.
func (s *Statistics) Snapshot() Snapshot {
	in := atomic.LoadInt64(&s.BytesIn)
	out := atomic.LoadInt64(&s.BytesOut)

	return Snapshot{
		RequestsTotal:   atomic.LoadInt64(&s.RequestsTotal),
		Succeeded:       atomic.LoadInt64(&s.Succeeded),
		ClientErrors:    atomic.LoadInt64(&s.ClientErrors),
		ServerErrors:    atomic.LoadInt64(&s.ServerErrors),
		FilesSkipped:    atomic.LoadInt64(&s.FilesSkipped),
		BytesIn:         in,
		BytesOut:        out,
		SavedPercent:    CompressionRatio(in, out),
		CacheHits:       atomic.LoadInt64(&s.CacheHits),
		CacheMisses:     atomic.LoadInt64(&s.CacheMisses),
		ArchiveUploads:  atomic.LoadInt64(&s.ArchiveUploads),
		ArchiveFailures: atomic.LoadInt64(&s.ArchiveFailures),
		Uptime:          time.Since(s.StartTime).Round(time.Second).String(),
	}
}

// GetSummary returns a formatted summary of all statistics.
func (s *Statistics) GetSummary() string {
	snap := s.Snapshot()

	s.mutex.RLock()
	duration := s.Duration
	s.mutex.RUnlock()

	return fmt.Sprintf(`Image Compressor Statistics Summary:

Requests:
		Total: %d
		Succeeded: %d
		Client Errors: %d
		Server Errors: %d
		Skipped: %d

Bytes:
		In: %s
		Out: %s
		Saved: %.1f%%

Cache:
		Hits: %d
		Misses: %d

Archive:
		Uploaded: %d
		Failed: %d

Duration: %v`,
		snap.RequestsTotal,
		snap.Succeeded,
		snap.ClientErrors,
		snap.ServerErrors,
		snap.FilesSkipped,
		humanize.IBytes(uint64(snap.BytesIn)),
		humanize.IBytes(uint64(snap.BytesOut)),
		snap.SavedPercent,
		snap.CacheHits,
		snap.CacheMisses,
		snap.ArchiveUploads,
		snap.ArchiveFailures,
		duration)
}

// GetErrorSummary returns a summary of errors that occurred during processing.
func (s *Statistics) GetErrorSummary() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if len(s.Errors) == 0 {
		return "No errors occurred during processing"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Errors (%d total):\n", len(s.Errors))
	for i, err := range s.Errors {
		if i >= 10 {
			fmt.Fprintf(&b, "  ... and %d more errors\n", len(s.Errors)-10)
			break
		}
		fmt.Fprintf(&b, "  [%s] %s: %s - %s\n",
			err.Timestamp.Format("15:04:05"),
			err.Operation,
			err.Subject,
			err.Error)
	}
	return b.String()
}

// CompressionRatio returns the percentage size reduction from original to
// compressed. The result is negative when the output grew and is not clamped.
func CompressionRatio(originalSize, compressedSize int64) float64 {
	if originalSize == 0 {
		return 0
	}
	return float64(originalSize-compressedSize) / float64(originalSize) * 100
}

var sizeUnits = []string{"Bytes", "KB", "MB", "GB"}

// FormatFileSize renders a byte count with 1024-based units and at most two
// decimals, dropping trailing zeros: 1536 -> "1.5 KB", 1048576 -> "1 MB".
func FormatFileSize(bytes int64) string {
	if bytes <= 0 {
		return "0 Bytes"
	}

	const k = 1024
	i, div := 0, int64(1)
	for i < len(sizeUnits)-1 && bytes >= div*k {
		div *= k
		i++
	}

	value := float64(bytes) / float64(div)
	value = math.Round(value*100) / 100

	return humanize.FtoaWithDigits(value, 2) + " " + sizeUnits[i]
}

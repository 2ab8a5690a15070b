package web

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"image-compressor-go/internal/compressor"
	"image-compressor-go/internal/logger"
	"image-compressor-go/internal/metadata"
	"image-compressor-go/internal/statistics"
	"image-compressor-go/internal/storage"

	"github.com/sirupsen/logrus"
)

// Response headers describing a compression result.
const (
	HeaderOriginalSize     = "X-Original-Size"
	HeaderCompressedSize   = "X-Compressed-Size"
	HeaderCompressionRatio = "X-Compression-Ratio"
	HeaderQuality          = "X-Quality"
	HeaderImageWidth       = "X-Image-Width"
	HeaderImageHeight      = "X-Image-Height"
	HeaderOriginalFormat   = "X-Original-Format"
	HeaderCompressedURL    = "X-Compressed-URL"
	HeaderCache            = "X-Cache"
)

// Multipart field names accepted by the compression functions.
const (
	FieldImage   = "image"
	FieldQuality = "quality"
)

const maxMultipartMemory = 32 << 20

type responseEncoding int

const (
	encodingBinary responseEncoding = iota
	encodingBase64
)

func (e responseEncoding) String() string {
	if e == encodingBase64 {
		return "base64"
	}
	return "binary"
}

// uploadError is a rejected submission answered with a 4xx status.
type uploadError struct {
	status  int
	message string
}

func (e *uploadError) Error() string { return e.message }

// upload is a parsed compression submission.
type upload struct {
	filename string
	data     []byte
	quality  int
}

func (s *Server) handleCompressBinary(w http.ResponseWriter, r *http.Request) {
	s.compress(w, r, encodingBinary)
}

func (s *Server) handleCompressBase64(w http.ResponseWriter, r *http.Request) {
	s.compress(w, r, encodingBase64)
}

func (s *Server) compress(w http.ResponseWriter, r *http.Request, enc responseEncoding) {
	s.stats.IncrementRequests()
	log := logger.WithRequest(s.log, RequestIDFromContext(r.Context()), r.URL.Path)

	up, err := s.readUpload(r)
	if err != nil {
		s.stats.IncrementClientErrors()
		var ue *uploadError
		if !errors.As(err, &ue) {
			ue = &uploadError{status: http.StatusBadRequest, message: err.Error()}
		}
		log.WithError(err).Warn("Rejected compression request")
		writeText(w, ue.status, ue.message)
		return
	}

	log = logger.WithFile(log, up.filename).WithFields(logrus.Fields{
		"size":     len(up.data),
		"quality":  up.quality,
		"encoding": enc.String(),
	})
	s.broadcastWSMessage("compression_started", map[string]interface{}{
		"request_id":    RequestIDFromContext(r.Context()),
		"filename":      up.filename,
		"original_size": len(up.data),
		"quality":       up.quality,
	})

	info, err := s.inspector.Inspect(up.data)
	if err != nil {
		log.WithError(err).Debug("Could not inspect upload")
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.Server.RequestTimeout)
	defer cancel()

	res, err := s.compressor.Compress(ctx, compressor.Request{Image: up.data, Quality: up.quality})
	if err != nil {
		s.stats.IncrementServerErrors()
		s.stats.AddError(up.filename, "compress", err.Error())
		log.WithError(err).Error("Compression failed")
		s.broadcastWSMessage("compression_failed", map[string]interface{}{
			"request_id": RequestIDFromContext(r.Context()),
			"filename":   up.filename,
			"error":      err.Error(),
		})
		writeText(w, http.StatusInternalServerError, "Compression failed: "+err.Error())
		return
	}

	switch {
	case res.CacheHit:
		s.stats.IncrementCacheHits()
	case res.CacheChecked:
		s.stats.IncrementCacheMisses()
	}

	archivedURL := s.archiveResult(ctx, log, res)
	s.stats.RecordSuccess(res.OriginalSize, res.CompressedSize)

	ratio := statistics.CompressionRatio(res.OriginalSize, res.CompressedSize)
	log.WithFields(logrus.Fields{
		"compressed_size": res.CompressedSize,
		"ratio":           fmt.Sprintf("%.2f%%", ratio),
		"cache_hit":       res.CacheHit,
	}).Info("Image compressed")
	s.broadcastWSMessage("compression_completed", map[string]interface{}{
		"request_id":      RequestIDFromContext(r.Context()),
		"filename":        up.filename,
		"original_size":   res.OriginalSize,
		"compressed_size": res.CompressedSize,
		"ratio":           ratio,
		"quality":         res.Quality,
		"cache_hit":       res.CacheHit,
	})

	setResultHeaders(w, res, info, archivedURL)
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", "compressed-"+up.filename))

	switch enc {
	case encodingBase64:
		body := base64.StdEncoding.EncodeToString(res.Data)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, body)
	default:
		w.Header().Set("Content-Type", res.ContentType)
		w.Header().Set("Content-Length", strconv.Itoa(len(res.Data)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(res.Data)
	}
}

// readUpload parses the multipart body into an upload.
func (s *Server) readUpload(r *http.Request) (*upload, error) {
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			return nil, &uploadError{
				status:  http.StatusRequestEntityTooLarge,
				message: fmt.Sprintf("Request body too large (max %d bytes)", s.cfg.Server.MaxUploadBytes),
			}
		}
		return nil, &uploadError{status: http.StatusBadRequest, message: "Form parse error: " + err.Error()}
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile(FieldImage)
	if err != nil {
		return nil, &uploadError{status: http.StatusBadRequest, message: "No file provided"}
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, &uploadError{status: http.StatusBadRequest, message: "Unable to read uploaded file: " + err.Error()}
	}
	if len(data) == 0 {
		return nil, &uploadError{status: http.StatusBadRequest, message: "No file provided"}
	}

	return &upload{
		filename: header.Filename,
		data:     data,
		quality:  compressor.ParseQuality(r.FormValue(FieldQuality), s.cfg.Compression.DefaultQuality),
	}, nil
}

// archiveResult stores the output when an archive is configured. Failures are
// logged and counted, the request still succeeds.
func (s *Server) archiveResult(ctx context.Context, log *logrus.Entry, res *compressor.Result) string {
	if s.archive == nil {
		return ""
	}
	url, err := s.archive.Store(ctx, storage.ObjectKey(res.Data), res.Data, res.ContentType)
	if err != nil {
		s.stats.IncrementArchiveFailures()
		log.WithError(err).Warn("Failed to archive compressed image")
		return ""
	}
	s.stats.IncrementArchiveUploads()
	return url
}

func setResultHeaders(w http.ResponseWriter, res *compressor.Result, info *metadata.Info, archivedURL string) {
	h := w.Header()
	h.Set(HeaderOriginalSize, strconv.FormatInt(res.OriginalSize, 10))
	h.Set(HeaderCompressedSize, strconv.FormatInt(res.CompressedSize, 10))
	h.Set(HeaderCompressionRatio, strconv.FormatFloat(statistics.CompressionRatio(res.OriginalSize, res.CompressedSize), 'f', 2, 64))
	h.Set(HeaderQuality, strconv.Itoa(res.Quality))
	if res.Width > 0 {
		h.Set(HeaderImageWidth, strconv.Itoa(res.Width))
		h.Set(HeaderImageHeight, strconv.Itoa(res.Height))
	}

	format := res.SourceFormat
	if info != nil && info.Format != "" {
		format = info.Format
	}
	if format != "" {
		h.Set(HeaderOriginalFormat, format)
	}

	if archivedURL != "" {
		h.Set(HeaderCompressedURL, archivedURL)
	}
	switch {
	case res.CacheHit:
		h.Set(HeaderCache, "HIT")
	case res.CacheChecked:
		h.Set(HeaderCache, "MISS")
	}
}

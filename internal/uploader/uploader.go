package uploader

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/sirupsen/logrus"
)

// MaxFileSize is the largest upload accepted, 10 MiB.
const MaxFileSize int64 = 10 * 1024 * 1024

// AcceptedTypes lists the MIME types the uploader lets through.
var AcceptedTypes = []string{"image/jpeg", "image/png", "image/webp", "image/gif"}

// ErrNoImage is returned when a drop or paste carries no image.
var ErrNoImage = errors.New("no image found")

// File is a candidate image sourced from one of the input channels.
type File struct {
	Name string
	Type string
	Size int64
	Data []byte
}

// NewFile builds a File and sniffs its MIME type from the content.
func NewFile(name string, data []byte) File {
	return File{
		Name: name,
		Type: baseType(mimetype.Detect(data).String()),
		Size: int64(len(data)),
		Data: data,
	}
}

// ValidationError is a rejected file, carrying the user-facing message.
type ValidationError struct {
	Title       string
	Description string
}

func (e *ValidationError) Error() string {
	return e.Title + ": " + e.Description
}

// Validate applies the upload policy. Type is checked before size.
func Validate(f File) error {
	if !slices.Contains(AcceptedTypes, baseType(f.Type)) {
		return &ValidationError{
			Title:       "Invalid file type",
			Description: "Please upload a JPEG, PNG, WebP, or GIF image.",
		}
	}
	if f.Size > MaxFileSize {
		return &ValidationError{
			Title:       "File too large",
			Description: "Please upload an image smaller than 10MB.",
		}
	}
	return nil
}

// SubmitFunc receives every accepted file.
type SubmitFunc func(File)

// Uploader sources images from the file picker, drag and drop, and the
// clipboard, and hands accepted files to the submit callback.
type Uploader struct {
	notifier Notifier
	submit   SubmitFunc
}

func New(notifier Notifier, submit SubmitFunc) *Uploader {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Uploader{notifier: notifier, submit: submit}
}

// SelectFile validates the file at path and submits it.
func (u *Uploader) SelectFile(path string) (File, error) {
	f, err := LoadFile(path)
	if err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			u.reject(ve)
		}
		return File{}, err
	}
	return f, u.accept(f)
}

// Drop considers only the first image in files. Other entries are ignored.
func (u *Uploader) Drop(files []File) (File, error) {
	for _, f := range files {
		if strings.HasPrefix(f.Type, "image/") {
			return f, u.accept(f)
		}
	}
	u.notifier.Notify(Notification{
		Title:       "No images found",
		Description: "Please drop an image file.",
		Destructive: true,
	})
	return File{}, ErrNoImage
}

// ClipboardItem is one entry of a clipboard paste. Types lists the
// representations offered, Data holds the bytes for each of them.
type ClipboardItem struct {
	Types []string
	Data  map[string][]byte
}

// Paste submits the first image representation found in the clipboard.
// The file is named after the MIME subtype, e.g. pasted-image.png.
func (u *Uploader) Paste(items []ClipboardItem) (File, error) {
	for _, item := range items {
		for _, typ := range item.Types {
			if !strings.HasPrefix(typ, "image/") {
				continue
			}
			data, ok := item.Data[typ]
			if !ok {
				u.notifier.Notify(Notification{
					Title:       "Paste failed",
					Description: "Unable to paste image. Please try uploading instead.",
					Destructive: true,
				})
				return File{}, fmt.Errorf("clipboard item %s has no data", typ)
			}
			f := File{
				Name: "pasted-image." + strings.TrimPrefix(baseType(typ), "image/"),
				Type: baseType(typ),
				Size: int64(len(data)),
				Data: data,
			}
			return f, u.accept(f)
		}
	}
	u.notifier.Notify(Notification{
		Title:       "No image in clipboard",
		Description: "Please copy an image first, then try pasting.",
		Destructive: true,
	})
	return File{}, ErrNoImage
}

// PasteReader treats r as a clipboard holding a single item and sniffs its type.
func (u *Uploader) PasteReader(r io.Reader) (File, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return File{}, fmt.Errorf("read clipboard: %w", err)
	}
	typ := baseType(mimetype.Detect(data).String())
	return u.Paste([]ClipboardItem{{Types: []string{typ}, Data: map[string][]byte{typ: data}}})
}

func (u *Uploader) accept(f File) error {
	if err := Validate(f); err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			u.reject(ve)
		}
		return err
	}
	if u.submit != nil {
		u.submit(f)
	}
	return nil
}

func (u *Uploader) reject(ve *ValidationError) {
	u.notifier.Notify(Notification{Title: ve.Title, Description: ve.Description, Destructive: true})
}

// LoadFile reads and validates a file from disk. The type is sniffed from
// the header and checked before the file is read in full.
func LoadFile(path string) (File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return File{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return File{}, fmt.Errorf("%s is a directory", path)
	}

	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return File{}, fmt.Errorf("detect type of %s: %w", path, err)
	}

	f := File{Name: filepath.Base(path), Type: baseType(mt.String()), Size: info.Size()}
	if err := Validate(f); err != nil {
		return f, err
	}

	f.Data, err = os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read %s: %w", path, err)
	}
	f.Size = int64(len(f.Data))
	return f, nil
}

func baseType(t string) string {
	t, _, _ = strings.Cut(t, ";")
	return strings.ToLower(strings.TrimSpace(t))
}

// Notification is a user-facing message about an upload attempt.
type Notification struct {
	Title       string
	Description string
	Destructive bool
}

// Notifier surfaces notifications to the user.
type Notifier interface {
	Notify(Notification)
}

// NopNotifier drops every notification.
type NopNotifier struct{}

func (NopNotifier) Notify(Notification) {}

// LogNotifier writes notifications to a logger, destructive ones as warnings.
type LogNotifier struct {
	Logger logrus.FieldLogger
}

func (n LogNotifier) Notify(msg Notification) {
	entry := n.Logger.WithField("title", msg.Title)
	if msg.Destructive {
		entry.Warn(msg.Description)
		return
	}
	entry.Info(msg.Description)
}

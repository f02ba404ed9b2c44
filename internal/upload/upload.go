// Package upload stages multipart attachments in the local upload directory
// until the orchestrator forwards them upstream.
package upload

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/mohammad-safakhou/shelfgate/config"
	"github.com/mohammad-safakhou/shelfgate/internal/telemetry"
)

var (
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrTooLarge        = errors.New("file too large")
)

// IOError wraps a filesystem failure while staging.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string { return fmt.Sprintf("stage upload: %s: %v", e.Op, e.Err) }
func (e *IOError) Unwrap() error { return e.Err }

// StagedUpload is a file written to the upload directory. The owner must call
// Discard once the attachment has been forwarded or abandoned.
type StagedUpload struct {
	Path         string
	Name         string
	OriginalName string
	Ext          string
	Size         int64
	contentType  string
}

func (s *StagedUpload) FileName() string    { return s.Name }
func (s *StagedUpload) ContentType() string { return s.contentType }

func (s *StagedUpload) Open() (io.ReadCloser, error) {
	return os.Open(s.Path)
}

// Discard removes the staged file. It is safe on a nil receiver and on a
// file that is already gone.
func (s *StagedUpload) Discard() error {
	if s == nil || s.Path == "" {
		return nil
	}
	if err := os.Remove(s.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &IOError{Op: "remove", Err: err}
	}
	return nil
}

type Stager struct {
	dir      string
	allowed  map[string]struct{}
	maxBytes int64
	metrics  *telemetry.Metrics
	logger   *slog.Logger
}

type Option func(*Stager)

func WithMetrics(m *telemetry.Metrics) Option { return func(s *Stager) { s.metrics = m } }
func WithLogger(l *slog.Logger) Option       { return func(s *Stager) { s.logger = l } }

// NewStager creates the upload directory when missing.
func NewStager(cfg config.UploadsConfig, opts ...Option) (*Stager, error) {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, &IOError{Op: "resolve dir", Err: err}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &IOError{Op: "create dir", Err: err}
	}
	s := &Stager{
		dir:      dir,
		allowed:  make(map[string]struct{}, len(cfg.AllowedExtensions)),
		maxBytes: cfg.MaxBytes,
		logger:   slog.Default(),
	}
	for _, ext := range cfg.AllowedExtensions {
		s.allowed[ext] = struct{}{}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the absolute staging directory.
func (s *Stager) Dir() string { return s.dir }

// Allowed reports whether name carries an allow-listed extension.
func (s *Stager) Allowed(name string) bool {
	_, ok := s.allowed[extension(SanitizeFilename(name))]
	return ok
}

// Stage copies the uploaded file into the staging directory. A nil header
// means no file was submitted and yields (nil, nil).
func (s *Stager) Stage(file *multipart.FileHeader) (*StagedUpload, error) {
	if file == nil {
		return nil, nil
	}
	safe := SanitizeFilename(file.Filename)
	ext := extension(safe)
	if _, ok := s.allowed[ext]; !ok {
		s.metrics.StagedUpload("rejected_type")
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedType, file.Filename)
	}
	if file.Size > s.maxBytes {
		s.metrics.StagedUpload("rejected_size")
		return nil, ErrTooLarge
	}

	base := strings.TrimSuffix(safe[:len(safe)-len(filepath.Ext(safe))], ".")
	name := base + "-" + uuid.NewString() + "." + ext
	path := filepath.Join(s.dir, name)
	if !within(s.dir, path) {
		return nil, &IOError{Op: "resolve path", Err: fmt.Errorf("%q escapes upload dir", name)}
	}

	src, err := file.Open()
	if err != nil {
		s.metrics.StagedUpload("error")
		return nil, &IOError{Op: "open part", Err: err}
	}
	defer src.Close()

	size, sniffed, err := s.write(path, src)
	if err != nil {
		_ = os.Remove(path)
		if errors.Is(err, ErrTooLarge) {
			s.metrics.StagedUpload("rejected_size")
			return nil, err
		}
		s.metrics.StagedUpload("error")
		return nil, err
	}
	s.metrics.StagedUpload("staged")
	s.logger.Debug("upload staged", "file", name, "size", size)
	return &StagedUpload{
		Path:         path,
		Name:         name,
		OriginalName: file.Filename,
		Ext:          ext,
		Size:         size,
		contentType:  contentType(ext, sniffed),
	}, nil
}

func (s *Stager) write(path string, src io.Reader) (int64, []byte, error) {
	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return 0, nil, &IOError{Op: "create file", Err: err}
	}
	head := make([]byte, 512)
	n, err := io.ReadFull(src, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		dst.Close()
		return 0, nil, &IOError{Op: "read part", Err: err}
	}
	head = head[:n]
	if _, err := dst.Write(head); err != nil {
		dst.Close()
		return 0, nil, &IOError{Op: "write file", Err: err}
	}
	rest, err := io.Copy(dst, io.LimitReader(src, s.maxBytes-int64(n)+1))
	if err != nil {
		dst.Close()
		return 0, nil, &IOError{Op: "write file", Err: err}
	}
	if err := dst.Close(); err != nil {
		return 0, nil, &IOError{Op: "close file", Err: err}
	}
	total := int64(n) + rest
	if total > s.maxBytes {
		return 0, nil, ErrTooLarge
	}
	return total, head, nil
}

// SanitizeFilename reduces a client-supplied name to a safe base name.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, `\`, "/")
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	var b strings.Builder
	lastDot := false
	for _, r := range name {
		ok := r == '.' || r == '_' || r == '-' ||
			(r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if !ok {
			continue
		}
		if r == '.' {
			if lastDot {
				continue
			}
			lastDot = true
		} else {
			lastDot = false
		}
		b.WriteRune(r)
	}
	out := strings.TrimLeft(b.String(), ".-")
	if out == "" {
		return "upload"
	}
	return out
}

func extension(name string) string {
	ext := filepath.Ext(name)
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

func within(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

func contentType(ext string, head []byte) string {
	switch ext {
	case "png", "gif":
		return "image/" + ext
	case "jpg", "jpeg":
		return "image/jpeg"
	}
	if len(head) == 0 {
		return "application/octet-stream"
	}
	return http.DetectContentType(head)
}

package media

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Sink abstracts blob storage for acquired media.
type Sink interface {
	// Put writes data under key. If r fails, any object already at key is
	// left in place.
	Put(ctx context.Context, key string, r io.Reader) error
	// Open returns a reader for key.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes the object at key.
	Delete(ctx context.Context, key string) error
	// AccessPath returns the consumer-facing URL for key.
	AccessPath(key string) string
}

// LocalSink stores media as files under a root directory and exposes them
// below a URL prefix.
type LocalSink struct {
	root    string
	baseURL string
}

var _ Sink = (*LocalSink)(nil)

// NewLocalSink creates the root directory if needed. baseURL defaults to "/media".
func NewLocalSink(root, baseURL string) (*LocalSink, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve media root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create media root: %w", err)
	}
	if baseURL == "" {
		baseURL = "/media"
	}
	return &LocalSink{root: abs, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Root returns the directory files are stored in.
func (s *LocalSink) Root() string { return s.root }

// Put writes to a temporary file and renames it into place.
func (s *LocalSink) Put(_ context.Context, key string, r io.Reader) error {
	dest, err := s.hostPath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".put-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("rename file: %w", err)
	}
	return nil
}

// Open implements Sink.
func (s *LocalSink) Open(_ context.Context, key string) (io.ReadCloser, error) {
	dest, err := s.hostPath(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(dest)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	return f, nil
}

// Delete implements Sink. Missing files are not an error.
func (s *LocalSink) Delete(_ context.Context, key string) error {
	dest, err := s.hostPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete file: %w", err)
	}
	return nil
}

// AccessPath implements Sink.
func (s *LocalSink) AccessPath(key string) string {
	return s.baseURL + "/" + path.Clean(key)
}

func (s *LocalSink) hostPath(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if key == "" || clean == "." || filepath.IsAbs(clean) {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, key)
	}
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, key)
	}
	joined := filepath.Join(s.root, clean)
	if !strings.HasPrefix(joined, s.root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, key)
	}
	return joined, nil
}

// Package media materializes provider media handles into stored blobs.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/matheus3301/wprelay/internal/message"
)

const (
	// DefaultMaxBytes caps a single download.
	DefaultMaxBytes int64 = 100 * 1024 * 1024
	// DefaultTimeout bounds handle exchange and download together.
	DefaultTimeout = 30 * time.Second

	sniffLen = 3072
)

// Source is the provider side of acquisition.
type Source interface {
	// MediaURL exchanges a handle for a time-limited download URL.
	MediaURL(ctx context.Context, handle string) (string, error)
	// Download opens an authenticated stream of the bytes at url.
	Download(ctx context.Context, url string) (io.ReadCloser, error)
}

// Params configures an Acquirer.
type Params struct {
	Timeout  time.Duration
	MaxBytes int64
}

// Acquirer resolves media references. It never returns errors: failures
// leave the reference unresolved.
type Acquirer struct {
	source   Source
	sink     Sink
	timeout  time.Duration
	maxBytes int64
	log      *zap.Logger
}

// NewAcquirer creates an acquirer. A nil source or sink disables acquisition.
func NewAcquirer(source Source, sink Sink, p Params, log *zap.Logger) *Acquirer {
	if p.Timeout <= 0 {
		p.Timeout = DefaultTimeout
	}
	if p.MaxBytes <= 0 {
		p.MaxBytes = DefaultMaxBytes
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Acquirer{source: source, sink: sink, timeout: p.Timeout, maxBytes: p.MaxBytes, log: log}
}

// Acquire stores the media of msg, if any, and records the URL, actual size
// and observed content type on its reference. Without a caption the message
// content is refreshed to show the actual size. It reports whether the
// reference ended up resolved.
func (a *Acquirer) Acquire(ctx context.Context, msg *message.Message) bool {
	ref := msg.Media
	if ref == nil || !ref.Kind.HasMedia() {
		return false
	}
	if a == nil || a.source == nil || a.sink == nil {
		ref.Status = message.MediaUnresolved
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	if err := a.fetch(ctx, ref); err != nil {
		ref.Status = message.MediaUnresolved
		a.log.Warn("media acquisition failed",
			zap.String("msg_id", msg.ProviderID),
			zap.String("handle", ref.Handle),
			zap.String("kind", string(ref.Kind)),
			zap.Error(err),
		)
		return false
	}
	ref.Status = message.MediaResolved
	if strings.TrimSpace(ref.Caption) == "" {
		msg.Content = message.MediaContent(ref)
	}
	a.log.Debug("media acquired",
		zap.String("msg_id", msg.ProviderID),
		zap.String("url", ref.URL),
		zap.Int64("size", ref.Size),
		zap.Duration("took", time.Since(start)),
	)
	return true
}

func (a *Acquirer) fetch(ctx context.Context, ref *message.MediaReference) error {
	if ref.Handle == "" {
		return ErrNoHandle
	}
	url, err := a.source.MediaURL(ctx, ref.Handle)
	if err != nil {
		return fmt.Errorf("media url: %w", err)
	}
	body, err := a.source.Download(ctx, url)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	defer func() { _ = body.Close() }()

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(body, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read: %w", err)
	}
	head = head[:n]
	if n == 0 {
		return ErrEmpty
	}

	contentType, ext := sniff(head, ref.MimeType)
	key := path.Join(string(ref.Kind), safeName(ref.Handle)+ext)

	counter := &countingReader{r: io.MultiReader(bytes.NewReader(head), body), max: a.maxBytes}
	if err := a.sink.Put(ctx, key, counter); err != nil {
		return fmt.Errorf("store: %w", err)
	}

	ref.URL = a.sink.AccessPath(key)
	ref.Size = counter.n
	ref.ContentType = contentType
	return nil
}

// sniff detects the content type from the leading bytes, falling back to the
// declared MIME type when detection is inconclusive.
func sniff(head []byte, declared string) (contentType, ext string) {
	mt := mimetype.Detect(head)
	if mt.Is("application/octet-stream") && declared != "" {
		return declared, extensionFromMime(declared)
	}
	ext = mt.Extension()
	if ext == "" {
		ext = extensionFromMime(declared)
	}
	return mt.String(), ext
}

func extensionFromMime(mime string) string {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	if mt := mimetype.Lookup(mime); mt != nil && mt.Extension() != "" {
		return mt.Extension()
	}
	return ".bin"
}

// safeName keeps handles usable as file names.
func safeName(handle string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, handle)
}

// countingReader fails the read once more than max bytes have passed, so
// the sink discards the partial write instead of replacing the object.
type countingReader struct {
	r      io.Reader
	n, max int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if c.n > c.max {
		return n, fmt.Errorf("%w: max %d bytes", ErrTooLarge, c.max)
	}
	return n, err
}

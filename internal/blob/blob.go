// Package blob defines the chunked-upload boundary with the blob store.
package blob

import (
	"context"
	"io"
)

// FileRef is the stable reference a completed upload resolves to.
type FileRef struct {
	URL         string
	Name        string
	Size        int64
	ContentType string
}

// ProgressFunc receives byte-level transfer progress. Transferred never
// decreases between calls for a single upload.
type ProgressFunc func(transferred, total int64)

// Store performs chunked uploads to blob storage.
type Store interface {
	// Upload streams r to the given object key and returns a retrievable
	// reference. progress may be nil.
	Upload(ctx context.Context, key string, r io.Reader, size int64, contentType string, progress ProgressFunc) (FileRef, error)
}

// progressReader invokes the callback as bytes flow through it.
type progressReader struct {
	inner       io.Reader
	total       int64
	transferred int64
	fn          ProgressFunc
}

// NewProgressReader wraps r so that fn observes cumulative transfer counts.
func NewProgressReader(r io.Reader, total int64, fn ProgressFunc) io.Reader {
	if fn == nil {
		return r
	}
	return &progressReader{inner: r, total: total, fn: fn}
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.inner.Read(buf)
	if n > 0 {
		p.transferred += int64(n)
		p.fn(p.transferred, p.total)
	}
	return n, err
}

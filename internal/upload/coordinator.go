// Package upload coordinates attachment transfers to blob storage.
package upload

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"time"

	"github.com/skiffchat/skiff/internal/blob"
)

// MaxBatchImages bounds the number of images accepted in a single batch.
const MaxBatchImages = 5

// File describes one pending attachment.
type File struct {
	Name        string
	ContentType string
	Size        int64
	Reader      io.Reader
}

// Error reports a failed transfer together with the file it belonged to.
type Error struct {
	Op   string
	Name string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("upload %s %q: %v", e.Op, e.Name, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Coordinator uploads attachments and reports percentage progress.
type Coordinator struct {
	store blob.Store
	now   func() time.Time
}

// NewCoordinator wraps the given blob store.
func NewCoordinator(store blob.Store) *Coordinator {
	return &Coordinator{store: store, now: time.Now}
}

// UploadFile transfers a single file under the room's attachment prefix.
// onProgress observes whole percentages in [0, 100] that never decrease;
// it may be nil.
func (c *Coordinator) UploadFile(ctx context.Context, roomID string, f File, onProgress func(percent int)) (blob.FileRef, error) {
	return c.put(ctx, c.objectKey(roomID, f.Name), f, onProgress)
}

// UploadAvatar stores the user's profile picture under a stable per-user
// key, so a new avatar replaces the previous object.
func (c *Coordinator) UploadAvatar(ctx context.Context, userID string, f File, onProgress func(percent int)) (blob.FileRef, error) {
	return c.put(ctx, "avatars/"+userID, f, onProgress)
}

func (c *Coordinator) put(ctx context.Context, key string, f File, onProgress func(percent int)) (blob.FileRef, error) {
	var last int = -1
	var progress blob.ProgressFunc
	if onProgress != nil {
		progress = func(transferred, total int64) {
			p := percentOf(transferred, total)
			if p > last {
				last = p
				onProgress(p)
			}
		}
	}

	ref, err := c.store.Upload(ctx, key, f.Reader, f.Size, f.ContentType, progress)
	if err != nil {
		return blob.FileRef{}, &Error{Op: "put", Name: f.Name, Err: err}
	}
	ref.Name = f.Name
	return ref, nil
}

// UploadBatch transfers files one after another. onProgress observes overall
// batch progress in [0, 100]; onUploaded runs after each completed file and
// may abort the rest of the batch by returning an error. Either callback may
// be nil. Batches larger than MaxBatchImages are rejected.
func (c *Coordinator) UploadBatch(ctx context.Context, roomID string, files []File, onProgress func(percent int), onUploaded func(index int, ref blob.FileRef) error) error {
	if len(files) == 0 {
		return nil
	}
	if len(files) > MaxBatchImages {
		return &Error{Op: "batch", Name: files[MaxBatchImages].Name, Err: errBatchTooLarge}
	}

	n := len(files)
	for i, f := range files {
		i := i
		ref, err := c.UploadFile(ctx, roomID, f, func(p int) {
			if onProgress != nil {
				onProgress((i*100 + p) / n)
			}
		})
		if err != nil {
			return err
		}
		if onUploaded != nil {
			if err := onUploaded(i, ref); err != nil {
				return err
			}
		}
	}
	if onProgress != nil {
		onProgress(100)
	}
	return nil
}

func (c *Coordinator) objectKey(roomID, name string) string {
	return fmt.Sprintf("chatFiles/%s/%d_%s", roomID, c.now().UnixMilli(), sanitizeName(name))
}

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9.\-]`)

// sanitizeName keeps object keys to a portable character set.
func sanitizeName(name string) string {
	return unsafeNameChars.ReplaceAllString(name, "_")
}

func percentOf(transferred, total int64) int {
	if total <= 0 {
		return 100
	}
	p := int(transferred * 100 / total)
	if p < 0 {
		p = 0
	}
	if p > 100 {
		p = 100
	}
	return p
}

var errBatchTooLarge = fmt.Errorf("at most %d images per batch", MaxBatchImages)

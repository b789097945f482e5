package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/skiffchat/skiff/internal/blob"
)

type captureStore struct {
	keys      []string
	chunkSize int
	err       error
}

func (c *captureStore) Upload(ctx context.Context, key string, r io.Reader, size int64, contentType string, progress blob.ProgressFunc) (blob.FileRef, error) {
	if c.err != nil {
		return blob.FileRef{}, c.err
	}
	chunk := c.chunkSize
	if chunk <= 0 {
		chunk = 16
	}
	reader := blob.NewProgressReader(r, size, progress)
	buf := make([]byte, chunk)
	for {
		if _, err := reader.Read(buf); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return blob.FileRef{}, err
		}
	}
	c.keys = append(c.keys, key)
	return blob.FileRef{URL: "blob://" + key, Name: key, Size: size, ContentType: contentType}, nil
}

func fixedClock(c *Coordinator) {
	c.now = func() time.Time { return time.UnixMilli(1700000000000) }
}

func testFile(name string, size int) File {
	return File{
		Name:        name,
		ContentType: "application/octet-stream",
		Size:        int64(size),
		Reader:      strings.NewReader(strings.Repeat("x", size)),
	}
}

func TestUploadAvatarUsesStableKey(t *testing.T) {
	store := &captureStore{}
	c := NewCoordinator(store)
	ctx := context.Background()

	var final int
	for i := 0; i < 2; i++ {
		ref, err := c.UploadAvatar(ctx, "user-1", testFile("me.png", 64), func(p int) { final = p })
		if err != nil {
			t.Fatalf("upload avatar: %v", err)
		}
		if ref.Name != "me.png" {
			t.Fatalf("ref name %q", ref.Name)
		}
	}

	// Re-uploading replaces the same object instead of accumulating keys.
	if len(store.keys) != 2 || store.keys[0] != "avatars/user-1" || store.keys[1] != "avatars/user-1" {
		t.Fatalf("keys %v", store.keys)
	}
	if final != 100 {
		t.Fatalf("final progress %d", final)
	}
}

func TestUploadFileKeyLayout(t *testing.T) {
	tests := []struct {
		name     string
		fileName string
		wantKey  string
	}{
		{
			name:     "plain name",
			fileName: "report.pdf",
			wantKey:  "chatFiles/room-1/1700000000000_report.pdf",
		},
		{
			name:     "spaces and specials replaced",
			fileName: "my file (v2).pdf",
			wantKey:  "chatFiles/room-1/1700000000000_my_file__v2_.pdf",
		},
		{
			name:     "unicode replaced",
			fileName: "データ.txt",
			wantKey:  "chatFiles/room-1/1700000000000____.txt",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cs := &captureStore{}
			c := NewCoordinator(cs)
			fixedClock(c)

			if _, err := c.UploadFile(context.Background(), "room-1", testFile(tc.fileName, 10), nil); err != nil {
				t.Fatalf("upload: %v", err)
			}
			if len(cs.keys) != 1 || cs.keys[0] != tc.wantKey {
				t.Fatalf("got key %v, want %s", cs.keys, tc.wantKey)
			}
		})
	}
}

func TestUploadFileProgressMonotone(t *testing.T) {
	cs := &captureStore{chunkSize: 7}
	c := NewCoordinator(cs)
	fixedClock(c)

	var percents []int
	ref, err := c.UploadFile(context.Background(), "room-1", testFile("big.bin", 1000), func(p int) {
		percents = append(percents, p)
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if ref.Name != "big.bin" {
		t.Fatalf("ref keeps object key instead of original name: %s", ref.Name)
	}
	if len(percents) == 0 {
		t.Fatal("no progress reported")
	}
	for i, p := range percents {
		if p < 0 || p > 100 {
			t.Fatalf("percent out of range: %d", p)
		}
		if i > 0 && p <= percents[i-1] {
			t.Fatalf("percent not strictly increasing at %d: %v", i, percents)
		}
	}
	if percents[len(percents)-1] != 100 {
		t.Fatalf("final percent %d, want 100", percents[len(percents)-1])
	}
}

func TestUploadBatchOverallProgress(t *testing.T) {
	cs := &captureStore{chunkSize: 50}
	c := NewCoordinator(cs)
	fixedClock(c)

	files := []File{
		testFile("a.png", 200),
		testFile("b.png", 200),
		testFile("c.png", 200),
	}

	var percents []int
	var completed []string
	err := c.UploadBatch(context.Background(), "room-1", files,
		func(p int) { percents = append(percents, p) },
		func(i int, ref blob.FileRef) error {
			completed = append(completed, ref.Name)
			return nil
		})
	if err != nil {
		t.Fatalf("batch: %v", err)
	}

	if len(completed) != 3 {
		t.Fatalf("completed %d files, want 3", len(completed))
	}
	for i := 1; i < len(percents); i++ {
		if percents[i] < percents[i-1] {
			t.Fatalf("overall progress decreased: %v", percents)
		}
	}
	if percents[len(percents)-1] != 100 {
		t.Fatalf("final overall percent %d, want 100", percents[len(percents)-1])
	}
	// The second file's completion lands at two thirds of the batch.
	saw66 := false
	for _, p := range percents {
		if p == 66 {
			saw66 = true
		}
	}
	if !saw66 {
		t.Fatalf("expected overall progress to pass 66, got %v", percents)
	}
}

func TestUploadBatchRejectsOversizedBatch(t *testing.T) {
	c := NewCoordinator(&captureStore{})
	files := make([]File, MaxBatchImages+1)
	for i := range files {
		files[i] = testFile(fmt.Sprintf("img%d.png", i), 10)
	}

	err := c.UploadBatch(context.Background(), "room-1", files, nil, nil)
	var uerr *Error
	if !errors.As(err, &uerr) || uerr.Op != "batch" {
		t.Fatalf("expected batch error, got %v", err)
	}
}

func TestUploadBatchStopsOnCallbackError(t *testing.T) {
	c := NewCoordinator(&captureStore{})
	files := []File{testFile("a.png", 10), testFile("b.png", 10)}

	stop := errors.New("append failed")
	err := c.UploadBatch(context.Background(), "room-1", files, nil, func(i int, ref blob.FileRef) error {
		return stop
	})
	if !errors.Is(err, stop) {
		t.Fatalf("expected callback error to propagate, got %v", err)
	}
}

func TestUploadFileWrapsStoreError(t *testing.T) {
	base := errors.New("connection reset")
	c := NewCoordinator(&captureStore{err: base})

	_, err := c.UploadFile(context.Background(), "room-1", testFile("a.bin", 10), nil)
	var uerr *Error
	if !errors.As(err, &uerr) {
		t.Fatalf("expected upload error, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatal("wrapped cause lost")
	}
	if uerr.Name != "a.bin" {
		t.Fatalf("error names %q, want a.bin", uerr.Name)
	}
}

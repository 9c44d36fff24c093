package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"path"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	"github.com/fathima-sithara/realtime-service/internal/domain"
)

var (
	ErrInvalidFile    = errors.New("invalid file")
	ErrFileNotFound   = errors.New("file not found")
	ErrStorageFailure = errors.New("storage backend failure")
)

// BlobStore keeps raw media bytes under opaque keys.
type BlobStore interface {
	Put(ctx context.Context, key, contentType string, data []byte) error
	// URL returns where a client can fetch key from.
	URL(ctx context.Context, key string) (string, error)
}

// Upload describes a stored media blob.
type Upload struct {
	Ref         domain.BlobRef `json:"ref"`
	Thumbnail   domain.BlobRef `json:"thumbnail,omitempty"`
	Kind        domain.Kind    `json:"kind"`
	Size        int64          `json:"size"`
	ContentType string         `json:"content_type"`
	CreatedAt   time.Time      `json:"created_at"`
}

const thumbWidth = 320

// Uploader turns raw uploads into blob references for message content.
type Uploader struct {
	store    BlobStore
	maxBytes int64
}

func NewUploader(store BlobStore, maxBytes int64) *Uploader {
	if maxBytes <= 0 {
		maxBytes = 50 * 1024 * 1024
	}
	return &Uploader{store: store, maxBytes: maxBytes}
}

func (u *Uploader) Store() BlobStore { return u.store }

// Upload stores data as content for kind. Image kinds also get a JPEG
// thumbnail stored next to the original.
func (u *Uploader) Upload(ctx context.Context, owner string, kind domain.Kind, filename, contentType string, data []byte) (*Upload, error) {
	if err := u.check(kind, contentType, int64(len(data))); err != nil {
		return nil, err
	}
	key := blobKey(owner, kind, filename)
	if err := u.store.Put(ctx, key, contentType, data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageFailure, err)
	}
	up := &Upload{
		Ref:         domain.BlobRef(key),
		Kind:        kind,
		Size:        int64(len(data)),
		ContentType: contentType,
		CreatedAt:   time.Now().UTC(),
	}
	if kind.Family() == "image" {
		if thumb, err := generateThumbnail(data); err == nil {
			thumbKey := key + "_thumb.jpg"
			if err := u.store.Put(ctx, thumbKey, "image/jpeg", thumb); err == nil {
				up.Thumbnail = domain.BlobRef(thumbKey)
			}
		}
	}
	return up, nil
}

func (u *Uploader) check(kind domain.Kind, contentType string, size int64) error {
	if !kind.IsMedia() {
		return fmt.Errorf("%w: %q does not take a file", ErrInvalidFile, kind)
	}
	if size == 0 || size > u.maxBytes {
		return fmt.Errorf("%w: file size not allowed", ErrInvalidFile)
	}
	family, _, _ := strings.Cut(strings.ToLower(contentType), "/")
	if family != kind.Family() {
		return fmt.Errorf("%w: content type %q does not match %s", ErrInvalidFile, contentType, kind)
	}
	return nil
}

func blobKey(owner string, kind domain.Kind, filename string) string {
	ext := strings.ToLower(path.Ext(path.Base(filename)))
	if len(ext) > 10 || strings.ContainsAny(ext, `/\ `) {
		ext = ""
	}
	if owner == "" {
		owner = "anonymous"
	}
	owner = strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(owner)
	return fmt.Sprintf("%s/%s/%s%s", kind, owner, uuid.NewString(), ext)
}

func generateThumbnail(data []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	thumb := imaging.Resize(img, thumbWidth, 0, imaging.Lanczos)
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

package services

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Upload is a file handed to the object storage collaborator.
type Upload struct {
	Body     io.Reader
	FileName string
	MimeType string
	Size     int64
}

// StoredObject is what the storage collaborator returns for a saved upload.
type StoredObject struct {
	URL          string
	PublicID     string
	ThumbnailURL string
}

// ObjectStorage keeps attachment bytes outside the message store.
type ObjectStorage interface {
	Upload(ctx context.Context, u Upload) (StoredObject, error)
	Delete(ctx context.Context, publicID string) error
}

// DiskStorage writes uploads into a local directory that is served
// statically under baseURL.
type DiskStorage struct {
	dir     string
	baseURL string
}

func NewDiskStorage(dir, baseURL string) (*DiskStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &DiskStorage{dir: dir, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

func (s *DiskStorage) Upload(ctx context.Context, u Upload) (StoredObject, error) {
	publicID := uuid.NewString() + strings.ToLower(filepath.Ext(u.FileName))
	path := filepath.Join(s.dir, publicID)

	f, err := os.Create(path)
	if err != nil {
		return StoredObject{}, err
	}
	_, err = io.Copy(f, &ctxReader{ctx: ctx, r: u.Body})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return StoredObject{}, err
	}

	obj := StoredObject{URL: s.baseURL + "/" + publicID, PublicID: publicID}
	if strings.HasPrefix(u.MimeType, "image/") {
		// no resizing on disk; the original doubles as its thumbnail
		obj.ThumbnailURL = obj.URL
	}
	return obj, nil
}

func (s *DiskStorage) Delete(_ context.Context, publicID string) error {
	if publicID == "" || publicID != filepath.Base(publicID) {
		return fmt.Errorf("invalid storage reference %q", publicID)
	}
	err := os.Remove(filepath.Join(s.dir, publicID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

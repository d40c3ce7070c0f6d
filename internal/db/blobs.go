package db

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/zeebo/blake3"
)

// BlobStore holds content-addressed payloads plus named distribution files.
// Digests are SHA-1 of the payload; a blake3 checksum is recorded alongside
// for integrity scrubbing.
type BlobStore struct {
	layout Layout
	store  *Store
}

// Post streams a payload into the general pool and records its metadata.
// The digest is computed while streaming; posting an already-present digest
// refreshes the metadata only.
func (b *BlobStore) Post(ctx context.Context, r io.Reader, meta BlobMeta) (*BlobMeta, error) {
	if err := os.MkdirAll(b.layout.BlobsDir, 0o755); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(b.layout.BlobsDir, ".post-")
	if err != nil {
		return nil, err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	sum := sha1.New()
	check := blake3.New()
	size, err := io.Copy(io.MultiWriter(tmp, sum, check), r)
	if err != nil {
		return nil, err
	}
	if err := tmp.Sync(); err != nil {
		return nil, err
	}
	digest := hex.EncodeToString(sum.Sum(nil))
	if meta.Digest != "" && meta.Digest != digest {
		return nil, fmt.Errorf("%w: payload digest %s does not match %s", ErrInvalid, digest, meta.Digest)
	}
	meta.Digest = digest
	meta.ContentLength = size
	meta.Checksum = hex.EncodeToString(check.Sum(nil))
	if meta.ContentType == "" {
		meta.ContentType = "application/octet-stream"
	}

	target := b.layout.BlobPath(digest)
	if _, err := os.Stat(target); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		if err := tmp.Close(); err != nil {
			return nil, err
		}
		if err := os.Rename(tmp.Name(), target); err != nil {
			return nil, err
		}
	}
	if err := b.store.PutBlobMeta(ctx, meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// Get returns blob metadata and a single-use payload stream.
func (b *BlobStore) Get(ctx context.Context, digest string) (*BlobMeta, io.ReadCloser, error) {
	meta, err := b.store.GetBlobMeta(ctx, digest)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("%w: blob %s", ErrNotFound, digest)
	}
	if err != nil {
		return nil, nil, err
	}
	file, err := os.Open(b.layout.BlobPath(digest))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("%w: blob %s", ErrNotFound, digest)
		}
		return nil, nil, err
	}
	return meta, file, nil
}

// Stat returns blob metadata without opening the payload.
func (b *BlobStore) Stat(ctx context.Context, digest string) (*BlobMeta, error) {
	meta, err := b.store.GetBlobMeta(ctx, digest)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: blob %s", ErrNotFound, digest)
	}
	return meta, err
}

// Exists reports whether the digest resolves to a stored payload.
func (b *BlobStore) Exists(ctx context.Context, digest string) bool {
	if _, err := b.store.GetBlobMeta(ctx, digest); err != nil {
		return false
	}
	_, err := os.Stat(b.layout.BlobPath(digest))
	return err == nil
}

// Delete removes payload and metadata; housekeeping only.
func (b *BlobStore) Delete(ctx context.Context, digest string) error {
	if err := os.Remove(b.layout.BlobPath(digest)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return b.store.DeleteBlobMeta(ctx, digest)
}

// InRange lists blob metadata with seqno inside [lo, hi].
func (b *BlobStore) InRange(ctx context.Context, lo, hi int64) ([]BlobMeta, error) {
	return b.store.BlobsInRange(ctx, lo, hi)
}

// PostFile stores a named distribution file under files/<dir>/<name>.
func (b *BlobStore) PostFile(ctx context.Context, dir, name string, r io.Reader, contentType string, seqno int64) (*FileMeta, error) {
	if dir == "" || name == "" {
		return nil, fmt.Errorf("%w: file dir and name required", ErrInvalid)
	}
	target := b.layout.FilePath(dir, name)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".post-")
	if err != nil {
		return nil, err
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()
	size, err := io.Copy(tmp, r)
	if err != nil {
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		return nil, err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return nil, err
	}
	meta := FileMeta{
		Dir:           dir,
		Path:          name,
		ContentType:   contentType,
		ContentLength: size,
		Seqno:         seqno,
	}
	if meta.ContentType == "" {
		meta.ContentType = "application/octet-stream"
	}
	if err := b.store.PutFileMeta(ctx, meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// GetFile returns a named file's metadata and payload stream.
func (b *BlobStore) GetFile(ctx context.Context, dir, name string) (*FileMeta, io.ReadCloser, error) {
	meta, err := b.store.GetFileMeta(ctx, dir, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("%w: file %s/%s", ErrNotFound, dir, name)
	}
	if err != nil {
		return nil, nil, err
	}
	file, err := os.Open(b.layout.FilePath(dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, fmt.Errorf("%w: file %s/%s", ErrNotFound, dir, name)
		}
		return nil, nil, err
	}
	return meta, file, nil
}

// FilesInRange lists named files of one directory with seqno inside [lo, hi].
func (b *BlobStore) FilesInRange(ctx context.Context, dir string, lo, hi int64) ([]FileMeta, error) {
	return b.store.FilesInRange(ctx, dir, lo, hi)
}

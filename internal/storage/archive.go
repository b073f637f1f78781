// Package storage keeps copies of persisted markup in a blob store.
package storage

import (
	"context"
	"fmt"
	"path"
	"strings"
)

// BlobStore writes one object and returns its URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Hasher digests a target URL into an object name.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Archive writes markup under <prefix>/<stage>/<hash(target)>.html.
type Archive struct {
	blobs       BlobStore
	hasher      Hasher
	prefix      string
	contentType string
}

// NewArchive builds an Archive over blobs.
func NewArchive(blobs BlobStore, hasher Hasher, prefix, contentType string) (*Archive, error) {
	if blobs == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if hasher == nil {
		return nil, fmt.Errorf("hasher is required")
	}
	if contentType == "" {
		contentType = "text/html; charset=utf-8"
	}
	return &Archive{
		blobs:       blobs,
		hasher:      hasher,
		prefix:      strings.Trim(prefix, "/"),
		contentType: contentType,
	}, nil
}

// Key returns the object name used for target within stage.
func (a *Archive) Key(stage, target string) (string, error) {
	digest, err := a.hasher.Hash([]byte(target))
	if err != nil {
		return "", fmt.Errorf("hash target: %w", err)
	}
	return path.Join(a.prefix, stage, digest+".html"), nil
}

// Archive stores markup fetched from target by stage.
func (a *Archive) Archive(ctx context.Context, stage, target, markup string) error {
	key, err := a.Key(stage, target)
	if err != nil {
		return err
	}
	if _, err := a.blobs.PutObject(ctx, key, a.contentType, []byte(markup)); err != nil {
		return fmt.Errorf("archive %s: %w", target, err)
	}
	return nil
}

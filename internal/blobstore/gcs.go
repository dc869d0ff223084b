// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"

	"cloud.google.com/go/storage"
)

// GCS is a Store backed by Google Cloud Storage, adapted from the
// teacher's internal/gcscache.
type GCS struct {
	bucket *storage.BucketHandle
	prefix string
}

// NewGCS constructs a GCS store for the given bucket, with keys optionally
// namespaced under prefix.
func NewGCS(ctx context.Context, bucket, prefix string) (*GCS, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, err
	}
	return &GCS{bucket: client.Bucket(bucket), prefix: prefix}, nil
}

func (g *GCS) objectKey(key string) string {
	if g.prefix == "" {
		return key
	}
	return g.prefix + "/" + key
}

func (g *GCS) Exists(key string) bool {
	_, err := g.bucket.Object(g.objectKey(key)).Attrs(context.Background())
	return err == nil
}

func (g *GCS) ReadAll(key string) ([]byte, error) {
	rc, err := g.OpenReadStream(key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

func (g *GCS) OpenReadStream(key string) (io.ReadCloser, error) {
	r, err := g.bucket.Object(g.objectKey(key)).NewReader(context.Background())
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrNotExist
		}
		return nil, err
	}
	return r, nil
}

func (g *GCS) Write(key string, data []byte) error {
	w := g.bucket.Object(g.objectKey(key)).NewWriter(context.Background())
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func (g *GCS) Remove(key string) error {
	err := g.bucket.Object(g.objectKey(key)).Delete(context.Background())
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil
	}
	return err
}

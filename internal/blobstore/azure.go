// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

package blobstore

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"io"

	"github.com/PaulARoy/azurestoragecache"
)

// Azure is a Store backed by Azure Blob Storage, adapted from the
// teacher's azurestoragecache-backed cache flag in cmd/imageproxy/main.go.
// Unlike the teacher, which only ever uses Azure as a byte-cache, here it
// is a first-class Store: Exists is synthesized from Get since the
// underlying client exposes no native existence check.
type Azure struct {
	c *azurestoragecache.Cache
}

// NewAzure constructs an Azure store for the given storage account and
// container name.
func NewAzure(accountName, accountKey, container string) (*Azure, error) {
	c, err := azurestoragecache.New(accountName, accountKey, container)
	if err != nil {
		return nil, err
	}
	return &Azure{c: c}, nil
}

func (a *Azure) Exists(key string) bool {
	_, ok := a.c.Get(key)
	return ok
}

func (a *Azure) ReadAll(key string) ([]byte, error) {
	b, ok := a.c.Get(key)
	if !ok {
		return nil, ErrNotExist
	}
	return b, nil
}

func (a *Azure) OpenReadStream(key string) (io.ReadCloser, error) {
	b, err := a.ReadAll(key)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (a *Azure) Write(key string, data []byte) error {
	a.c.Set(key, data)
	return nil
}

func (a *Azure) Remove(key string) error {
	a.c.Delete(key)
	return nil
}

// keyDigest is retained for parity with the other *cache adapters that
// hash keys before storing; Azure's own client already does this
// internally, so it is unused here but documents the equivalence.
func keyDigest(key string) string {
	h := md5.New()
	h.Write([]byte(key))
	return hex.EncodeToString(h.Sum(nil))
}

// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

package blobstore

import (
	"io"
	"os"

	"github.com/peterbourgon/diskv"
)

// FS is a filesystem-backed Store, using the same diskv sharding scheme
// the teacher uses for its on-disk HTTP cache: a key "c0ffee" is stored as
// "c0/ff/c0ffee" under the base path, to keep any one directory from
// accumulating too many entries.
type FS struct {
	d *diskv.Diskv
}

// NewFS constructs an FS store rooted at basePath.
func NewFS(basePath string) *FS {
	d := diskv.New(diskv.Options{
		BasePath: basePath,
		Transform: func(s string) []string {
			if len(s) < 4 {
				return []string{}
			}
			return []string{s[0:2], s[2:4]}
		},
		CacheSizeMax: 0,
	})
	return &FS{d: d}
}

func (f *FS) Exists(key string) bool {
	_, err := f.d.Read(key)
	return err == nil
}

func (f *FS) ReadAll(key string) ([]byte, error) {
	return f.d.Read(key)
}

func (f *FS) OpenReadStream(key string) (io.ReadCloser, error) {
	return f.d.ReadStream(key, false)
}

func (f *FS) Write(key string, data []byte) error {
	return f.d.Write(key, data)
}

func (f *FS) Remove(key string) error {
	err := f.d.Erase(key)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

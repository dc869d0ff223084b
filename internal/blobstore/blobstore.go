// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

// Package blobstore implements the two-layer blob store abstraction
// described in spec.md §4.2: a single exists/read/write/remove contract
// backed by an interchangeable set of storage engines.
package blobstore

import (
	"io"
)

// Store is the contract shared by every storage engine. Implementations
// must be safe for concurrent use; concurrent writers for the same key are
// permitted and last-writer-wins (spec.md §4.2).
type Store interface {
	// Exists reports whether key is present. Transport errors are treated
	// as "not present" by callers, after logging.
	Exists(key string) bool

	// ReadAll returns the full contents stored under key.
	ReadAll(key string) ([]byte, error)

	// OpenReadStream returns a stream of the contents stored under key.
	// Callers must Close the returned ReadCloser.
	OpenReadStream(key string) (io.ReadCloser, error)

	// Write stores data under key. Write errors are non-fatal to the
	// caller: the core logs and continues serving (spec.md §4.2).
	Write(key string, data []byte) error

	// Remove deletes key. It is not an error to remove a key that does
	// not exist.
	Remove(key string) error
}

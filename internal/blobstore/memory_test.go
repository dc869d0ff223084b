// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

package blobstore

import (
	"io"
	"testing"
)

func TestMemoryStore(t *testing.T) {
	m := NewMemory()

	if m.Exists("foo") {
		t.Fatalf("Exists(foo) = true before write")
	}

	if err := m.Write("foo", []byte("bar")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if !m.Exists("foo") {
		t.Fatalf("Exists(foo) = false after write")
	}

	b, err := m.ReadAll("foo")
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(b) != "bar" {
		t.Fatalf("ReadAll = %q, want %q", b, "bar")
	}

	rc, err := m.OpenReadStream("foo")
	if err != nil {
		t.Fatalf("OpenReadStream: %v", err)
	}
	defer rc.Close()
	streamed, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("reading stream: %v", err)
	}
	if string(streamed) != "bar" {
		t.Fatalf("stream content = %q, want %q", streamed, "bar")
	}

	if err := m.Remove("foo"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if m.Exists("foo") {
		t.Fatalf("Exists(foo) = true after remove")
	}
}

func TestMemoryStoreWriteIsolatesCallerSlice(t *testing.T) {
	m := NewMemory()
	data := []byte("original")
	m.Write("k", data)
	data[0] = 'X'

	b, _ := m.ReadAll("k")
	if string(b) != "original" {
		t.Fatalf("Write did not copy caller's slice: got %q", b)
	}
}

func TestParseConfig(t *testing.T) {
	tests := []struct {
		in       string
		wantType string
	}{
		{"", "memory"},
		{"memory", "memory"},
		{"file:///var/cache/imagehoster", "fs"},
		{"s3://us-east-1/my-bucket/prefix", "s3"},
		{"gcs://my-bucket/prefix", "gcs"},
	}
	for _, tt := range tests {
		cfg, err := ParseConfig(tt.in)
		if err != nil {
			t.Errorf("ParseConfig(%q) error: %v", tt.in, err)
			continue
		}
		if cfg.Type != tt.wantType {
			t.Errorf("ParseConfig(%q).Type = %q, want %q", tt.in, cfg.Type, tt.wantType)
		}
	}
}

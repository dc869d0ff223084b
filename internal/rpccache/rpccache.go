// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

// Package rpccache wraps internal/rpc with a process-local, TTL-bounded
// cache for account and profile lookups, per SPEC_FULL.md §5's shared
// mutable state note: accounts and profiles change slowly relative to
// upload/avatar traffic, so a short TTL cache avoids hammering the RPC
// node list on every request.
package rpccache

import (
	"context"
	"encoding/json"

	"github.com/die-net/lrucache"

	"github.com/ecency/imagehoster/internal/rpc"
)

// DefaultTTL is the cache entry lifetime, per SPEC_FULL.md §5.
const DefaultTTL = 30

// DefaultMaxSize bounds the cache's total byte size; account/profile
// payloads are small JSON blobs, so this comfortably holds thousands of
// entries.
const DefaultMaxSize = 8 << 20

// Client wraps an *rpc.Client with a TTL cache keyed by account name.
type Client struct {
	inner    *rpc.Client
	accounts *lrucache.LruCache
	profiles *lrucache.LruCache
}

// New constructs a Client. If ttlSeconds is zero, DefaultTTL is used.
func New(inner *rpc.Client, ttlSeconds int64) *Client {
	if ttlSeconds == 0 {
		ttlSeconds = DefaultTTL
	}
	return &Client{
		inner:    inner,
		accounts: lrucache.New(DefaultMaxSize, ttlSeconds),
		profiles: lrucache.New(DefaultMaxSize, ttlSeconds),
	}
}

// GetAccount returns name's authorities, serving from cache when fresh.
func (c *Client) GetAccount(ctx context.Context, name string) (*rpc.Account, error) {
	if b, ok := c.accounts.Get(name); ok {
		var acc rpc.Account
		if err := json.Unmarshal(b, &acc); err == nil {
			return &acc, nil
		}
	}

	acc, err := c.inner.GetAccount(ctx, name)
	if err != nil {
		return nil, err
	}
	if b, err := json.Marshal(acc); err == nil {
		c.accounts.Set(name, b)
	}
	return acc, nil
}

// GetAccountProfile returns name's profile, serving from cache when fresh.
func (c *Client) GetAccountProfile(ctx context.Context, name string) (*rpc.Profile, error) {
	if b, ok := c.profiles.Get(name); ok {
		var p rpc.Profile
		if err := json.Unmarshal(b, &p); err == nil {
			return &p, nil
		}
	}

	p, err := c.inner.GetAccountProfile(ctx, name)
	if err != nil {
		return nil, err
	}
	if b, err := json.Marshal(p); err == nil {
		c.profiles.Set(name, b)
	}
	return p, nil
}

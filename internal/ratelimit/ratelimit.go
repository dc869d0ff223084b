// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit implements the per-account upload window limiter of
// spec.md §4.7: a Redis INCR/EXPIRE window counter, adapted from the
// teacher's redis cache wiring in cmd/imageproxy/main.go. When Redis is
// unavailable the limiter is bypassed rather than failing the request —
// the signature check remains the primary admission defense.
package ratelimit

import (
	"time"

	"github.com/golang/glog"
	"github.com/gomodule/redigo/redis"

	"github.com/ecency/imagehoster/internal/metrics"
)

// Result is the outcome of a Check call.
type Result struct {
	Allowed   bool
	Remaining int
	Reset     time.Time
}

// Limiter checks an account's upload quota against a Redis-backed
// fixed-window counter: the window's expiry is set on its first INCR.
type Limiter struct {
	pool     *redis.Pool
	max      int
	duration time.Duration
}

// New constructs a Limiter against the given Redis pool, allowing up to
// max uploads per duration per account, per spec.md §4.7
// (upload_limits.max / upload_limits.duration).
func New(pool *redis.Pool, max int, duration time.Duration) *Limiter {
	return &Limiter{pool: pool, max: max, duration: duration}
}

// NewPool constructs a redigo connection pool against a redis:// URL,
// mirroring the teacher's parseCache "redis" case in cmd/imageproxy/main.go.
func NewPool(rawURL string) *redis.Pool {
	return &redis.Pool{
		MaxIdle:     5,
		IdleTimeout: 240 * time.Second,
		Dial: func() (redis.Conn, error) {
			return redis.DialURL(rawURL)
		},
	}
}

// Check increments account's window counter and reports whether the
// request is still within quota. If the KV store is unreachable, the
// check is bypassed: Allowed is true, and the failure is logged, per
// spec.md §4.7.
func (l *Limiter) Check(account string) Result {
	if l == nil || l.pool == nil {
		return Result{Allowed: true}
	}

	conn := l.pool.Get()
	defer conn.Close()

	key := "imagehoster:ratelimit:" + account

	count, err := redis.Int(conn.Do("INCR", key))
	if err != nil {
		metrics.IncRateLimitBypassed()
		glog.Warningf("ratelimit: KV unavailable, bypassing check for %s: %v", account, err)
		return Result{Allowed: true}
	}

	if count == 1 {
		if _, err := conn.Do("EXPIRE", key, int(l.duration.Seconds())); err != nil {
			glog.Warningf("ratelimit: failed to set expiry for %s: %v", account, err)
		}
	}

	ttl, err := redis.Int(conn.Do("TTL", key))
	if err != nil || ttl < 0 {
		ttl = int(l.duration.Seconds())
	}

	remaining := l.max - count
	if remaining < 0 {
		remaining = 0
	}

	allowed := count <= l.max
	if !allowed {
		metrics.IncRateLimitRejected()
	}

	return Result{
		Allowed:   allowed,
		Remaining: remaining,
		Reset:     time.Now().Add(time.Duration(ttl) * time.Second),
	}
}

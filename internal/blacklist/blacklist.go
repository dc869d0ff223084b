// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

// Package blacklist implements the synchronous image/account blacklist
// predicate described in spec.md §4.3: a static seed unioned with a
// periodically refreshed remote snapshot, refreshed best-effort and
// swapped atomically so readers never observe a torn set.
package blacklist

import (
	"encoding/json"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/golang/glog"

	"github.com/ecency/imagehoster/internal/metrics"
)

// maxFailCount is the number of consecutive refresh failures after which
// the refresher backs off for 3x the configured TTL, per spec.md §4.3.
const maxFailCount = 5

// File is the on-disk seed format and the shape of a remote blacklist
// document.
type File struct {
	Images   []string `json:"images"`
	Accounts []string `json:"accounts"`
}

type snapshot struct {
	images   map[string]struct{}
	accounts map[string]struct{}
}

func newSnapshot() *snapshot {
	return &snapshot{images: map[string]struct{}{}, accounts: map[string]struct{}{}}
}

func (s *snapshot) union(f File) *snapshot {
	out := newSnapshot()
	for k := range s.images {
		out.images[k] = struct{}{}
	}
	for k := range s.accounts {
		out.accounts[k] = struct{}{}
	}
	for _, v := range f.Images {
		out.images[v] = struct{}{}
	}
	for _, v := range f.Accounts {
		out.accounts[v] = struct{}{}
	}
	return out
}

// Blacklist is a synchronous membership predicate over images and
// accounts, backed by a static local seed unioned with a best-effort,
// periodically refreshed remote snapshot.
type Blacklist struct {
	snap atomic.Pointer[snapshot]
	seed File // immutable static seed, re-unioned with the remote set on every refresh

	client      *http.Client
	imagesURL   string
	accountsURL string
	ttl         time.Duration

	stop chan struct{}
}

// New constructs a Blacklist seeded from seed, and starts a background
// refresher against imagesURL/accountsURL (either may be empty to disable
// that half of the refresh) at the given ttl. Call Stop to halt the
// refresher.
func New(client *http.Client, seed File, imagesURL, accountsURL string, ttl time.Duration) *Blacklist {
	if client == nil {
		client = http.DefaultClient
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	b := &Blacklist{
		client:      client,
		seed:        seed,
		imagesURL:   imagesURL,
		accountsURL: accountsURL,
		ttl:         ttl,
		stop:        make(chan struct{}),
	}
	b.snap.Store(newSnapshot().union(seed))

	if imagesURL != "" || accountsURL != "" {
		go b.refreshLoop()
	}
	return b
}

// LoadSeedFile reads a seed blacklist document from a local file path.
// A missing file is treated as an empty seed, matching the teacher's
// tolerance for optional local config.
func LoadSeedFile(path string) (File, error) {
	if path == "" {
		return File{}, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return File{}, nil
		}
		return File{}, err
	}
	var f File
	if err := json.Unmarshal(b, &f); err != nil {
		return File{}, err
	}
	return f, nil
}

// IsImageBlacklisted reports whether url is currently blacklisted.
func (b *Blacklist) IsImageBlacklisted(url string) bool {
	_, ok := b.snap.Load().images[url]
	return ok
}

// IsAccountBlacklisted reports whether name is currently blacklisted.
func (b *Blacklist) IsAccountBlacklisted(name string) bool {
	_, ok := b.snap.Load().accounts[name]
	return ok
}

// Stop halts the background refresher.
func (b *Blacklist) Stop() {
	select {
	case <-b.stop:
	default:
		close(b.stop)
	}
}

// refreshLoop polls the remote blacklist sources at b.ttl, swapping the
// snapshot on success. Failures never block a request and never panic;
// after maxFailCount consecutive failures the loop backs off to 3x ttl
// before retrying, per spec.md §4.3.
func (b *Blacklist) refreshLoop() {
	fails := 0
	for {
		interval := b.ttl
		if fails >= maxFailCount {
			interval = 3 * b.ttl
		}

		select {
		case <-b.stop:
			return
		case <-time.After(interval):
		}

		remote, err := b.fetchRemote()
		if err != nil {
			fails++
			metrics.IncBlacklistRefreshFailure()
			glog.Warningf("blacklist: refresh failed (%d consecutive): %v", fails, err)
			continue
		}
		fails = 0

		// recompute from the immutable static seed plus the freshly
		// fetched remote set, so entries dropped upstream are dropped
		// here too rather than accumulating forever.
		b.snap.Store(newSnapshot().union(b.seed).union(remote))
	}
}

func (b *Blacklist) fetchRemote() (File, error) {
	var out File

	if b.imagesURL != "" {
		var images []string
		if err := b.fetchJSON(b.imagesURL, &images); err != nil {
			return File{}, err
		}
		out.Images = images
	}
	if b.accountsURL != "" {
		var accounts []string
		if err := b.fetchJSON(b.accountsURL, &accounts); err != nil {
			return File{}, err
		}
		out.Accounts = accounts
	}
	return out, nil
}

func (b *Blacklist) fetchJSON(url string, dst interface{}) error {
	resp, err := b.client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &httpStatusError{url: url, status: resp.StatusCode}
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

type httpStatusError struct {
	url    string
	status int
}

func (e *httpStatusError) Error() string {
	return "blacklist: unexpected status fetching " + e.url
}

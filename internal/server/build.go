// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ecency/imagehoster/internal/blacklist"
	"github.com/ecency/imagehoster/internal/blobstore"
	"github.com/ecency/imagehoster/internal/cdn"
	"github.com/ecency/imagehoster/internal/codec"
	"github.com/ecency/imagehoster/internal/config"
	"github.com/ecency/imagehoster/internal/fetcher"
	"github.com/ecency/imagehoster/internal/ratelimit"
	"github.com/ecency/imagehoster/internal/rpc"
	"github.com/ecency/imagehoster/internal/rpccache"
	"github.com/ecency/imagehoster/internal/signature"
	"github.com/ecency/imagehoster/internal/transformcache"
)

// Build wires every component a Proxy depends on from a resolved
// config.Config: both blob stores, the fetcher, the transform cache, the
// RPC account cache, the blacklist, an optional Redis-backed rate
// limiter, and an optional Cloudflare purger. It is shared by
// cmd/imagehoster and caddyhandler so the two embeddings cannot drift.
func Build(cfg config.Config) (*Proxy, error) {
	uploadCfg, err := blobstore.ParseConfig(cfg.UploadStore)
	if err != nil {
		return nil, fmt.Errorf("upload_store: %w", err)
	}
	uploadStore, err := blobstore.New(context.Background(), uploadCfg)
	if err != nil {
		return nil, fmt.Errorf("upload_store: %w", err)
	}

	proxyCfg, err := blobstore.ParseConfig(cfg.ProxyStore)
	if err != nil {
		return nil, fmt.Errorf("proxy_store: %w", err)
	}
	proxyStore, err := blobstore.New(context.Background(), proxyCfg)
	if err != nil {
		return nil, fmt.Errorf("proxy_store: %w", err)
	}

	fetch, err := fetcher.New(nil, cfg.DefaultAvatar, "imagehoster/1.0")
	if err != nil {
		return nil, fmt.Errorf("fetcher: %w", err)
	}

	var purger cdn.Purger = cdn.Nop{}
	if cfg.Cloudflare.Token != "" && cfg.Cloudflare.Zone != "" {
		purger = cdn.NewCloudflare(nil, cfg.Cloudflare.Token, cfg.Cloudflare.Zone)
	}

	transform := transformcache.New(proxyStore, uploadStore, fetch, cfg.MaxImageSize, purger)
	transform.Limits = codec.Limits{
		MaxW:  cfg.MaxImageWidth,
		MaxH:  cfg.MaxImageHeight,
		MaxCW: cfg.MaxCustomImageWidth,
		MaxCH: cfg.MaxCustomImageHeight,
	}

	rpcClient := rpc.New(nil, cfg.RPCNodes)
	accounts := rpccache.New(rpcClient, 0)

	seed, err := blacklist.LoadSeedFile(cfg.BlacklistSeedFile)
	if err != nil {
		return nil, fmt.Errorf("blacklist seed file: %w", err)
	}
	bl := blacklist.New(nil, seed, cfg.Blacklist.ImagesURL, cfg.Blacklist.AccountsURL,
		time.Duration(cfg.Blacklist.CacheTTLMS)*time.Millisecond)

	var limiter *ratelimit.Limiter
	if cfg.RedisURL != "" && cfg.UploadLimits.Max > 0 {
		pool := ratelimit.NewPool(cfg.RedisURL)
		limiter = ratelimit.New(pool, cfg.UploadLimits.Max,
			time.Duration(cfg.UploadLimits.DurationMS)*time.Millisecond)
	}

	var sigCfg signature.Config
	sigCfg.AppAccount = cfg.UploadLimits.AppAccount
	if cfg.UploadLimits.AppPostingWIF != "" {
		wif, err := readSecret(cfg.UploadLimits.AppPostingWIF)
		if err != nil {
			return nil, fmt.Errorf("upload_limits.app_posting_wif: %w", err)
		}
		pub, err := signature.PublicKeyFromWIF(wif)
		if err != nil {
			return nil, fmt.Errorf("upload_limits.app_posting_wif: %w", err)
		}
		sigCfg.BroadcasterPublicKey = pub
	}

	return New(Proxy{
		ServiceURL: cfg.ServiceURL,

		UploadStore: uploadStore,
		Transform:   transform,

		Accounts:  accounts,
		Blacklist: bl,
		RateLimit: limiter,
		SigConfig: sigCfg,

		DefaultAvatar: cfg.DefaultAvatar,
		DefaultCover:  cfg.DefaultCover,

		MaxImageSize:  cfg.MaxImageSize,
		MinReputation: cfg.UploadLimits.Reputation,
	}), nil
}

// readSecret resolves a secret flag value that is either the secret
// itself or, prefixed with "@", a path to a file containing it,
// matching imageproxy-sign's signingKey convention.
func readSecret(s string) (string, error) {
	if len(s) > 0 && s[0] == '@' {
		b, err := os.ReadFile(s[1:])
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}
	return s, nil
}

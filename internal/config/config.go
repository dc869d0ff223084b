// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

// Package config loads the flag-based configuration surface described in
// spec.md §6, overlaid with environment variables the way the teacher's
// cmd/imageproxy/main.go does via third_party/envy.
package config

import (
	"flag"
	"fmt"
	"strings"

	"github.com/ecency/imagehoster/third_party/envy"
)

// EnvPrefix is the prefix envy uses to build environment variable names,
// e.g. -service_url becomes IMAGEHOSTER_SERVICE_URL.
const EnvPrefix = "IMAGEHOSTER"

// UploadLimits is the rate-limit and reputation gate configuration of
// spec.md §4.7/§6.
type UploadLimits struct {
	DurationMS    int64
	Max           int
	Reputation    float64
	AppAccount    string
	AppPostingWIF string
}

// Blacklist is the remote blacklist refresh configuration of spec.md §4.3.
type Blacklist struct {
	CacheTTLMS  int64
	ImagesURL   string
	AccountsURL string
}

// Cloudflare is the optional CDN purge configuration of spec.md §6.
type Cloudflare struct {
	Token string
	Zone  string
}

// Config is the fully resolved configuration surface of spec.md §6.
type Config struct {
	Port         int
	NumWorkers   int
	ServiceURL   string
	RPCNodes     []string
	MaxImageSize int64

	MaxImageWidth        int
	MaxImageHeight       int
	MaxCustomImageWidth  int
	MaxCustomImageHeight int

	DefaultAvatar string
	DefaultCover  string

	UploadLimits UploadLimits
	Blacklist    Blacklist
	Cloudflare   Cloudflare

	// RedisURL backs the upload rate limiter's window counter, e.g.
	// "redis://localhost:6379". Empty disables rate limiting.
	RedisURL string

	// UploadStore/ProxyStore are store configuration URLs, parsed by
	// blobstore.ParseConfig (e.g. "file:///var/imagehoster/uploads",
	// "s3://us-east-1/bucket/prefix", "memory").
	UploadStore string
	ProxyStore  string

	BlacklistSeedFile string
}

// flags holds the *flag.Value pointers registered by Register, so Load can
// read them back into a Config after flag.Parse.
type flags struct {
	port         *int
	numWorkers   *int
	serviceURL   *string
	rpcNodes     *string
	maxImageSize *int64

	maxImageWidth        *int
	maxImageHeight       *int
	maxCustomImageWidth  *int
	maxCustomImageHeight *int

	defaultAvatar *string
	defaultCover  *string

	uploadDurationMS *int64
	uploadMax        *int
	uploadReputation *float64
	appAccount       *string
	appPostingWIF    *string

	blacklistCacheTTLMS *int64
	blacklistImagesURL  *string
	blacklistAccounts   *string
	blacklistSeedFile   *string

	cloudflareToken *string
	cloudflareZone  *string

	uploadStore *string
	proxyStore  *string

	redisURL *string
}

// Register declares every configuration flag on fs, defaulting to the
// values in spec.md §6. Call Load(fs, f) after fs.Parse to read them back.
func Register(fs *flag.FlagSet) *flags {
	return &flags{
		port:       fs.Int("port", 8800, "TCP port to listen on"),
		numWorkers: fs.Int("num_workers", 0, "number of workers (stored in Config.NumWorkers; the server does not read it)"),
		serviceURL: fs.String("service_url", "", "public base URL this service is served from"),
		rpcNodes:   fs.String("rpc_node", "", "comma separated list of blockchain RPC node URLs, in preference order"),

		maxImageSize: fs.Int64("max_image_size", 30_000_000, "maximum accepted upload size in bytes"),

		maxImageWidth:        fs.Int("proxy_store.max_image_width", 1280, "default resize width ceiling"),
		maxImageHeight:       fs.Int("proxy_store.max_image_height", 1280, "default resize height ceiling"),
		maxCustomImageWidth:  fs.Int("proxy_store.max_custom_image_width", 8000, "explicit-width resize ceiling"),
		maxCustomImageHeight: fs.Int("proxy_store.max_custom_image_height", 8000, "explicit-height resize ceiling"),

		defaultAvatar: fs.String("default_avatar", "", "fallback image URL served for /u/:username/avatar"),
		defaultCover:  fs.String("default_cover", "", "fallback image URL served for /u/:username/cover"),

		uploadDurationMS: fs.Int64("upload_limits.duration", 0, "upload rate limit window in milliseconds"),
		uploadMax:        fs.Int("upload_limits.max", 0, "uploads allowed per account per window"),
		uploadReputation: fs.Float64("upload_limits.reputation", 10, "minimum Hive reputation required to upload"),
		appAccount:       fs.String("upload_limits.app_account", "", "HiveSigner broadcaster app account name"),
		appPostingWIF:    fs.String("upload_limits.app_posting_wif", "", "HiveSigner broadcaster posting key (WIF), @file to read from a file"),

		blacklistCacheTTLMS: fs.Int64("blacklist.cache_ttl", 300_000, "blacklist remote refresh interval in milliseconds"),
		blacklistImagesURL:  fs.String("blacklist.images_url", "", "remote blacklisted-image-URL list endpoint"),
		blacklistAccounts:   fs.String("blacklist.accounts_url", "", "remote blacklisted-account list endpoint"),
		blacklistSeedFile:   fs.String("blacklist.seed_file", "", "local seed blacklist JSON file"),

		cloudflareToken: fs.String("cloudflare_token", "", "Cloudflare API token used to purge the CDN cache"),
		cloudflareZone:  fs.String("cloudflare_zone", "", "Cloudflare zone ID to purge"),

		uploadStore: fs.String("upload_store.type", "memory", "upload store backend URL (fs|s3|minio|gcs|azure|memory)"),
		proxyStore:  fs.String("proxy_store.type", "memory", "proxy store backend URL (fs|s3|minio|gcs|azure|memory)"),

		redisURL: fs.String("redis_url", "", "redis:// URL backing the upload rate limiter; empty disables rate limiting"),
	}
}

// Load overlays environment variables onto fs (per EnvPrefix) and resolves
// the registered flags into a Config. Call after fs.Parse(os.Args[1:]).
func Load(fs *flag.FlagSet, f *flags) (Config, error) {
	envy.ParseSet(EnvPrefix, fs)

	var rpcNodes []string
	if *f.rpcNodes != "" {
		for _, n := range strings.Split(*f.rpcNodes, ",") {
			n = strings.TrimSpace(n)
			if n != "" {
				rpcNodes = append(rpcNodes, n)
			}
		}
	}

	cfg := Config{
		Port:         *f.port,
		NumWorkers:   *f.numWorkers,
		ServiceURL:   strings.TrimSuffix(*f.serviceURL, "/"),
		RPCNodes:     rpcNodes,
		MaxImageSize: *f.maxImageSize,

		MaxImageWidth:        *f.maxImageWidth,
		MaxImageHeight:       *f.maxImageHeight,
		MaxCustomImageWidth:  *f.maxCustomImageWidth,
		MaxCustomImageHeight: *f.maxCustomImageHeight,

		DefaultAvatar: *f.defaultAvatar,
		DefaultCover:  *f.defaultCover,

		UploadLimits: UploadLimits{
			DurationMS:    *f.uploadDurationMS,
			Max:           *f.uploadMax,
			Reputation:    *f.uploadReputation,
			AppAccount:    *f.appAccount,
			AppPostingWIF: *f.appPostingWIF,
		},
		Blacklist: Blacklist{
			CacheTTLMS:  *f.blacklistCacheTTLMS,
			ImagesURL:   *f.blacklistImagesURL,
			AccountsURL: *f.blacklistAccounts,
		},
		Cloudflare: Cloudflare{
			Token: *f.cloudflareToken,
			Zone:  *f.cloudflareZone,
		},

		UploadStore: *f.uploadStore,
		ProxyStore:  *f.proxyStore,

		RedisURL: *f.redisURL,

		BlacklistSeedFile: *f.blacklistSeedFile,
	}

	if len(cfg.RPCNodes) == 0 {
		return Config{}, fmt.Errorf("config: at least one rpc_node is required")
	}
	if cfg.ServiceURL == "" {
		return Config{}, fmt.Errorf("config: service_url is required")
	}

	return cfg, nil
}

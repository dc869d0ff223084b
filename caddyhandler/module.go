// Package caddyhandler provides imagehoster's HTTP surface as a Caddy v2
// module, so it can be deployed as one handler directive in an existing
// Caddy-fronted stack instead of its own standalone process.
package caddyhandler

import (
	"strconv"
	"strings"

	caddy "github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/caddyconfig/httpcaddyfile"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"go.uber.org/zap"

	"net/http"

	"github.com/ecency/imagehoster/internal/config"
	"github.com/ecency/imagehoster/internal/server"
)

func init() {
	caddy.RegisterModule(ImageHoster{})
	httpcaddyfile.RegisterHandlerDirective("imagehoster", parseCaddyfile)
}

// ImageHoster is the Caddyfile/JSON-configurable shape of an
// imagehoster deployment, mirroring a subset of internal/config.Config's
// fields one level up. The blacklist URLs and refresh interval and the
// proxy-store width/height limits have no field here.
type ImageHoster struct {
	ServiceURL string   `json:"service_url,omitempty"`
	RPCNodes   []string `json:"rpc_nodes,omitempty"`

	MaxImageSize int64 `json:"max_image_size,omitempty"`

	DefaultAvatar string `json:"default_avatar,omitempty"`
	DefaultCover  string `json:"default_cover,omitempty"`

	UploadStore string `json:"upload_store,omitempty"`
	ProxyStore  string `json:"proxy_store,omitempty"`

	UploadReputation  float64 `json:"upload_reputation,omitempty"`
	UploadMax         int     `json:"upload_max,omitempty"`
	UploadDurationMS  int64   `json:"upload_duration_ms,omitempty"`
	AppAccount        string  `json:"app_account,omitempty"`
	AppPostingWIF     string  `json:"app_posting_wif,omitempty"`
	BlacklistSeedFile string  `json:"blacklist_seed_file,omitempty"`
	RedisURL          string  `json:"redis_url,omitempty"`
	CloudflareToken   string  `json:"cloudflare_token,omitempty"`
	CloudflareZone    string  `json:"cloudflare_zone,omitempty"`

	logger *zap.Logger
	proxy  *server.Proxy
}

var _ caddyhttp.MiddlewareHandler = (*ImageHoster)(nil)

// CaddyModule returns the Caddy module information.
func (ImageHoster) CaddyModule() caddy.ModuleInfo {
	return caddy.ModuleInfo{
		ID:  "http.handlers.imagehoster",
		New: func() caddy.Module { return new(ImageHoster) },
	}
}

// Provision builds the underlying server.Proxy from the module's
// configured fields via the same server.Build path cmd/imagehoster
// uses, so the two embeddings cannot drift.
func (m *ImageHoster) Provision(ctx caddy.Context) error {
	m.logger = ctx.Logger()

	cfg := config.Config{
		Port:          0, // unused: caddy owns the listener
		ServiceURL:    strings.TrimSuffix(m.ServiceURL, "/"),
		RPCNodes:      m.RPCNodes,
		MaxImageSize:  m.MaxImageSize,
		DefaultAvatar: m.DefaultAvatar,
		DefaultCover:  m.DefaultCover,
		UploadStore:   m.UploadStore,
		ProxyStore:    m.ProxyStore,
		UploadLimits: config.UploadLimits{
			DurationMS:    m.UploadDurationMS,
			Max:           m.UploadMax,
			Reputation:    m.UploadReputation,
			AppAccount:    m.AppAccount,
			AppPostingWIF: m.AppPostingWIF,
		},
		Cloudflare: config.Cloudflare{
			Token: m.CloudflareToken,
			Zone:  m.CloudflareZone,
		},
		RedisURL:          m.RedisURL,
		BlacklistSeedFile: m.BlacklistSeedFile,
	}
	if cfg.MaxImageSize == 0 {
		cfg.MaxImageSize = 30_000_000
	}
	if cfg.UploadLimits.Reputation == 0 {
		cfg.UploadLimits.Reputation = 10
	}

	px, err := server.Build(cfg)
	if err != nil {
		return err
	}
	m.proxy = px
	return nil
}

// ServeHTTP implements caddyhttp.MiddlewareHandler.
func (m *ImageHoster) ServeHTTP(w http.ResponseWriter, r *http.Request, _ caddyhttp.Handler) error {
	m.proxy.ServeHTTP(w, r)
	return nil
}

// parseCaddyfile sets up ImageHoster from Caddyfile tokens, following
// the teacher's caddy/module.go directive-parsing shape.
func parseCaddyfile(h httpcaddyfile.Helper) (caddyhttp.MiddlewareHandler, error) {
	m := new(ImageHoster)

	h.Next() // consume the directive name
	for nesting := h.Nesting(); h.NextBlock(nesting); {
		switch h.Val() {
		case "service_url":
			if !h.NextArg() {
				return nil, h.ArgErr()
			}
			m.ServiceURL = h.Val()
		case "rpc_nodes":
			if !h.NextArg() {
				return nil, h.ArgErr()
			}
			m.RPCNodes = append(m.RPCNodes, strings.Split(h.Val(), ",")...)
		case "default_avatar":
			if !h.NextArg() {
				return nil, h.ArgErr()
			}
			m.DefaultAvatar = h.Val()
		case "default_cover":
			if !h.NextArg() {
				return nil, h.ArgErr()
			}
			m.DefaultCover = h.Val()
		case "upload_store":
			if !h.NextArg() {
				return nil, h.ArgErr()
			}
			m.UploadStore = h.Val()
		case "proxy_store":
			if !h.NextArg() {
				return nil, h.ArgErr()
			}
			m.ProxyStore = h.Val()
		case "max_image_size":
			if !h.NextArg() {
				return nil, h.ArgErr()
			}
			n, err := strconv.ParseInt(h.Val(), 10, 64)
			if err != nil {
				return nil, h.Err(err.Error())
			}
			m.MaxImageSize = n
		case "upload_reputation":
			if !h.NextArg() {
				return nil, h.ArgErr()
			}
			f, err := strconv.ParseFloat(h.Val(), 64)
			if err != nil {
				return nil, h.Err(err.Error())
			}
			m.UploadReputation = f
		case "app_account":
			if !h.NextArg() {
				return nil, h.ArgErr()
			}
			m.AppAccount = h.Val()
		case "app_posting_wif":
			if !h.NextArg() {
				return nil, h.ArgErr()
			}
			m.AppPostingWIF = h.Val()
		case "blacklist_seed_file":
			if !h.NextArg() {
				return nil, h.ArgErr()
			}
			m.BlacklistSeedFile = h.Val()
		case "redis_url":
			if !h.NextArg() {
				return nil, h.ArgErr()
			}
			m.RedisURL = h.Val()
		case "cloudflare_token":
			if !h.NextArg() {
				return nil, h.ArgErr()
			}
			m.CloudflareToken = h.Val()
		case "cloudflare_zone":
			if !h.NextArg() {
				return nil, h.ArgErr()
			}
			m.CloudflareZone = h.Val()
		}
	}
	return m, nil
}

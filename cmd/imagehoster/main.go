// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

// imagehoster starts an HTTP server that proxies, transforms, and hosts
// images for a Hive-based publishing platform, per SPEC_FULL.md.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ecency/imagehoster/internal/config"
	"github.com/ecency/imagehoster/internal/server"
)

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	f := config.Register(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		glog.Fatal(err)
	}

	cfg, err := config.Load(fs, f)
	if err != nil {
		glog.Fatal(err)
	}

	px, err := server.Build(cfg)
	if err != nil {
		glog.Fatal(err)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	s := &http.Server{
		Addr:    addr,
		Handler: metricsSplit(px),
	}

	glog.Infof("imagehoster listening on %s, service_url=%s", addr, cfg.ServiceURL)
	glog.Fatal(s.ListenAndServe())
}

// metricsSplit routes "/metrics" to the Prometheus handler and everything
// else to px, without an http.ServeMux: ServeMux's Handler runs cleanPath
// and 301-redirects when the cleaned path differs, which would collapse
// the "//" embedded in px's raw-URL /:WxH/:url route (see
// internal/server/server.go's package doc). px must always see the
// request path unmodified.
func metricsSplit(px http.Handler) http.Handler {
	metricsHandler := promhttp.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			metricsHandler.ServeHTTP(w, r)
			return
		}
		px.ServeHTTP(w, r)
	})
}

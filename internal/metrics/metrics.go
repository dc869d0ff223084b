// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

// Package metrics declares the prometheus counters and summaries
// exported by imagehoster.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestServedFromCacheCount = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "requests_served_from_proxy_store",
			Help: "Number of transform requests served from the proxy store without a fetch.",
		})
	imageTransformationSummary = prometheus.NewSummary(prometheus.SummaryOpts{
		Name: "image_transformation_seconds",
		Help: "Time taken for image transformations in seconds.",
	})
	httpRequestsResponseTime = prometheus.NewSummary(prometheus.SummaryOpts{
		Namespace: "http",
		Name:      "response_time_seconds",
		Help:      "Request response times.",
	})
	fetchFallbackCount = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fetch_fallback_total",
		Help: "Total upstream fetches that exhausted every mirror candidate and served the default image.",
	})
	fetchErrorCount = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fetch_errors_total",
		Help: "Total upstream fetches that failed every candidate including the default image.",
	})
	rateLimitRejectedCount = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rate_limit_rejected_total",
		Help: "Total uploads rejected for exceeding the per-account rate limit.",
	})
	rateLimitBypassedCount = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "rate_limit_bypassed_total",
		Help: "Total rate limit checks bypassed because the external KV store was unreachable.",
	})
	signatureModeCount = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "signature_verifications_total",
		Help: "Total signature verifications by mode and outcome.",
	}, []string{"mode", "outcome"})
	blacklistRefreshFailureCount = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "blacklist_refresh_failures_total",
		Help: "Total blacklist refresh attempts that failed and fell back to the prior snapshot.",
	})
)

func init() {
	prometheus.MustRegister(
		requestServedFromCacheCount,
		imageTransformationSummary,
		httpRequestsResponseTime,
		fetchFallbackCount,
		fetchErrorCount,
		rateLimitRejectedCount,
		rateLimitBypassedCount,
		signatureModeCount,
		blacklistRefreshFailureCount,
	)
}

// ObserveTransformSeconds records a completed transform's duration.
func ObserveTransformSeconds(seconds float64) {
	imageTransformationSummary.Observe(seconds)
}

// ObserveHTTPResponseSeconds records a completed HTTP request's duration.
func ObserveHTTPResponseSeconds(seconds float64) {
	httpRequestsResponseTime.Observe(seconds)
}

// IncProxyStoreHit records a transform served from the proxy store.
func IncProxyStoreHit() {
	requestServedFromCacheCount.Inc()
}

// IncFetchFallback records an upstream fetch that fell back to the
// default image.
func IncFetchFallback() {
	fetchFallbackCount.Inc()
}

// IncFetchError records an upstream fetch that failed outright.
func IncFetchError() {
	fetchErrorCount.Inc()
}

// IncRateLimitRejected records an upload rejected for exceeding quota.
func IncRateLimitRejected() {
	rateLimitRejectedCount.Inc()
}

// IncRateLimitBypassed records a rate limit check bypassed due to an
// unreachable KV store.
func IncRateLimitBypassed() {
	rateLimitBypassedCount.Inc()
}

// IncSignatureVerification records a signature verification attempt,
// mode being "direct" or "token" and outcome being "accepted" or
// "rejected".
func IncSignatureVerification(mode, outcome string) {
	signatureModeCount.WithLabelValues(mode, outcome).Inc()
}

// IncBlacklistRefreshFailure records a failed blacklist refresh attempt.
func IncBlacklistRefreshFailure() {
	blacklistRefreshFailureCount.Inc()
}

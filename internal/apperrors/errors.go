// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

// Package apperrors defines the error taxonomy used across imagehoster.
//
// Every error that should be visible to an HTTP client is constructed with
// New, which pairs a Kind with the HTTP status it maps to.  Handlers never
// invent status codes themselves; they translate whatever error they get
// back from a component using As/Is against this package.
package apperrors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// Kind identifies a class of error in the taxonomy. The Kind's name, once
// snake_cased, is the wire-visible error name.
type Kind string

const (
	BadRequest       Kind = "BadRequest"
	InvalidMethod    Kind = "InvalidMethod"
	InvalidParam     Kind = "InvalidParam"
	MissingParam     Kind = "MissingParam"
	InvalidSignature Kind = "InvalidSignature"
	InvalidProxyURL  Kind = "InvalidProxyUrl"
	InvalidImage     Kind = "InvalidImage"
	FileMissing      Kind = "FileMissing"
	LengthRequired   Kind = "LengthRequired"
	PayloadTooLarge  Kind = "PayloadTooLarge"
	NoSuchAccount    Kind = "NoSuchAccount"
	NotFound         Kind = "NotFound"
	Deplorable       Kind = "Deplorable"
	QoutaExceeded    Kind = "QoutaExceeded" // historical spelling, part of the wire contract
	Blacklisted      Kind = "Blacklisted"
	UpstreamError    Kind = "UpstreamError"
	InternalError    Kind = "InternalError"
)

// statusByKind maps each Kind to its HTTP status, per spec.md §7.
var statusByKind = map[Kind]int{
	BadRequest:       http.StatusBadRequest,
	InvalidMethod:    http.StatusMethodNotAllowed,
	InvalidParam:     http.StatusBadRequest,
	MissingParam:     http.StatusBadRequest,
	InvalidSignature: http.StatusBadRequest,
	InvalidProxyURL:  http.StatusBadRequest,
	InvalidImage:     http.StatusBadRequest,
	FileMissing:      http.StatusBadRequest,
	LengthRequired:   http.StatusLengthRequired,
	PayloadTooLarge:  http.StatusRequestEntityTooLarge,
	NoSuchAccount:    http.StatusNotFound,
	NotFound:         http.StatusNotFound,
	Deplorable:       http.StatusForbidden,
	QoutaExceeded:    http.StatusTooManyRequests,
	Blacklisted:      451, // http.StatusUnavailableForLegalReasons, spelled out for clarity
	UpstreamError:    http.StatusBadRequest,
	InternalError:    http.StatusInternalServerError,
}

// Error is a taxonomy error carrying an HTTP-visible Kind and optional
// structured Info.
type Error struct {
	Kind    Kind
	Info    map[string]interface{}
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Wrapped)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Wrapped }

// Status returns the HTTP status code for e's Kind.
func (e *Error) Status() int {
	if s, ok := statusByKind[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New constructs an *Error of the given kind, optionally wrapping err.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Wrapped: err}
}

// WithInfo attaches structured info to an error and returns it.
func WithInfo(kind Kind, err error, info map[string]interface{}) *Error {
	return &Error{Kind: kind, Wrapped: err, Info: info}
}

// body is the wire shape of an error response: {"error": {"name": ..., "info"?: ...}}.
type body struct {
	Error struct {
		Name string                 `json:"name"`
		Info map[string]interface{} `json:"info,omitempty"`
	} `json:"error"`
}

// WriteJSON writes err as a JSON error body to w, setting the status code
// derived from its Kind. Non-taxonomy errors are treated as InternalError.
func WriteJSON(w http.ResponseWriter, err error) {
	var e *Error
	if ae, ok := err.(*Error); ok {
		e = ae
	} else {
		e = New(InternalError, err)
	}

	var b body
	b.Error.Name = camelToSnake(string(e.Kind))
	b.Error.Info = e.Info

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status())
	_ = json.NewEncoder(w).Encode(b)
}

var snakeBoundary = regexp.MustCompile(`([a-z0-9])([A-Z])`)

// camelToSnake converts a CamelCase taxonomy Kind name into the
// snake_case form used on the wire, e.g. "NoSuchAccount" -> "no_such_account".
func camelToSnake(s string) string {
	s = snakeBoundary.ReplaceAllString(s, "${1}_${2}")
	return strings.ToLower(s)
}

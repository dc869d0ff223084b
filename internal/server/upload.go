// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/ecency/imagehoster/internal/apperrors"
	"github.com/ecency/imagehoster/internal/key"
	"github.com/ecency/imagehoster/internal/metrics"
	"github.com/ecency/imagehoster/internal/signature"
)

// servePostRoot handles the remaining POST route sharing the bare "/"
// prefix: "/:username/:signature", per spec.md §4.9.
func (p *Proxy) servePostRoot(w http.ResponseWriter, r *http.Request) {
	username, sig, ok := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if !ok || username == "" || sig == "" {
		apperrors.WriteJSON(w, apperrors.New(apperrors.NotFound, nil))
		return
	}
	p.serveUpload(w, r, username, sig, false)
}

// serveUpload implements the upload row of spec.md §4.9 and the
// admission order of §4.8: bound the body size, check the username
// shape and account existence, read the file part, verify the
// signature, then check blacklist status, rate limit, and reputation,
// in that order.
func (p *Proxy) serveUpload(w http.ResponseWriter, r *http.Request, username, sigOrToken string, isHiveSigner bool) {
	if r.ContentLength <= 0 {
		apperrors.WriteJSON(w, apperrors.New(apperrors.LengthRequired, nil))
		return
	}
	maxSize := p.maxImageSizeOrDefault()
	if r.ContentLength > maxSize {
		apperrors.WriteJSON(w, apperrors.New(apperrors.PayloadTooLarge, nil))
		return
	}

	ctx := r.Context()

	mode := signature.ModeDirect
	if isHiveSigner || strings.HasPrefix(sigOrToken, "hive") {
		mode = signature.ModeToken
	}

	if mode == signature.ModeToken && username == "" {
		author, err := signature.TokenAuthor(sigOrToken, isHiveSigner)
		if err != nil {
			metrics.IncSignatureVerification(signatureModeLabel(mode), "rejected")
			apperrors.WriteJSON(w, err)
			return
		}
		username = author
	}

	if !signature.ValidUsername(username) {
		metrics.IncSignatureVerification(signatureModeLabel(mode), "rejected")
		apperrors.WriteJSON(w, apperrors.New(apperrors.NoSuchAccount, nil))
		return
	}

	account, err := p.Accounts.GetAccount(ctx, username)
	if err != nil {
		metrics.IncSignatureVerification(signatureModeLabel(mode), "rejected")
		apperrors.WriteJSON(w, apperrors.New(apperrors.NoSuchAccount, err))
		return
	}

	data, uploadedName, err := p.readFirstFilePart(r, maxSize)
	if err != nil {
		metrics.IncSignatureVerification(signatureModeLabel(mode), "rejected")
		apperrors.WriteJSON(w, err)
		return
	}

	if mode == signature.ModeDirect {
		err = signature.VerifyDirect(sigOrToken, data, account)
	} else {
		err = signature.VerifyToken(sigOrToken, isHiveSigner, account, p.SigConfig)
	}
	if err != nil {
		metrics.IncSignatureVerification(signatureModeLabel(mode), "rejected")
		apperrors.WriteJSON(w, err)
		return
	}
	metrics.IncSignatureVerification(signatureModeLabel(mode), "accepted")

	if p.Blacklist != nil && p.Blacklist.IsAccountBlacklisted(username) {
		apperrors.WriteJSON(w, apperrors.New(apperrors.Blacklisted, nil))
		return
	}

	if p.RateLimit != nil {
		res := p.RateLimit.Check(username)
		if !res.Allowed {
			apperrors.WriteJSON(w, apperrors.New(apperrors.QoutaExceeded, nil))
			return
		}
	}

	profile, err := p.Accounts.GetAccountProfile(ctx, username)
	if err != nil {
		apperrors.WriteJSON(w, apperrors.New(apperrors.NoSuchAccount, err))
		return
	}
	if profile.Reputation < p.minReputation() {
		apperrors.WriteJSON(w, apperrors.New(apperrors.Deplorable, nil))
		return
	}

	origKey, err := key.OrigKeyUpload(data)
	if err != nil {
		apperrors.WriteJSON(w, apperrors.New(apperrors.InvalidImage, err))
		return
	}
	if err := p.UploadStore.Write(origKey, data); err != nil {
		apperrors.WriteJSON(w, apperrors.New(apperrors.InternalError, err))
		return
	}

	url := p.ServiceURL + "/" + origKey
	if uploadedName != "" {
		url += "/" + uploadedName
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		URL string `json:"url"`
	}{URL: url})
}

// readFirstFilePart returns the bytes and original filename of the
// first file part of a multipart/form-data body, per spec.md §6's
// "first file part" rule.
func (p *Proxy) readFirstFilePart(r *http.Request, maxSize int64) ([]byte, string, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, "", apperrors.New(apperrors.FileMissing, err)
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, "", apperrors.New(apperrors.FileMissing, nil)
		}
		if err != nil {
			return nil, "", apperrors.New(apperrors.FileMissing, err)
		}
		if part.FileName() == "" {
			part.Close()
			continue
		}

		data, err := io.ReadAll(io.LimitReader(part, maxSize+1))
		name := part.FileName()
		part.Close()
		if err != nil {
			return nil, "", apperrors.New(apperrors.FileMissing, err)
		}
		if int64(len(data)) > maxSize {
			return nil, "", apperrors.New(apperrors.PayloadTooLarge, nil)
		}
		return data, name, nil
	}
}

// minReputation returns the reputation floor an uploading account must
// meet, defaulting to spec.md §4.8's default of 10.
func (p *Proxy) minReputation() float64 {
	if p.MinReputation != 0 {
		return p.MinReputation
	}
	return 10
}

// signatureModeLabel maps a signature.Mode to the metric label used by
// internal/metrics' signatureModeCount.
func signatureModeLabel(m signature.Mode) string {
	if m == signature.ModeToken {
		return "token"
	}
	return "direct"
}

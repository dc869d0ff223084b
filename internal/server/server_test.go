// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/ripemd160"

	"github.com/ecency/imagehoster/internal/apperrors"
	"github.com/ecency/imagehoster/internal/blacklist"
	"github.com/ecency/imagehoster/internal/blobstore"
	"github.com/ecency/imagehoster/internal/key"
	"github.com/ecency/imagehoster/internal/rpc"
)

// fakeAccounts is a stub AccountResolver backed by in-memory maps.
type fakeAccounts struct {
	accounts map[string]*rpc.Account
	profiles map[string]*rpc.Profile
}

func (f *fakeAccounts) GetAccount(_ context.Context, name string) (*rpc.Account, error) {
	a, ok := f.accounts[name]
	if !ok {
		return nil, rpc.ErrNoSuchAccount
	}
	return a, nil
}

func (f *fakeAccounts) GetAccountProfile(_ context.Context, name string) (*rpc.Profile, error) {
	p, ok := f.profiles[name]
	if !ok {
		return nil, rpc.ErrNoSuchAccount
	}
	return p, nil
}

func encodeTestPublicKey(raw []byte) string {
	r := ripemd160.New()
	r.Write(raw)
	checksum := r.Sum(nil)[:4]
	return "STM" + base58.Encode(append(append([]byte{}, raw...), checksum...))
}

func newProxy(t *testing.T) (*Proxy, *fakeAccounts) {
	t.Helper()
	accounts := &fakeAccounts{accounts: map[string]*rpc.Account{}, profiles: map[string]*rpc.Profile{}}
	bl := blacklist.New(nil, blacklist.File{}, "", "", 0)
	return New(Proxy{
		ServiceURL:    "https://images.example.com",
		UploadStore:   blobstore.NewMemory(),
		Accounts:      accounts,
		Blacklist:     bl,
		DefaultAvatar: "https://images.example.com/default-avatar.png",
		DefaultCover:  "https://images.example.com/default-cover.png",
		MaxImageSize:  1 << 20,
	}), accounts
}

func TestServeHTTPFaviconIs404(t *testing.T) {
	p, _ := newProxy(t)
	rr := httptest.NewRecorder()
	p.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/favicon.ico", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestServeHTTPHealthcheck(t *testing.T) {
	p, _ := newProxy(t)
	for _, path := range []string{"/", "/healthcheck", "/.well-known/healthcheck.json"} {
		rr := httptest.NewRecorder()
		p.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("path %s: status = %d, want 200", path, rr.Code)
		}
		if got := rr.Header().Get("Cache-Control"); got != "no-cache" {
			t.Errorf("path %s: Cache-Control = %q, want no-cache", path, got)
		}
		var body healthcheckBody
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("path %s: decoding body: %v", path, err)
		}
		if !body.OK {
			t.Errorf("path %s: ok = false, want true", path)
		}
	}
}

func TestServeHTTPUnmatchedMethodIsInvalidMethod(t *testing.T) {
	p, _ := newProxy(t)
	rr := httptest.NewRecorder()
	p.ServeHTTP(rr, httptest.NewRequest(http.MethodPut, "/p/abc", nil))
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rr.Code)
	}
}

func TestServeHTTPHiveSignerGETIsNotFound(t *testing.T) {
	p, _ := newProxy(t)
	rr := httptest.NewRecorder()
	p.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/hs/sometoken", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rr.Code)
	}
}

func TestServeDimensionRedirect(t *testing.T) {
	p, _ := newProxy(t)
	rr := httptest.NewRecorder()
	p.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/600x400/https://example.com/img.png", nil))
	if rr.Code != http.StatusMovedPermanently {
		t.Fatalf("status = %d, want 301", rr.Code)
	}
	loc := rr.Header().Get("Location")
	if !strings.HasPrefix(loc, "/p/") || !strings.Contains(loc, "width=600") || !strings.Contains(loc, "height=400") {
		t.Errorf("Location = %q, want a /p/ redirect carrying width=600&height=400", loc)
	}
}

func TestServeWebPRedirect(t *testing.T) {
	p, _ := newProxy(t)
	rr := httptest.NewRecorder()
	p.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/webp/p/abc?width=10", nil))
	if rr.Code != http.StatusMovedPermanently {
		t.Fatalf("status = %d, want 301", rr.Code)
	}
	if got := rr.Header().Get("Location"); got != "/p/abc?width=10" {
		t.Errorf("Location = %q, want /p/abc?width=10", got)
	}
}

func TestServeUploadHashHit(t *testing.T) {
	p, _ := newProxy(t)
	want := []byte("\x89PNG\r\n\x1a\nrest of a fake png")
	if err := p.UploadStore.Write("Dabc123", want); err != nil {
		t.Fatal(err)
	}

	rr := httptest.NewRecorder()
	p.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/Dabc123/filename.png", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if !bytes.Equal(rr.Body.Bytes(), want) {
		t.Errorf("body = %q, want %q", rr.Body.Bytes(), want)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type = %q, want image/png", ct)
	}
}

func TestServeUploadHashMissTriesMirrorsAndStillReturns404(t *testing.T) {
	data := []byte("mirrored bytes")
	mirror := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(data)
	}))
	defer mirror.Close()

	p, _ := newProxy(t)
	orig := mirrorHosts
	mirrorHosts = []string{mirror.URL}
	defer func() { mirrorHosts = orig }()

	done := make(chan struct{})
	go func() {
		rr := httptest.NewRecorder()
		p.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/Dmissing/filename.png", nil))
		if rr.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rr.Code)
		}
		close(done)
	}()
	<-done

	deadline := time.Now().Add(2 * time.Second)
	for {
		if p.UploadStore.Exists("Dmissing") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("mirror write-through never completed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	got, err := p.UploadStore.ReadAll("Dmissing")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("written bytes = %q, want %q", got, data)
	}
}

func TestParseTransformQueryDefaults(t *testing.T) {
	opt, flags, err := parseTransformQuery(mustQuery(""))
	if err != nil {
		t.Fatalf("parseTransformQuery: %v", err)
	}
	if opt.Width != 0 || opt.Height != 0 {
		t.Errorf("Width/Height = %d/%d, want 0/0", opt.Width, opt.Height)
	}
	if opt.Mode != key.Fit {
		t.Errorf("Mode = %v, want Fit", opt.Mode)
	}
	if opt.Format != key.Match {
		t.Errorf("Format = %v, want Match", opt.Format)
	}
	if flags.IgnoreCache || flags.Invalidate || flags.Refetch {
		t.Errorf("flags = %+v, want all false", flags)
	}
}

func TestParseTransformQueryParsesAllFields(t *testing.T) {
	opt, flags, err := parseTransformQuery(mustQuery("width=100&height=200&mode=cover&format=webp&ignorecache=1&invalidate=1&refetch=1"))
	if err != nil {
		t.Fatalf("parseTransformQuery: %v", err)
	}
	if opt.Width != 100 || opt.Height != 200 {
		t.Errorf("Width/Height = %d/%d, want 100/200", opt.Width, opt.Height)
	}
	if opt.Mode != key.Cover {
		t.Errorf("Mode = %v, want Cover", opt.Mode)
	}
	if opt.Format != key.WEBP {
		t.Errorf("Format = %v, want WEBP", opt.Format)
	}
	if !flags.IgnoreCache || !flags.Invalidate || !flags.Refetch {
		t.Errorf("flags = %+v, want all true", flags)
	}
}

func TestParseTransformQueryRejectsInvalidMode(t *testing.T) {
	if _, _, err := parseTransformQuery(mustQuery("mode=bogus")); err == nil {
		t.Fatal("expected an error for an invalid mode")
	}
}

func TestParseTransformQueryRejectsInvalidFormat(t *testing.T) {
	if _, _, err := parseTransformQuery(mustQuery("format=bogus")); err == nil {
		t.Fatal("expected an error for an invalid format")
	}
}

func TestParseTransformQueryRejectsNegativeWidth(t *testing.T) {
	if _, _, err := parseTransformQuery(mustQuery("width=-5")); err == nil {
		t.Fatal("expected an error for a negative width")
	}
}

func mustQuery(raw string) url.Values {
	req := httptest.NewRequest(http.MethodGet, "/p/abc?"+raw, nil)
	return req.URL.Query()
}

func TestServeUploadRequiresContentLength(t *testing.T) {
	p, _ := newProxy(t)
	r := httptest.NewRequest(http.MethodPost, "/alice/deadbeef", nil)
	r.ContentLength = -1
	rr := httptest.NewRecorder()
	p.serveUpload(rr, r, "alice", "deadbeef", false)
	assertErrorKind(t, rr, apperrors.LengthRequired)
}

func TestServeUploadRejectsOversizedBody(t *testing.T) {
	p, _ := newProxy(t)
	r := httptest.NewRequest(http.MethodPost, "/alice/deadbeef", nil)
	r.ContentLength = p.MaxImageSize + 1
	rr := httptest.NewRecorder()
	p.serveUpload(rr, r, "alice", "deadbeef", false)
	assertErrorKind(t, rr, apperrors.PayloadTooLarge)
}

func TestServeUploadRejectsInvalidUsernameShape(t *testing.T) {
	p, _ := newProxy(t)
	body, ct := multipartBody(t, "img.png", []byte("data"))
	r := httptest.NewRequest(http.MethodPost, "/Alice123/deadbeef", body)
	r.Header.Set("Content-Type", ct)
	r.ContentLength = int64(body.Len())
	rr := httptest.NewRecorder()
	p.serveUpload(rr, r, "Alice123", "deadbeef", false)
	assertErrorKind(t, rr, apperrors.NoSuchAccount)
}

func TestServeUploadRejectsUnknownAccount(t *testing.T) {
	p, _ := newProxy(t)
	body, ct := multipartBody(t, "img.png", []byte("data"))
	r := httptest.NewRequest(http.MethodPost, "/alice/deadbeef", body)
	r.Header.Set("Content-Type", ct)
	r.ContentLength = int64(body.Len())
	rr := httptest.NewRecorder()
	p.serveUpload(rr, r, "alice", "deadbeef", false)
	assertErrorKind(t, rr, apperrors.NoSuchAccount)
}

func TestServeUploadRejectsBlacklistedAccount(t *testing.T) {
	p, accounts := newProxy(t)
	priv, wire := newServerTestKey(t)
	accounts.accounts["alice"] = &rpc.Account{
		Name:    "alice",
		Posting: rpc.Authority{WeightThreshold: 1, KeyAuths: []rpc.KeyAuth{{Key: wire, Weight: 1}}},
	}
	accounts.profiles["alice"] = &rpc.Profile{Name: "alice", Reputation: 50}
	p.Blacklist = blacklist.New(nil, blacklist.File{Accounts: []string{"alice"}}, "", "", 0)

	imgBytes := []byte("image bytes")
	sig := signDirect(priv, imgBytes)

	body, ct := multipartBody(t, "img.png", imgBytes)
	r := httptest.NewRequest(http.MethodPost, "/alice/"+sig, body)
	r.Header.Set("Content-Type", ct)
	r.ContentLength = int64(body.Len())
	rr := httptest.NewRecorder()
	p.serveUpload(rr, r, "alice", sig, false)
	assertErrorKind(t, rr, apperrors.Blacklisted)
}

func TestServeUploadRejectsLowReputation(t *testing.T) {
	p, accounts := newProxy(t)
	priv, wire := newServerTestKey(t)
	accounts.accounts["alice"] = &rpc.Account{
		Name:    "alice",
		Posting: rpc.Authority{WeightThreshold: 1, KeyAuths: []rpc.KeyAuth{{Key: wire, Weight: 1}}},
	}
	accounts.profiles["alice"] = &rpc.Profile{Name: "alice", Reputation: 1}

	imgBytes := []byte("image bytes")
	sig := signDirect(priv, imgBytes)

	body, ct := multipartBody(t, "img.png", imgBytes)
	r := httptest.NewRequest(http.MethodPost, "/alice/"+sig, body)
	r.Header.Set("Content-Type", ct)
	r.ContentLength = int64(body.Len())
	rr := httptest.NewRecorder()
	p.serveUpload(rr, r, "alice", sig, false)
	assertErrorKind(t, rr, apperrors.Deplorable)
}

func TestServeUploadSucceeds(t *testing.T) {
	p, accounts := newProxy(t)
	priv, wire := newServerTestKey(t)
	accounts.accounts["alice"] = &rpc.Account{
		Name:    "alice",
		Posting: rpc.Authority{WeightThreshold: 1, KeyAuths: []rpc.KeyAuth{{Key: wire, Weight: 1}}},
	}
	accounts.profiles["alice"] = &rpc.Profile{Name: "alice", Reputation: 50}

	imgBytes := []byte("real image bytes")
	sig := signDirect(priv, imgBytes)

	body, ct := multipartBody(t, "img.png", imgBytes)
	r := httptest.NewRequest(http.MethodPost, "/alice/"+sig, body)
	r.Header.Set("Content-Type", ct)
	r.ContentLength = int64(body.Len())
	rr := httptest.NewRecorder()
	p.serveUpload(rr, r, "alice", sig, false)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rr.Code, rr.Body.String())
	}
	var resp struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	origKey, err := key.OrigKeyUpload(imgBytes)
	if err != nil {
		t.Fatal(err)
	}
	want := p.ServiceURL + "/" + origKey + "/img.png"
	if resp.URL != want {
		t.Errorf("url = %q, want %q", resp.URL, want)
	}
	if !p.UploadStore.Exists(origKey) {
		t.Error("upload store does not contain the uploaded bytes under the computed OrigKey")
	}
}

func assertErrorKind(t *testing.T, rr *httptest.ResponseRecorder, kind apperrors.Kind) {
	t.Helper()
	want := apperrors.New(kind, nil).Status()
	if rr.Code != want {
		t.Fatalf("status = %d, want %d (%s), body=%s", rr.Code, want, kind, rr.Body.String())
	}
}

func multipartBody(t *testing.T, filename string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	buf := new(bytes.Buffer)
	w := multipart.NewWriter(buf)
	fw, err := w.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf, w.FormDataContentType()
}

func newServerTestKey(t *testing.T) (*secp256k1.PrivateKey, string) {
	t.Helper()
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	return priv, encodeTestPublicKey(priv.PubKey().SerializeCompressed())
}

func signDirect(priv *secp256k1.PrivateKey, imageBytes []byte) string {
	h := sha256.Sum256(append([]byte("ImageSigningChallenge"), imageBytes...))
	sig := ecdsa.SignCompact(priv, h[:], true)
	return hex.EncodeToString(sig)
}

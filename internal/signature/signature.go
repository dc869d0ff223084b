// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

// Package signature implements the upload admission signature verifier
// described in spec.md §4.8: a direct secp256k1 compact-recoverable
// signature mode (Mode A) and an OAuth-token mode (Mode B), plus
// rejection of the legacy "stndt" test backdoor.
package signature

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/mr-tron/base58"
	"golang.org/x/crypto/ripemd160"

	"github.com/ecency/imagehoster/internal/apperrors"
	"github.com/ecency/imagehoster/internal/rpc"
)

// challengePrefix is prepended to the uploaded bytes before hashing for
// Mode A, per spec.md §4.8.
const challengePrefix = "ImageSigningChallenge"

// legacyPrefix identifies the disabled test backdoor; any signature with
// this prefix is rejected outright.
const legacyPrefix = "stndt"

// PublicKeyPrefix is the ASCII prefix on a wire-format public key
// string, e.g. "STM6LLegbAgLAy...".
const PublicKeyPrefix = "STM"

// Mode identifies which verification path admitted a signature.
type Mode int

const (
	ModeDirect Mode = iota + 1
	ModeToken
)

// usernamePattern is the account name shape checked independently of
// signature verification, per spec.md §7's NoSuchAccount row.
var usernamePattern = regexp.MustCompile(`^[a-z][a-z0-9\-.]*$`)

// ValidUsername reports whether name has the accepted account-name shape.
func ValidUsername(name string) bool {
	return usernamePattern.MatchString(name)
}

// TokenPayload is the decoded Mode B JSON token body.
type TokenPayload struct {
	SignedMessage struct {
		Type string `json:"type"`
		App  string `json:"app"`
	} `json:"signed_message"`
	Authors    []string `json:"authors"`
	Signatures []string `json:"signatures"`
	Timestamp  int64    `json:"timestamp"`
}

var validTokenTypes = map[string]bool{
	"login":   true,
	"posting": true,
	"offline": true,
	"code":    true,
	"refresh": true,
}

// Config carries the server's own configured identity used by Mode B
// acceptance path (a): the app's broadcaster public key and account
// name, derived from upload_limits.app_posting_wif / app_account.
type Config struct {
	AppAccount           string
	BroadcasterPublicKey string // wire-format "STM..." public key
}

// VerifyDirect implements Mode A: sig is a hex-encoded 65-byte compact
// recoverable secp256k1 signature over sha256(challengePrefix‖imageBytes).
// It accepts iff the recovered public key appears, at sufficient weight,
// in account's posting or active authority.
func VerifyDirect(sigHex string, imageBytes []byte, account *rpc.Account) error {
	if strings.HasPrefix(sigHex, legacyPrefix) {
		return apperrors.New(apperrors.InvalidSignature, fmt.Errorf("legacy stndt signature rejected"))
	}

	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return apperrors.New(apperrors.InvalidSignature, fmt.Errorf("decoding signature: %w", err))
	}

	h := sha256.Sum256(append([]byte(challengePrefix), imageBytes...))

	pub, err := recoverCompressedPubkey(sig, h[:])
	if err != nil {
		return apperrors.New(apperrors.InvalidSignature, err)
	}

	if authorityAcceptsRawKey(account.Posting, pub) || authorityAcceptsRawKey(account.Active, pub) {
		return nil
	}
	return apperrors.New(apperrors.InvalidSignature, fmt.Errorf("recovered key not in posting or active authority"))
}

// VerifyToken implements Mode B. raw is the still-encoded signature path
// segment (for the "hive"-prefixed form) or token (for the /hs/:token
// form); decodeHiveSignerCharset selects which decoding rule applies.
// account is the authenticated author's on-chain authorities.
func VerifyToken(raw string, decodeHiveSignerCharset bool, account *rpc.Account, cfg Config) error {
	tok, err := decodeToken(raw, decodeHiveSignerCharset)
	if err != nil {
		return err
	}

	h, err := canonicalHash(tok)
	if err != nil {
		return apperrors.New(apperrors.InvalidSignature, err)
	}

	sigBytes, err := hex.DecodeString(tok.Signatures[0])
	if err != nil {
		return apperrors.New(apperrors.InvalidSignature, fmt.Errorf("decoding token signature: %w", err))
	}

	// Path (a): the app's own broadcaster key verifies sig over h.
	if cfg.BroadcasterPublicKey != "" {
		if pub, err := recoverCompressedPubkey(sigBytes, h); err == nil {
			if keyMatches(cfg.BroadcasterPublicKey, pub) {
				return nil
			}
		}
	}

	// Path (b): the app account holds delegated authority over this
	// account's posting, active, or owner authority.
	if cfg.AppAccount != "" {
		if account.Posting.HasAccountAuth(cfg.AppAccount) ||
			account.Active.HasAccountAuth(cfg.AppAccount) ||
			account.Owner.HasAccountAuth(cfg.AppAccount) {
			return nil
		}
	}

	// Path (c): the account's own posting key verifies sig over h directly.
	if pub, err := recoverCompressedPubkey(sigBytes, h); err == nil {
		if authorityAcceptsRawKey(account.Posting, pub) {
			return nil
		}
	}

	return apperrors.New(apperrors.InvalidSignature, fmt.Errorf("token signature not admitted by any acceptance path"))
}

// canonicalHash computes sha256 over a deterministic JSON encoding of
// the fields the token signs over: signed_message, authors, timestamp.
func canonicalHash(tok TokenPayload) ([]byte, error) {
	type signedPortion struct {
		SignedMessage struct {
			Type string `json:"type"`
			App  string `json:"app"`
		} `json:"signed_message"`
		Authors   []string `json:"authors"`
		Timestamp int64    `json:"timestamp"`
	}
	var sp signedPortion
	sp.SignedMessage.Type = tok.SignedMessage.Type
	sp.SignedMessage.App = tok.SignedMessage.App
	sp.Authors = tok.Authors
	sp.Timestamp = tok.Timestamp

	b, err := json.Marshal(sp)
	if err != nil {
		return nil, fmt.Errorf("encoding canonical payload: %w", err)
	}
	h := sha256.Sum256(b)
	return h[:], nil
}

// decodeToken decodes and validates a Mode B token, shared by VerifyToken
// and TokenAuthor.
func decodeToken(raw string, decodeHiveSignerCharset bool) (TokenPayload, error) {
	if strings.HasPrefix(raw, legacyPrefix) {
		return TokenPayload{}, apperrors.New(apperrors.InvalidSignature, fmt.Errorf("legacy stndt signature rejected"))
	}

	var body []byte
	var err error
	if decodeHiveSignerCharset {
		body, err = decodeHiveSignerToken(raw)
	} else {
		body, err = decodeHivePrefixedToken(raw)
	}
	if err != nil {
		return TokenPayload{}, apperrors.New(apperrors.InvalidSignature, err)
	}

	var tok TokenPayload
	if err := json.Unmarshal(body, &tok); err != nil {
		return TokenPayload{}, apperrors.New(apperrors.InvalidSignature, fmt.Errorf("decoding token payload: %w", err))
	}
	if !validTokenTypes[tok.SignedMessage.Type] {
		return TokenPayload{}, apperrors.New(apperrors.InvalidSignature, fmt.Errorf("invalid signed_message.type %q", tok.SignedMessage.Type))
	}
	if tok.SignedMessage.App == "" {
		return TokenPayload{}, apperrors.New(apperrors.InvalidSignature, fmt.Errorf("missing signed_message.app"))
	}
	if len(tok.Signatures) == 0 {
		return TokenPayload{}, apperrors.New(apperrors.InvalidSignature, fmt.Errorf("missing signatures"))
	}
	if len(tok.Authors) == 0 {
		return TokenPayload{}, apperrors.New(apperrors.InvalidSignature, fmt.Errorf("missing authors"))
	}

	return tok, nil
}

// TokenAuthor decodes raw just far enough to report the acting account
// name, so the caller can resolve it before calling VerifyToken.
func TokenAuthor(raw string, decodeHiveSignerCharset bool) (string, error) {
	tok, err := decodeToken(raw, decodeHiveSignerCharset)
	if err != nil {
		return "", err
	}
	return tok.Authors[0], nil
}

// decodeHivePrefixedToken strips a leading "hive" and optional trailing
// "signer" from raw, then base64-decodes the remainder.
func decodeHivePrefixedToken(raw string) ([]byte, error) {
	s := strings.TrimPrefix(raw, "hive")
	s = strings.TrimSuffix(s, "signer")
	return decodePadded(base64.StdEncoding, s)
}

// hiveSignerCharsetReplacer reverses the /hs/:token endpoint's custom
// base64url charset substitution back to standard base64 glyphs.
var hiveSignerCharsetReplacer = strings.NewReplacer("_", "/", "-", "+", ".", "=")

// decodeHiveSignerToken decodes a /hs/:token path segment: the custom
// charset map {/↔_, +↔-, =↔.} applied over standard base64, per
// spec.md §4.8.
func decodeHiveSignerToken(raw string) ([]byte, error) {
	s := hiveSignerCharsetReplacer.Replace(raw)
	return decodePadded(base64.StdEncoding, s)
}

func decodePadded(enc *base64.Encoding, s string) ([]byte, error) {
	if m := len(s) % 4; m != 0 {
		s += strings.Repeat("=", 4-m)
	}
	b, err := enc.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("base64-decoding token: %w", err)
	}
	return b, nil
}

// recoverCompressedPubkey recovers the compressed secp256k1 public key
// that produced sig over digest, where sig is a 65-byte compact
// recoverable signature (1-byte recovery id prefix ‖ 32-byte r ‖
// 32-byte s).
func recoverCompressedPubkey(sig, digest []byte) ([]byte, error) {
	if len(sig) != 65 {
		return nil, fmt.Errorf("signature has length %d, want 65", len(sig))
	}
	pub, _, err := ecdsa.RecoverCompact(sig, digest)
	if err != nil {
		return nil, fmt.Errorf("recovering public key: %w", err)
	}
	return pub.SerializeCompressed(), nil
}

// authorityAcceptsRawKey reports whether a raw compressed public key
// matches any of a's key_auths at sufficient weight.
func authorityAcceptsRawKey(a rpc.Authority, raw []byte) bool {
	for _, ka := range a.KeyAuths {
		if ka.Weight < a.WeightThreshold {
			continue
		}
		if keyMatches(ka.Key, raw) {
			return true
		}
	}
	return false
}

// keyMatches reports whether wire (a "STM..."-prefixed wire-format
// public key) decodes to the same bytes as raw.
func keyMatches(wire string, raw []byte) bool {
	decoded, err := decodePublicKey(wire)
	if err != nil {
		return false
	}
	return bytes.Equal(decoded, raw)
}

// decodePublicKey decodes a wire-format "STM<base58(pubkey‖checksum)>"
// public key string into its raw 33-byte compressed form, verifying the
// 4-byte ripemd160 checksum.
func decodePublicKey(wire string) ([]byte, error) {
	if !strings.HasPrefix(wire, PublicKeyPrefix) {
		return nil, fmt.Errorf("public key %q missing %q prefix", wire, PublicKeyPrefix)
	}
	decoded, err := base58.Decode(strings.TrimPrefix(wire, PublicKeyPrefix))
	if err != nil {
		return nil, fmt.Errorf("base58-decoding public key: %w", err)
	}
	if len(decoded) < 5 {
		return nil, fmt.Errorf("decoded public key too short")
	}
	pub, checksum := decoded[:len(decoded)-4], decoded[len(decoded)-4:]

	r := ripemd160.New()
	r.Write(pub)
	want := r.Sum(nil)[:4]
	if !bytes.Equal(checksum, want) {
		return nil, fmt.Errorf("public key checksum mismatch")
	}
	return pub, nil
}

// wifVersion is the version byte prefixing a base58check-encoded
// private key, shared with Bitcoin's WIF format.
const wifVersion = 0x80

// privateKeyFromWIF decodes a base58check-encoded WIF private key into
// its raw 32-byte form.
func privateKeyFromWIF(wif string) ([]byte, error) {
	decoded, err := base58.Decode(wif)
	if err != nil {
		return nil, fmt.Errorf("base58-decoding WIF key: %w", err)
	}
	if len(decoded) < 1+32+4 {
		return nil, fmt.Errorf("decoded WIF key too short")
	}
	body, checksum := decoded[:len(decoded)-4], decoded[len(decoded)-4:]

	sum1 := sha256.Sum256(body)
	sum2 := sha256.Sum256(sum1[:])
	if !bytes.Equal(checksum, sum2[:4]) {
		return nil, fmt.Errorf("WIF checksum mismatch")
	}
	if body[0] != wifVersion {
		return nil, fmt.Errorf("unexpected WIF version byte 0x%02x", body[0])
	}

	priv := body[1:]
	if len(priv) == 33 && priv[32] == 0x01 {
		// trailing compression flag on an already-compressed key
		priv = priv[:32]
	}
	if len(priv) != 32 {
		return nil, fmt.Errorf("decoded private key has length %d, want 32", len(priv))
	}
	return priv, nil
}

// PublicKeyFromWIF derives the wire-format "STM..." public key
// corresponding to a base58check-encoded WIF private key, so that
// upload_limits.app_posting_wif can be configured once and the
// broadcaster's public key derived from it rather than configured
// twice.
func PublicKeyFromWIF(wif string) (string, error) {
	priv, err := privateKeyFromWIF(wif)
	if err != nil {
		return "", err
	}
	pub := secp256k1.PrivKeyFromBytes(priv).PubKey()
	return encodePublicKey(pub.SerializeCompressed()), nil
}

// SignDirect produces a Mode A signature over imageBytes: a hex-encoded
// 65-byte compact recoverable secp256k1 signature over
// sha256(challengePrefix‖imageBytes), verifiable by VerifyDirect against
// whichever account's posting or active authority lists the
// corresponding public key. Used by cmd/imagehoster-sign to produce
// offline test signatures.
func SignDirect(wif string, imageBytes []byte) (string, error) {
	priv, err := privateKeyFromWIF(wif)
	if err != nil {
		return "", err
	}
	h := sha256.Sum256(append([]byte(challengePrefix), imageBytes...))
	sig := ecdsa.SignCompact(secp256k1.PrivKeyFromBytes(priv), h[:], true)
	return hex.EncodeToString(sig), nil
}

// encodePublicKey wire-encodes a raw 33-byte compressed public key as
// "STM<base58(pubkey‖checksum)>", the inverse of decodePublicKey.
func encodePublicKey(raw []byte) string {
	r := ripemd160.New()
	r.Write(raw)
	checksum := r.Sum(nil)[:4]
	return PublicKeyPrefix + base58.Encode(append(raw, checksum...))
}

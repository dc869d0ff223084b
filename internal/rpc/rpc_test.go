// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func jsonResult(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestGetAccountDecodesAuthorities(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result := jsonResult(t, []wireAccount{{
			Name: "alice",
			Posting: wireAuthority{
				WeightThreshold: 1,
				KeyAuths:        [][]interface{}{{"STM6abc", float64(1)}},
			},
		}})
		json.NewEncoder(w).Encode(rpcResponse{Result: result})
	}))
	defer srv.Close()

	c := New(srv.Client(), []string{srv.URL})
	acc, err := c.GetAccount(context.Background(), "alice")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if acc.Name != "alice" {
		t.Errorf("Name = %q, want alice", acc.Name)
	}
	if !acc.Posting.HasKey("STM6abc") {
		t.Error("expected posting authority to contain STM6abc at sufficient weight")
	}
}

func TestGetAccountNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(rpcResponse{Result: jsonResult(t, []wireAccount{})})
	}))
	defer srv.Close()

	c := New(srv.Client(), []string{srv.URL})
	if _, err := c.GetAccount(context.Background(), "ghost"); err != ErrNoSuchAccount {
		t.Errorf("err = %v, want ErrNoSuchAccount", err)
	}
}

func TestGetAccountFailsOverToSecondNode(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer dead.Close()

	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(rpcResponse{Result: jsonResult(t, []wireAccount{{Name: "bob"}})})
	}))
	defer good.Close()

	c := New(http.DefaultClient, []string{dead.URL, good.URL})
	acc, err := c.GetAccount(context.Background(), "bob")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if acc.Name != "bob" {
		t.Errorf("Name = %q, want bob", acc.Name)
	}

	// the good node should now be promoted to the front.
	if c.nodes[0] != good.URL {
		t.Errorf("nodes[0] = %q, want %q after promotion", c.nodes[0], good.URL)
	}
}

func TestGetAccountAllNodesFail(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer dead.Close()

	c := New(http.DefaultClient, []string{dead.URL})
	if _, err := c.GetAccount(context.Background(), "bob"); err == nil {
		t.Error("expected an error when every node fails")
	}
}

func TestGetAccountProfileDecodesReputationAndImage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result := wireProfileResult{Profile: wireProfile{
			Name:       "alice",
			Reputation: 62.5,
		}}
		result.Profile.Metadata.Profile.ProfileImage = "https://example.com/a.png"
		json.NewEncoder(w).Encode(rpcResponse{Result: jsonResult(t, result)})
	}))
	defer srv.Close()

	c := New(srv.Client(), []string{srv.URL})
	p, err := c.GetAccountProfile(context.Background(), "alice")
	if err != nil {
		t.Fatalf("GetAccountProfile: %v", err)
	}
	if p.Reputation != 62.5 {
		t.Errorf("Reputation = %v, want 62.5", p.Reputation)
	}
	if p.Metadata.ProfileImage != "https://example.com/a.png" {
		t.Errorf("ProfileImage = %q", p.Metadata.ProfileImage)
	}
}

func TestAuthorityHasKeyRequiresThreshold(t *testing.T) {
	a := Authority{WeightThreshold: 2, KeyAuths: []KeyAuth{{Key: "k1", Weight: 1}}}
	if a.HasKey("k1") {
		t.Error("weight 1 should not satisfy threshold 2")
	}
	a.KeyAuths[0].Weight = 2
	if !a.HasKey("k1") {
		t.Error("weight 2 should satisfy threshold 2")
	}
}

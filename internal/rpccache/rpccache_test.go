// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

package rpccache

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ecency/imagehoster/internal/rpc"
)

func TestGetAccountCachesSecondCall(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"result":[{"name":"alice"}]}`))
	}))
	defer srv.Close()

	inner := rpc.New(srv.Client(), []string{srv.URL})
	c := New(inner, 30)

	ctx := context.Background()
	a1, err := c.GetAccount(ctx, "alice")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	a2, err := c.GetAccount(ctx, "alice")
	if err != nil {
		t.Fatalf("GetAccount (cached): %v", err)
	}
	if a1.Name != a2.Name {
		t.Errorf("cached result mismatch: %+v vs %+v", a1, a2)
	}
	if calls != 1 {
		t.Errorf("RPC calls = %d, want 1 (second GetAccount should hit cache)", calls)
	}
}

func TestGetAccountProfileCachesSecondCall(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Write([]byte(`{"result":{"profile":{"name":"alice","reputation":42}}}`))
	}))
	defer srv.Close()

	inner := rpc.New(srv.Client(), []string{srv.URL})
	c := New(inner, 30)

	ctx := context.Background()
	if _, err := c.GetAccountProfile(ctx, "alice"); err != nil {
		t.Fatalf("GetAccountProfile: %v", err)
	}
	if _, err := c.GetAccountProfile(ctx, "alice"); err != nil {
		t.Fatalf("GetAccountProfile (cached): %v", err)
	}
	if calls != 1 {
		t.Errorf("RPC calls = %d, want 1", calls)
	}
}

func TestGetAccountDifferentNamesDontShareCacheEntry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Params []interface{} `json:"params"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		names, _ := req.Params[0].([]interface{})
		name, _ := names[0].(string)
		w.Write([]byte(`{"result":[{"name":"` + name + `"}]}`))
	}))
	defer srv.Close()

	inner := rpc.New(srv.Client(), []string{srv.URL})
	c := New(inner, 30)

	ctx := context.Background()
	a, err := c.GetAccount(ctx, "alice")
	if err != nil {
		t.Fatalf("GetAccount alice: %v", err)
	}
	b, err := c.GetAccount(ctx, "bob")
	if err != nil {
		t.Fatalf("GetAccount bob: %v", err)
	}
	if a.Name != "alice" || b.Name != "bob" {
		t.Errorf("got %q and %q, want alice and bob", a.Name, b.Name)
	}
}

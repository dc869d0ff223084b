// Copyright 2013 The imageproxy authors.
// SPDX-License-Identifier: Apache-2.0

// Package rpc implements the blockchain RPC client described in spec.md
// §1: the core only consumes two operations, get account authorities and
// get account profile, over a JSON-RPC-over-HTTP node with failover
// across a configured node list.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang/glog"
)

// CallTimeout bounds a single JSON-RPC call against one node.
const CallTimeout = 2 * time.Second

// KeyAuth is one entry in an authority's key_auths list: a public key
// string paired with its weight.
type KeyAuth struct {
	Key    string
	Weight uint32
}

// AccountAuth is one entry in an authority's account_auths list: another
// account name paired with its weight.
type AccountAuth struct {
	Name   string
	Weight uint32
}

// Authority is one of an account's posting/active/owner authorities.
type Authority struct {
	WeightThreshold uint32
	KeyAuths        []KeyAuth
	AccountAuths    []AccountAuth
}

// HasKey reports whether pubkey appears in a's key_auths with weight
// meeting or exceeding a's weight_threshold by itself.
func (a Authority) HasKey(pubkey string) bool {
	for _, ka := range a.KeyAuths {
		if ka.Key == pubkey && ka.Weight >= a.WeightThreshold {
			return true
		}
	}
	return false
}

// HasAccountAuth reports whether name appears in a's account_auths.
func (a Authority) HasAccountAuth(name string) bool {
	for _, aa := range a.AccountAuths {
		if aa.Name == name {
			return true
		}
	}
	return false
}

// Account is the subset of on-chain account state the core needs:
// its posting, active and owner authorities. Mode A signature
// verification reads the posting and active key_auths; Mode B also
// reads the owner authority's account_auths.
type Account struct {
	Name    string
	Posting Authority
	Active  Authority
	Owner   Authority
}

// ProfileMetadata is the decoded posting_json_metadata.profile blob.
type ProfileMetadata struct {
	ProfileImage string `json:"profile_image"`
	CoverImage   string `json:"cover_image"`
}

// Profile is the subset of account profile state the core needs.
type Profile struct {
	Name       string
	Reputation float64
	Metadata   ProfileMetadata
}

// ErrNoSuchAccount is returned when the RPC node reports the account
// does not exist.
var ErrNoSuchAccount = fmt.Errorf("rpc: no such account")

// Client queries account authorities and profile data from an ordered
// list of RPC nodes, failing over to the next node on error.
type Client struct {
	httpClient *http.Client
	nodes      []string
}

// New constructs a Client. nodes is tried in order on every call; a node
// that succeeds after one or more earlier nodes failed is promoted to
// the front of the order for subsequent calls.
func New(httpClient *http.Client, nodes []string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: CallTimeout}
	}
	ordered := make([]string, len(nodes))
	copy(ordered, nodes)
	return &Client{httpClient: httpClient, nodes: ordered}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// call issues method(params) against the node list in order, returning
// the first successful response.
func (c *Client) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	var lastErr error
	for i, node := range c.nodes {
		err := c.callNode(ctx, node, method, params, out)
		if err == nil {
			if i > 0 {
				c.promote(i)
			}
			return nil
		}
		glog.Warningf("rpc: node %s failed %s: %v", node, method, err)
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("rpc: no nodes configured")
	}
	return lastErr
}

// promote moves the node at index i to the front of the attempt order,
// since it just succeeded after one or more earlier nodes failed.
func (c *Client) promote(i int) {
	node := c.nodes[i]
	copy(c.nodes[1:i+1], c.nodes[0:i])
	c.nodes[0] = node
}

func (c *Client) callNode(ctx context.Context, node, method string, params []interface{}, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, node, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	var rr rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if rr.Error != nil {
		return fmt.Errorf("rpc error: %s", rr.Error.Message)
	}
	if out != nil {
		if err := json.Unmarshal(rr.Result, out); err != nil {
			return fmt.Errorf("decoding result: %w", err)
		}
	}
	return nil
}

type wireAuthority struct {
	WeightThreshold uint32          `json:"weight_threshold"`
	AccountAuths    [][]interface{} `json:"account_auths"`
	KeyAuths        [][]interface{} `json:"key_auths"`
}

func (w wireAuthority) toAuthority() Authority {
	a := Authority{WeightThreshold: w.WeightThreshold}
	for _, pair := range w.KeyAuths {
		if len(pair) != 2 {
			continue
		}
		key, _ := pair[0].(string)
		weight, _ := pair[1].(float64)
		a.KeyAuths = append(a.KeyAuths, KeyAuth{Key: key, Weight: uint32(weight)})
	}
	for _, pair := range w.AccountAuths {
		if len(pair) != 2 {
			continue
		}
		name, _ := pair[0].(string)
		weight, _ := pair[1].(float64)
		a.AccountAuths = append(a.AccountAuths, AccountAuth{Name: name, Weight: uint32(weight)})
	}
	return a
}

type wireAccount struct {
	Name    string        `json:"name"`
	Posting wireAuthority `json:"posting"`
	Active  wireAuthority `json:"active"`
	Owner   wireAuthority `json:"owner"`
}

// GetAccount fetches an account's authorities via condenser_api.get_accounts.
func (c *Client) GetAccount(ctx context.Context, name string) (*Account, error) {
	var accounts []wireAccount
	if err := c.call(ctx, "condenser_api.get_accounts", []interface{}{[]string{name}}, &accounts); err != nil {
		return nil, err
	}
	if len(accounts) == 0 {
		return nil, ErrNoSuchAccount
	}
	a := accounts[0]
	return &Account{
		Name:    a.Name,
		Posting: a.Posting.toAuthority(),
		Active:  a.Active.toAuthority(),
		Owner:   a.Owner.toAuthority(),
	}, nil
}

type wireProfile struct {
	Name     string `json:"name"`
	Metadata struct {
		Profile ProfileMetadata `json:"profile"`
	} `json:"metadata"`
	Reputation float64 `json:"reputation"`
}

type wireProfileResult struct {
	Profile wireProfile `json:"profile"`
}

// GetAccountProfile fetches an account's profile via bridge.get_profile.
func (c *Client) GetAccountProfile(ctx context.Context, name string) (*Profile, error) {
	var result wireProfileResult
	if err := c.call(ctx, "bridge.get_profile", []interface{}{map[string]string{"account": name}}, &result); err != nil {
		return nil, err
	}
	if result.Profile.Name == "" {
		return nil, ErrNoSuchAccount
	}
	return &Profile{
		Name:       result.Profile.Name,
		Reputation: result.Profile.Reputation,
		Metadata:   result.Profile.Metadata.Profile,
	}, nil
}

package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// TokenSource supplies the bearer token for the current identity.
// An empty token means unauthenticated requests (apikey only).
type TokenSource interface {
	Token() string
}

// Error is a store-level failure. Status 0 means the request never
// reached the server (network error).
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("store: %s", e.Message)
	}
	return fmt.Sprintf("store: %d %s", e.Status, e.Message)
}

// Transient reports whether the failure is worth retrying with backoff.
func (e *Error) Transient() bool {
	return e.Status == 0 || e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// IsTransient reports whether err is a retryable store error.
func IsTransient(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Transient()
}

// Client talks to the chat data store's REST surface. Tables are exposed
// under /rest/v1/{table} and functions under /rest/v1/rpc/{name}.
type Client struct {
	baseURL string
	apiKey  string
	tokens  TokenSource
	http    *http.Client
}

// NewClient creates a store client. tokens may be nil for key-only access.
func NewClient(baseURL, apiKey string, tokens TokenSource) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		tokens:  tokens,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Filter is a single column predicate in PostgREST syntax, e.g.
// {Column: "chat_id", Op: "eq", Value: "c1"}.
type Filter struct {
	Column string
	Op     string
	Value  string
}

// Query describes a table read.
type Query struct {
	Filters []Filter
	// Or is a raw or=(...) disjunction, used where two columns may match.
	Or      string
	OrderBy string
	Desc    bool
	Limit   int
}

// Select reads rows from table into dest (a pointer to a slice).
func (c *Client) Select(ctx context.Context, table string, q Query, dest any) error {
	vals := url.Values{}
	for _, f := range q.Filters {
		vals.Set(f.Column, f.Op+"."+f.Value)
	}
	if q.Or != "" {
		vals.Set("or", q.Or)
	}
	if q.OrderBy != "" {
		dir := "asc"
		if q.Desc {
			dir = "desc"
		}
		vals.Set("order", q.OrderBy+"."+dir)
	}
	if q.Limit > 0 {
		vals.Set("limit", strconv.Itoa(q.Limit))
	}
	u := c.baseURL + "/rest/v1/" + table
	if enc := vals.Encode(); enc != "" {
		u += "?" + enc
	}
	return c.do(ctx, http.MethodGet, u, nil, nil, dest)
}

// Insert writes a single row and decodes the server's representation of
// it into dest when dest is non-nil.
func (c *Client) Insert(ctx context.Context, table string, row any, dest any) error {
	u := c.baseURL + "/rest/v1/" + table
	headers := map[string]string{"Prefer": "return=representation"}
	return c.do(ctx, http.MethodPost, u, row, headers, dest)
}

// Upsert writes a row, merging on the given conflict columns.
func (c *Client) Upsert(ctx context.Context, table string, row any, conflict []string, dest any) error {
	u := c.baseURL + "/rest/v1/" + table
	if len(conflict) > 0 {
		u += "?on_conflict=" + url.QueryEscape(strings.Join(conflict, ","))
	}
	headers := map[string]string{"Prefer": "resolution=merge-duplicates,return=representation"}
	return c.do(ctx, http.MethodPost, u, row, headers, dest)
}

// RPC invokes a server-side function with JSON args.
func (c *Client) RPC(ctx context.Context, name string, args any, dest any) error {
	u := c.baseURL + "/rest/v1/rpc/" + name
	return c.do(ctx, http.MethodPost, u, args, nil, dest)
}

func (c *Client) do(ctx context.Context, method, u string, body any, headers map[string]string, dest any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode body: %w", err)
		}
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("apikey", c.apiKey)
	if c.tokens != nil {
		if tok := c.tokens.Token(); tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &Error{Status: 0, Message: err.Error()}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &Error{Status: resp.StatusCode, Message: strings.TrimSpace(string(msg))}
	}
	if dest == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return &Error{Status: resp.StatusCode, Message: "decode response: " + err.Error()}
	}
	return nil
}

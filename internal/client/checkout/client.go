// Package checkout is the client of the CheckOut service, which owns the
// multi-user directory and the crowd-sourced check-in codes.
package checkout

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"autocheckin/internal/client"
)

const apiPrefix = "/api/autocheckin/"

// ErrForbidden is a 403 from CheckOut. Code lookups treat it as "no codes".
var ErrForbidden = errors.New("checkout: forbidden")

// ErrUnsuccessful is an envelope with success=false.
var ErrUnsuccessful = errors.New("checkout: unsuccessful response")

// User as listed by CheckOut.
type User struct {
	Email          string `json:"email"`
	CheckinToken   string `json:"checkintoken"`
	CodesURLSuffix string `json:"codes_url_suffix,omitempty"`
}

// Code is one candidate with the number of times it was reported.
type Code struct {
	Value Value `json:"checkinCode"`
	Count int   `json:"count"`
}

// Value decodes a code given either as a JSON string or number.
type Value string

func (v *Value) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*v = Value(strings.TrimSpace(s))
		return nil
	}
	if string(b) == "null" {
		*v = ""
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("checkinCode: %w", err)
	}
	*v = Value(n.String())
	return nil
}

type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type Client struct {
	base string
	key  string
	http *http.Client
}

func New(baseURL, apiKey string, timeout time.Duration) *Client {
	return NewWithHTTP(baseURL, apiKey, client.NewHTTP(timeout))
}

func NewWithHTTP(baseURL, apiKey string, hc *http.Client) *Client {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	base = strings.TrimSuffix(base, strings.TrimSuffix(apiPrefix, "/"))
	return &Client{base: base, key: apiKey, http: hc}
}

// get fetches path under the autocheckin prefix and decodes into out after
// checking the success envelope.
func (c *Client) get(ctx context.Context, path string, out any) error {
	op := "checkout " + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+apiPrefix+strings.TrimLeft(path, "/"), nil)
	if err != nil {
		return err
	}
	req.Header.Set("x-checkout-key", c.key)
	req.Header.Set("User-Agent", "AutoCheckin/1.0")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return client.Transport(op, err)
	}
	defer resp.Body.Close()
	body, err := client.ReadBody(resp, 0)
	if err != nil {
		return client.Transport(op, err)
	}
	if resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%s: %w", op, ErrForbidden)
	}
	if resp.StatusCode != http.StatusOK {
		return &client.StatusError{Op: op, Code: resp.StatusCode, Body: client.Snippet(body)}
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("%s: decode: %w", op, err)
	}
	if !env.Success {
		return fmt.Errorf("%s: %w: %s", op, ErrUnsuccessful, env.Message)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decode: %w", op, err)
	}
	return nil
}

// Test checks that CheckOut is reachable and accepts our key.
func (c *Client) Test(ctx context.Context) error {
	return c.get(ctx, "test", nil)
}

// Users lists every user enrolled for automatic check-in.
func (c *Client) Users(ctx context.Context) ([]User, error) {
	var out struct {
		Users []User `json:"autoCheckinUsers"`
	}
	if err := c.get(ctx, "users", &out); err != nil {
		return nil, err
	}
	return out.Users, nil
}

type sessionsPayload struct {
	SessionCount int `json:"sessionCount"`
	Sessions     []struct {
		Codes []Code `json:"codes"`
	} `json:"sessions"`
}

func (p sessionsPayload) flatten() []Code {
	var out []Code
	for _, s := range p.Sessions {
		for _, c := range s.Codes {
			if c.Value != "" {
				out = append(out, c)
			}
		}
	}
	return out
}

// Codes returns the candidates reported for suffix (e.g. "yrk/cs/2") in the
// order CheckOut lists them. A 403 yields no codes.
func (c *Client) Codes(ctx context.Context, suffix string) ([]Code, error) {
	var out sessionsPayload
	err := c.get(ctx, "codes/"+strings.Trim(suffix, "/"), &out)
	if errors.Is(err, ErrForbidden) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if out.SessionCount == 0 && len(out.Sessions) == 0 {
		return nil, nil
	}
	return out.flatten(), nil
}

// FetchURL reads codes from an arbitrary JSON endpoint (local mode).
// Accepted shapes: {"codes":[...]} and the CheckOut sessions payload.
// Codes from the plain list carry no count.
func FetchURL(ctx context.Context, hc *http.Client, rawURL string) ([]Code, error) {
	const op = "codes url"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := hc.Do(req)
	if err != nil {
		return nil, client.Transport(op, err)
	}
	defer resp.Body.Close()
	body, err := client.ReadBody(resp, 0)
	if err != nil {
		return nil, client.Transport(op, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &client.StatusError{Op: op, Code: resp.StatusCode, Body: client.Snippet(body)}
	}
	return ParseCodes(body)
}

// ParseCodes decodes either accepted codes payload.
func ParseCodes(body []byte) ([]Code, error) {
	var shape struct {
		Codes    []Value         `json:"codes"`
		Sessions json.RawMessage `json:"sessions"`
	}
	if err := json.Unmarshal(body, &shape); err != nil {
		return nil, fmt.Errorf("codes: decode: %w", err)
	}
	if shape.Codes != nil {
		out := make([]Code, 0, len(shape.Codes))
		for _, v := range shape.Codes {
			if v != "" {
				out = append(out, Code{Value: v})
			}
		}
		return out, nil
	}
	if len(shape.Sessions) > 0 {
		var p sessionsPayload
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, fmt.Errorf("codes: decode sessions: %w", err)
		}
		return p.flatten(), nil
	}
	return nil, errors.New("codes: unrecognised payload")
}

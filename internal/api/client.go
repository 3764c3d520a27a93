// Package api is the REST client for the chat endpoints of the marketplace
// backend: room list, room history, room creation and deletion.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

const defaultTimeout = 15 * time.Second

// ErrUnauthorized is returned when the backend rejects the bearer token.
var ErrUnauthorized = errors.New("api: unauthorized")

// ErrMalformed is returned when a response is not a JSON envelope.
var ErrMalformed = errors.New("api: malformed response")

// StatusError is returned for non-success HTTP responses.
type StatusError struct {
	Method string
	Path   string
	Code   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api: %s %s: status %d", e.Method, e.Path, e.Code)
}

// Client talks to the chat REST endpoints.
type Client struct {
	baseURL string
	http    *http.Client
}

// ClientOpts holds parameters for creating a Client.
type ClientOpts struct {
	BaseURL string             // e.g. https://market.example.com/api
	Tokens  oauth2.TokenSource // bearer token source, consulted per request
	// For testing: inject an HTTP client. Tokens is ignored when set.
	HTTPClient *http.Client
}

// New creates a Client.
func New(opts ClientOpts) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("api: base URL is required")
	}
	if opts.HTTPClient == nil && opts.Tokens == nil {
		return nil, fmt.Errorf("api: token source is required")
	}
	hc := opts.HTTPClient
	if hc == nil {
		// oauth2.Transport asks the source on every request, so a token
		// replaced by the auth flow is picked up without restarting.
		hc = &http.Client{
			Timeout:   defaultTimeout,
			Transport: &oauth2.Transport{Source: opts.Tokens, Base: http.DefaultTransport},
		}
	}
	return &Client{baseURL: strings.TrimRight(opts.BaseURL, "/"), http: hc}, nil
}

// envelope is the backend's response wrapper.
type envelope struct {
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body"`
}

// do sends a request and returns the envelope body. A nil body with a nil
// error means the response carried no usable body.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in any) (json.RawMessage, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reqBody io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("api: %s %s: encode: %w", method, path, err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("api: %s %s: read body: %w", method, path, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: %s %s: status %d", ErrUnauthorized, method, path, resp.StatusCode)
	case resp.StatusCode >= 300:
		return nil, &StatusError{Method: method, Path: path, Code: resp.StatusCode}
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrMalformed, method, path, err)
	}
	if len(env.Body) == 0 || bytes.Equal(env.Body, []byte("null")) {
		return nil, nil
	}
	return env.Body, nil
}

// Package fetch is an HTTP client for hyper:// URLs. Each client owns its own
// swarm peer context and answers requests in process through a bridge.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"latbench/bridge"
	"latbench/sdk"
)

var ErrUnsupportedScheme = errors.New("unsupported url scheme")

const Scheme = "hyper"

type Options struct {
	SwarmURL     string
	Alias        string
	ReadyTimeout time.Duration
}

type Client struct {
	sdk    *sdk.SDK
	bridge *bridge.Bridge
	http   *http.Client
}

func New(ctx context.Context, opts Options) (*Client, error) {
	s, err := sdk.New(ctx, sdk.Options{SwarmURL: opts.SwarmURL, Alias: opts.Alias})
	if err != nil {
		return nil, err
	}
	b := bridge.New(s, opts.ReadyTimeout)
	inner := bridge.NewTransport(b)
	return &Client{
		sdk:    s,
		bridge: b,
		http: &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
			if req.URL.Scheme != Scheme {
				return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, req.URL.Scheme)
			}
			return inner.RoundTrip(req)
		})},
	}, nil
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

// HTTPClient exposes the client for libraries that take an *http.Client.
func (c *Client) HTTPClient() *http.Client { return c.http }

func (c *Client) SDK() *sdk.SDK { return c.sdk }

func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.http.Do(req)
}

func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

func (c *Client) Post(ctx context.Context, url, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return c.Do(req)
}

// Close ends open streams and leaves the swarm.
func (c *Client) Close() error {
	c.bridge.Close()
	return c.sdk.Close()
}

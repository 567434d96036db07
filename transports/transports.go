// Package transports holds the four adapters the runner measures: a raw TCP
// socket pair, an extension channel between two swarm peers, the in-process
// hyper:// fetch bridge and a pair of local HTTP gateways.
package transports

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"latbench/config"
)

type Options struct {
	SwarmURL string
	// Resource is the name both endpoints meet on.
	Resource string
	// Channel is the extension name the probe travels on.
	Channel string
	// GracePeriod stands in for a readiness event on the bridge adapters.
	GracePeriod      time.Duration
	SelfCheckTimeout time.Duration
	ReadyTimeout     time.Duration
}

func OptionsFromConfig(cfg *config.Config, swarmURL string) Options {
	return Options{
		SwarmURL:         swarmURL,
		Resource:         cfg.Resource,
		Channel:          cfg.Channel,
		GracePeriod:      cfg.GracePeriod.Duration,
		SelfCheckTimeout: cfg.SelfCheckTimeout.Duration,
		ReadyTimeout:     cfg.Timeout.Duration,
	}
}

func (o Options) withDefaults() Options {
	if o.Resource == "" {
		o.Resource = "example"
	}
	if o.Channel == "" {
		o.Channel = "example"
	}
	if o.SelfCheckTimeout <= 0 {
		o.SelfCheckTimeout = 250 * time.Millisecond
	}
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = 5 * time.Second
	}
	return o
}

// StatusError is a non-2xx answer from a bridge or gateway.
type StatusError struct {
	URL    string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", e.URL, e.Status, e.Body)
}

const maxErrorBody = 4096

// checkResponse turns a non-2xx response into a *StatusError carrying the
// body. The body is left open on success.
func checkResponse(resp *http.Response, url string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{URL: url, Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

// request performs a plain request and returns the whole body.
func request(ctx context.Context, c *http.Client, method, url string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	if err := checkResponse(resp, url); err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// lookupAddress fetches a well-known record and returns its first line.
func lookupAddress(ctx context.Context, c *http.Client, url string) (string, error) {
	body, err := request(ctx, c, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("lookup: %w", err)
	}
	line, _, _ := strings.Cut(string(body), "\n")
	line = strings.TrimSpace(line)
	if line == "" {
		return "", errors.New("lookup: empty well-known record")
	}
	return line, nil
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

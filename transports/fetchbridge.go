package transports

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"latbench/bridge"
	"latbench/deferred"
	"latbench/fetch"

	"github.com/launchdarkly/eventsource"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// FetchBridge measures a POST through one fetch client arriving as a
// server-sent event on another.
type FetchBridge struct {
	opts Options

	c1, c2    *fetch.Client
	postURL   string
	listenURL string

	cancel context.CancelFunc
	stream *eventsource.Stream
	done   chan struct{}
}

func NewFetchBridge(opts Options) *FetchBridge {
	return &FetchBridge{opts: opts.withDefaults()}
}

func (f *FetchBridge) Name() string { return "fetch" }

func (f *FetchBridge) Setup(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c, err := fetch.New(gctx, fetch.Options{SwarmURL: f.opts.SwarmURL, ReadyTimeout: f.opts.ReadyTimeout})
		f.c1 = c
		return err
	})
	g.Go(func() error {
		c, err := fetch.New(gctx, fetch.Options{SwarmURL: f.opts.SwarmURL, ReadyTimeout: f.opts.ReadyTimeout})
		f.c2 = c
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	addr, err := lookupAddress(ctx, f.c1.HTTPClient(), fetch.Scheme+"://"+f.opts.Resource+bridge.WellKnownPath)
	if err != nil {
		return err
	}
	base := strings.TrimSuffix(addr, "/")
	f.postURL = base + bridge.ExtensionsPath + f.opts.Channel
	f.listenURL = base + bridge.ExtensionsPath

	for _, c := range []*fetch.Client{f.c1, f.c2} {
		if _, err := request(ctx, c.HTTPClient(), http.MethodGet, f.postURL, nil); err != nil {
			return fmt.Errorf("touch: %w", err)
		}
	}
	log.Debug().Str("url", f.postURL).Msg("fetch endpoints ready")
	return nil
}

// AwaitReady gives peer discovery the grace period; the bridge exposes no
// readiness event.
func (f *FetchBridge) AwaitReady(ctx context.Context) error {
	return sleep(ctx, f.opts.GracePeriod)
}

// Observe subscribes to the event stream through the second client. An event
// named after the channel resolves o; a stream error rejects it.
func (f *FetchBridge) Observe(ctx context.Context, o *deferred.Outcome[time.Time]) error {
	streamCtx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, f.listenURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	stream, err := eventsource.SubscribeWithRequestAndOptions(req,
		eventsource.StreamOptionHTTPClient(f.c2.HTTPClient()))
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", f.listenURL, err)
	}
	f.stream = stream
	f.done = make(chan struct{})
	go f.consume(stream, o)
	return nil
}

func (f *FetchBridge) consume(stream *eventsource.Stream, o *deferred.Outcome[time.Time]) {
	for {
		select {
		case ev, ok := <-stream.Events:
			if !ok {
				return
			}
			if ev.Event() == f.opts.Channel {
				o.Resolve(time.Now())
			}
		case err, ok := <-stream.Errors:
			if !ok {
				return
			}
			o.Reject(fmt.Errorf("event stream: %w", err))
		case <-f.done:
			return
		}
	}
}

func (f *FetchBridge) Send(ctx context.Context, payload []byte) error {
	resp, err := f.c1.Post(ctx, f.postURL, "text/plain; charset=utf-8", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	if err := checkResponse(resp, f.postURL); err != nil {
		return err
	}
	return resp.Body.Close()
}

func (f *FetchBridge) Teardown() error {
	if f.stream != nil {
		f.stream.Close()
		close(f.done)
	}
	if f.cancel != nil {
		f.cancel()
	}
	var errs []error
	for _, c := range []*fetch.Client{f.c1, f.c2} {
		if c != nil {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

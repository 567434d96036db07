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
	"latbench/gateway"
	"latbench/netutil"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var errStreamEnded = errors.New("event stream ended before any data")

// GatewayBridge measures a POST to one local gateway arriving on the event
// stream of another.
type GatewayBridge struct {
	opts Options
	http *http.Client

	g1, g2    *gateway.Gateway
	postURL   string
	listenURL string

	cancel   context.CancelFunc
	body     interface{ Close() error }
	consumed chan struct{}
}

func NewGatewayBridge(opts Options) *GatewayBridge {
	return &GatewayBridge{
		opts: opts.withDefaults(),
		http: &http.Client{},
	}
}

func (b *GatewayBridge) Name() string { return "gateway" }

func (b *GatewayBridge) Setup(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		gw, err := b.start(gctx)
		b.g1 = gw
		return err
	})
	g.Go(func() error {
		gw, err := b.start(gctx)
		b.g2 = gw
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	addr, err := lookupAddress(ctx, b.http, b.g1.URL()+"hyper/"+b.opts.Resource+bridge.WellKnownPath)
	if err != nil {
		return err
	}
	suffix := strings.TrimSuffix(strings.Replace(addr, "hyper://", "hyper/", 1), "/")
	b.postURL = b.g1.URL() + suffix + bridge.ExtensionsPath + b.opts.Channel
	b.listenURL = b.g2.URL() + suffix + bridge.ExtensionsPath

	for _, u := range []string{b.postURL, b.g2.URL() + suffix + bridge.ExtensionsPath + b.opts.Channel} {
		if _, err := request(ctx, b.http, http.MethodGet, u, nil); err != nil {
			return fmt.Errorf("touch: %w", err)
		}
	}
	log.Debug().Str("post", b.postURL).Str("listen", b.listenURL).Msg("gateway endpoints ready")
	return nil
}

func (b *GatewayBridge) start(ctx context.Context) (*gateway.Gateway, error) {
	port, err := netutil.FreePort()
	if err != nil {
		return nil, err
	}
	return gateway.New(ctx, gateway.Config{
		Host:         "127.0.0.1",
		Port:         port,
		SwarmURL:     b.opts.SwarmURL,
		Silent:       true,
		ReadyTimeout: b.opts.ReadyTimeout,
	})
}

func (b *GatewayBridge) AwaitReady(ctx context.Context) error {
	return sleep(ctx, b.opts.GracePeriod)
}

// Observe opens the event stream on the second gateway and reads its body as
// raw chunks. The first chunk resolves o.
func (b *GatewayBridge) Observe(ctx context.Context, o *deferred.Outcome[time.Time]) error {
	streamCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, b.listenURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := b.http.Do(req)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.listenURL, err)
	}
	if err := checkResponse(resp, b.listenURL); err != nil {
		return err
	}
	b.body = resp.Body
	b.consumed = make(chan struct{})

	go func() {
		defer close(b.consumed)
		seen := false
		for chunk, err := range Chunks(resp.Body, defaultChunkSize) {
			if err != nil {
				o.Reject(fmt.Errorf("event stream: %w", err))
				return
			}
			if !seen {
				seen = true
				log.Debug().Int("bytes", len(chunk)).Msg("gateway first chunk")
			}
			o.Resolve(time.Now())
		}
		if !seen {
			o.Reject(errStreamEnded)
		}
	}()
	return nil
}

func (b *GatewayBridge) Send(ctx context.Context, payload []byte) error {
	_, err := request(ctx, b.http, http.MethodPost, b.postURL, bytes.NewReader(payload))
	return err
}

func (b *GatewayBridge) Teardown() error {
	if b.cancel != nil {
		b.cancel()
	}
	if b.body != nil {
		b.body.Close()
		<-b.consumed
	}
	var errs []error
	for _, g := range []*gateway.Gateway{b.g1, b.g2} {
		if g != nil {
			errs = append(errs, g.Close())
		}
	}
	return errors.Join(errs...)
}

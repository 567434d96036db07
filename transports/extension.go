package transports

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"latbench/deferred"
	"latbench/sdk"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Extension measures an extension message between two swarm peer contexts
// sharing one resource.
type Extension struct {
	opts Options

	sdk1, sdk2 *sdk.SDK
	res1, res2 *sdk.Resource
	ext2       *sdk.Extension

	outcome atomic.Pointer[deferred.Outcome[time.Time]]
}

func NewExtension(opts Options) *Extension {
	return &Extension{opts: opts.withDefaults()}
}

func (e *Extension) Name() string { return "extension" }

// Setup creates both contexts, opens the resource fresh on the first and by
// key on the second, and registers the channel on each side.
func (e *Extension) Setup(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s, err := sdk.New(gctx, sdk.Options{SwarmURL: e.opts.SwarmURL})
		e.sdk1 = s
		return err
	})
	g.Go(func() error {
		s, err := sdk.New(gctx, sdk.Options{SwarmURL: e.opts.SwarmURL})
		e.sdk2 = s
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	var err error
	if e.res1, err = e.join(ctx, e.sdk1, e.opts.Resource); err != nil {
		return err
	}
	_, err = e.res1.RegisterExtension(e.opts.Channel, sdk.ExtensionOptions{
		Encoding: sdk.UTF8,
		OnMessage: func(msg any, peer string) {
			if o := e.outcome.Load(); o != nil {
				o.Resolve(time.Now())
			}
		},
	})
	if err != nil {
		return err
	}

	if e.res2, err = e.join(ctx, e.sdk2, e.res1.Key); err != nil {
		return err
	}
	e.ext2, err = e.res2.RegisterExtension(e.opts.Channel, sdk.ExtensionOptions{
		Encoding: sdk.UTF8,
		OnMessage: func(msg any, peer string) {
			log.Debug().Str("channel", e.opts.Channel).Msg("extension echo on sender")
		},
	})
	return err
}

func (e *Extension) join(ctx context.Context, s *sdk.SDK, ref string) (*sdk.Resource, error) {
	res, err := s.Open(ctx, ref)
	if err != nil {
		return nil, err
	}
	readyCtx, cancel := context.WithTimeout(ctx, e.opts.ReadyTimeout)
	defer cancel()
	if err := res.Ready(readyCtx); err != nil {
		return nil, fmt.Errorf("ready %s: %w", ref, err)
	}
	return res, nil
}

// AwaitReady returns once each side sees at least one connected peer.
func (e *Extension) AwaitReady(ctx context.Context) error {
	for _, res := range []*sdk.Resource{e.res1, e.res2} {
		if _, err := res.WaitPeer(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (e *Extension) Observe(ctx context.Context, o *deferred.Outcome[time.Time]) error {
	e.outcome.Store(o)
	return nil
}

func (e *Extension) Send(ctx context.Context, payload []byte) error {
	return e.ext2.Broadcast(string(payload))
}

// Teardown closes both contexts. Their resources and extensions go with them.
func (e *Extension) Teardown() error {
	var errs []error
	for _, s := range []*sdk.SDK{e.sdk1, e.sdk2} {
		if s != nil {
			errs = append(errs, s.Close())
		}
	}
	return errors.Join(errs...)
}

// Package bench drives one-way latency tests over pluggable transports: bring
// up two endpoints, wait until they can talk, start the clock, send a probe and
// race the first observation against a timeout. Teardown always runs.
package bench

import (
	"context"
	"errors"
	"time"

	"latbench/deferred"

	"github.com/rs/zerolog/log"
)

const DefaultTimeout = 5 * time.Second

// Transport is one pair of endpoints under test. Setup must leave the
// transport in a state Teardown can clean up even when it fails halfway.
type Transport interface {
	Name() string
	Setup(ctx context.Context) error
	AwaitReady(ctx context.Context) error
	// Observe registers the receiving side. The first observation resolves
	// o with the time it happened; a failure of the observation channel
	// rejects it.
	Observe(ctx context.Context, o *deferred.Outcome[time.Time]) error
	Send(ctx context.Context, payload []byte) error
	Teardown() error
}

// Verifier is implemented by transports that run a self-check after a
// successful measurement.
type Verifier interface {
	Verify(ctx context.Context, o *deferred.Outcome[time.Time]) error
}

type Measurement struct {
	Transport string
	Start     time.Time
	End       time.Time
}

func (m Measurement) Elapsed() time.Duration {
	return m.End.Sub(m.Start)
}

type Options struct {
	Payload []byte
	Timeout time.Duration
	Metrics *Metrics
}

type Runner struct {
	payload []byte
	timeout time.Duration
	metrics *Metrics
}

func NewRunner(opts Options) *Runner {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Runner{
		payload: opts.Payload,
		timeout: opts.Timeout,
		metrics: opts.Metrics,
	}
}

// Run tests each transport in order and stops at the first failure. The
// measurements taken before the failure are returned with it.
func (r *Runner) Run(ctx context.Context, transports ...Transport) ([]Measurement, error) {
	results := make([]Measurement, 0, len(transports))
	for _, t := range transports {
		m, err := r.RunOne(ctx, t)
		if err != nil {
			return results, err
		}
		results = append(results, m)
	}
	return results, nil
}

// RunOne performs a single test. The returned error, if any, is an *Error for
// the first step that failed, joined with any teardown error.
func (r *Runner) RunOne(ctx context.Context, t Transport) (m Measurement, err error) {
	name := t.Name()
	log.Info().Str("transport", name).Msg("start")

	defer func() {
		if terr := t.Teardown(); terr != nil {
			log.Warn().Err(terr).Str("transport", name).Msg("teardown")
			err = errors.Join(err, newError(KindTeardown, name, terr))
		}
		var be *Error
		if errors.As(err, &be) {
			r.metrics.fail(name, be.Kind)
			log.Error().Err(err).Str("transport", name).Msg("failed")
			return
		}
		log.Info().Str("transport", name).Dur("elapsed", m.Elapsed()).Msg("finish")
	}()

	if err := t.Setup(ctx); err != nil {
		return m, newError(KindSetup, name, err)
	}
	if err := t.AwaitReady(ctx); err != nil {
		return m, newError(KindConnect, name, err)
	}

	outcome := deferred.New[time.Time]()
	if err := t.Observe(ctx, outcome); err != nil {
		return m, newError(KindTransport, name, err)
	}
	timeout := deferred.ArmTimeout(outcome, r.timeout)
	defer timeout.Stop()

	start := time.Now()
	if err := t.Send(ctx, r.payload); err != nil {
		return m, newError(KindTransport, name, err)
	}

	end, err := outcome.Wait(ctx)
	if err != nil {
		if errors.Is(err, deferred.ErrTimedOut) {
			return m, newError(KindTimedOut, name, err)
		}
		return m, newError(KindTransport, name, err)
	}

	m = Measurement{Transport: name, Start: start, End: end}
	r.metrics.observe(name, m.Elapsed())

	if v, ok := t.(Verifier); ok {
		if err := v.Verify(ctx, outcome); err != nil {
			return m, newError(KindTransport, name, err)
		}
	}
	return m, nil
}

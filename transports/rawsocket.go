package transports

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"latbench/deferred"
	"latbench/netutil"

	"github.com/rs/zerolog/log"
)

// ErrUnexpectedData means the self-check observed data although nothing was
// sent.
var ErrUnexpectedData = errors.New("unexpected data during self-check")

type dialFunc func(ctx context.Context, addr string) (net.Conn, error)

// RawSocket measures a TCP listener and one client connection to it.
type RawSocket struct {
	selfCheck time.Duration
	dial      dialFunc

	ln       net.Listener
	dialDone chan struct{}
	dialErr  error
	client   net.Conn

	mu       sync.Mutex
	accepted []net.Conn
	outcome  *deferred.Outcome[time.Time]
}

func NewRawSocket(opts Options) *RawSocket {
	opts = opts.withDefaults()
	d := &net.Dialer{Timeout: opts.ReadyTimeout}
	return &RawSocket{
		selfCheck: opts.SelfCheckTimeout,
		dial: func(ctx context.Context, addr string) (net.Conn, error) {
			return d.DialContext(ctx, "tcp", addr)
		},
	}
}

func (r *RawSocket) Name() string { return "tcp" }

// Setup listens on a free loopback port and starts dialing it.
func (r *RawSocket) Setup(ctx context.Context) error {
	port, err := netutil.FreePort()
	if err != nil {
		return err
	}
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	r.ln = ln
	go r.acceptLoop()

	r.dialDone = make(chan struct{})
	go func() {
		defer close(r.dialDone)
		r.client, r.dialErr = r.dial(ctx, addr)
	}()
	return nil
}

func (r *RawSocket) acceptLoop() {
	for {
		conn, err := r.ln.Accept()
		if err != nil {
			return
		}
		r.mu.Lock()
		r.accepted = append(r.accepted, conn)
		r.mu.Unlock()
		go r.readLoop(conn)
	}
}

// readLoop resolves the current outcome on every data event. Only the first
// one per cycle counts.
func (r *RawSocket) readLoop(conn net.Conn) {
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			r.mu.Lock()
			o := r.outcome
			r.mu.Unlock()
			if o != nil {
				o.Resolve(time.Now())
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Debug().Err(err).Msg("tcp read")
			}
			return
		}
	}
}

// AwaitReady waits for the client connection to be established.
func (r *RawSocket) AwaitReady(ctx context.Context) error {
	select {
	case <-r.dialDone:
		return r.dialErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *RawSocket) Observe(ctx context.Context, o *deferred.Outcome[time.Time]) error {
	r.mu.Lock()
	r.outcome = o
	r.mu.Unlock()
	return nil
}

// Send writes the payload and half-closes the client's write side.
func (r *RawSocket) Send(ctx context.Context, payload []byte) error {
	if _, err := r.client.Write(payload); err != nil {
		return fmt.Errorf("tcp write: %w", err)
	}
	if cw, ok := r.client.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err != nil {
			return fmt.Errorf("tcp half-close: %w", err)
		}
	}
	return nil
}

// Verify runs a second wait cycle on the same connection pair without sending
// anything. It must end in ErrTimedOut; that exercises timeout re-arming on a
// reused outcome.
func (r *RawSocket) Verify(ctx context.Context, o *deferred.Outcome[time.Time]) error {
	if err := o.Reset(); err != nil {
		return err
	}
	t := deferred.ArmTimeout(o, r.selfCheck)
	defer t.Stop()

	_, err := o.Wait(ctx)
	switch {
	case errors.Is(err, deferred.ErrTimedOut):
		log.Debug().Dur("after", r.selfCheck).Msg("tcp self-check timed out as expected")
		return nil
	case err == nil:
		return ErrUnexpectedData
	default:
		return err
	}
}

// Teardown closes whatever Setup managed to open.
func (r *RawSocket) Teardown() error {
	var errs []error
	if r.ln != nil {
		if err := r.ln.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if r.dialDone != nil {
		<-r.dialDone
	}
	if r.client != nil {
		r.client.Close()
	}
	r.mu.Lock()
	for _, c := range r.accepted {
		c.Close()
	}
	r.accepted = nil
	r.mu.Unlock()
	return errors.Join(errs...)
}

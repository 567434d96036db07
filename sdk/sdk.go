// Package sdk is the client side of the swarm: a peer context that registers
// with a rendezvous node, opens resources by name or key and exchanges
// extension messages with the other peers of a resource.
package sdk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"latbench/protocol"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrClosed   = errors.New("sdk closed")
	ErrNotReady = errors.New("resource not ready")
	ErrRejected = errors.New("rejected by swarm")
)

const keyScheme = "hyper://"

type Options struct {
	// SwarmURL is the websocket endpoint of a rendezvous node.
	SwarmURL string
	// PublicKey identifies this context. A random one is generated when empty.
	PublicKey    string
	Alias        string
	PingInterval time.Duration
	WriteTimeout time.Duration
}

type SDK struct {
	opts        Options
	conn        *websocket.Conn
	publicKey   string
	fingerprint string
	alias       string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	resources map[string]*Resource
	closeOnce sync.Once
}

// New dials the rendezvous node and registers. It returns once the node has
// acknowledged the registration.
func New(ctx context.Context, opts Options) (*SDK, error) {
	if opts.SwarmURL == "" {
		return nil, errors.New("sdk: swarm url required")
	}
	if opts.PublicKey == "" {
		opts.PublicKey = uuid.NewString()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}

	conn, _, err := websocket.Dial(ctx, opts.SwarmURL, nil)
	if err != nil {
		return nil, fmt.Errorf("sdk dial %s: %w", opts.SwarmURL, err)
	}

	reg, _ := protocol.Encode(protocol.NewMessage(protocol.TypeRegister, "", protocol.RegisterPayload{
		PublicKey: opts.PublicKey,
		Alias:     opts.Alias,
	}))
	if err := conn.Write(ctx, websocket.MessageText, reg); err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("sdk register: %w", err)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("sdk register: %w", err)
	}
	msg, err := protocol.Decode(data)
	defer protocol.ReleaseMessage(msg)
	if err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("sdk register: %w", err)
	}
	if msg.Type != protocol.TypeRegistered {
		conn.CloseNow()
		return nil, fmt.Errorf("sdk register: %w: %s", ErrRejected, errorText(msg))
	}
	var rp protocol.RegisteredPayload
	if err := protocol.DecodePayload(msg, &rp); err != nil {
		conn.CloseNow()
		return nil, fmt.Errorf("sdk register: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &SDK{
		opts:        opts,
		conn:        conn,
		publicKey:   opts.PublicKey,
		fingerprint: rp.Fingerprint,
		alias:       rp.Alias,
		ctx:         runCtx,
		cancel:      cancel,
		done:        make(chan struct{}),
		resources:   make(map[string]*Resource),
	}
	go s.readLoop()
	go s.pingLoop()

	log.Debug().Str("peer", short(s.fingerprint)).Str("alias", s.alias).Msg("sdk registered")
	return s, nil
}

// ID is the peer id other members of a resource see for this context.
func (s *SDK) ID() string { return s.fingerprint }

func (s *SDK) Alias() string { return s.alias }

func (s *SDK) PublicKey() string { return s.publicKey }

// ResolveKey maps a resource reference to its discovery key. A 64 character
// hex string, optionally prefixed with hyper://, is already a key. Any other
// name derives a key owned by this context.
func (s *SDK) ResolveKey(ref string) (string, error) {
	ref = trimRef(ref)
	if ref == "" {
		return "", errors.New("sdk: empty resource reference")
	}
	if IsKey(ref) {
		return strings.ToLower(ref), nil
	}
	sum := sha256.Sum256([]byte(s.publicKey + ":" + ref))
	return hex.EncodeToString(sum[:]), nil
}

// IsKey reports whether ref is a 32 byte hex encoded key.
func IsKey(ref string) bool {
	if len(ref) != 64 {
		return false
	}
	_, err := hex.DecodeString(ref)
	return err == nil
}

// Open returns the resource for ref, reusing an already open one.
func (s *SDK) Open(ctx context.Context, ref string) (*Resource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	select {
	case <-s.done:
		return nil, ErrClosed
	default:
	}
	key, err := s.ResolveKey(ref)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.resources[key]; ok {
		return r, nil
	}
	name := ""
	if !IsKey(trimRef(ref)) {
		name = trimRef(ref)
	}
	r := newResource(s, key, name)
	s.resources[key] = r
	return r, nil
}

func (s *SDK) resource(key string) (*Resource, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.resources[key]
	return r, ok
}

func (s *SDK) forget(key string) {
	s.mu.Lock()
	delete(s.resources, key)
	s.mu.Unlock()
}

func (s *SDK) send(msg *protocol.Message) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.WriteTimeout)
	defer cancel()
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		if s.ctx.Err() != nil {
			return ErrClosed
		}
		return err
	}
	return nil
}

func (s *SDK) readLoop() {
	defer close(s.done)
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				log.Debug().Err(err).Str("peer", short(s.fingerprint)).Msg("sdk read")
			}
			return
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			protocol.ReleaseMessage(msg)
			continue
		}
		s.dispatch(msg)
		protocol.ReleaseMessage(msg)
	}
}

func (s *SDK) dispatch(msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypePong, protocol.TypePing:
		return
	case protocol.TypeError:
		log.Warn().Str("peer", short(s.fingerprint)).Str("error", errorText(msg)).Msg("swarm error")
		return
	}

	r, ok := s.resource(msg.Topic)
	if !ok {
		return
	}
	switch msg.Type {
	case protocol.TypePeerList:
		var pl protocol.PeerListPayload
		if err := protocol.DecodePayload(msg, &pl); err == nil {
			r.handlePeerList(pl.Peers)
		}
	case protocol.TypePeerJoined:
		if msg.From != s.fingerprint {
			r.handlePeerOpen(msg.From)
		}
	case protocol.TypePeerLeft:
		r.handlePeerRemove(msg.From)
	case protocol.TypeExtension:
		var ep protocol.ExtensionPayload
		if err := protocol.DecodePayload(msg, &ep); err == nil {
			r.handleExtension(ep.Name, msg.From, ep.Data)
		}
	}
}

func (s *SDK) pingLoop() {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(s.ctx, s.opts.WriteTimeout)
			err := s.conn.Ping(ctx)
			cancel()
			if err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// Done is closed when the link to the rendezvous node is gone.
func (s *SDK) Done() <-chan struct{} { return s.done }

// Close drops the link to the rendezvous node, which reports the departure
// to the other peers of every open resource.
func (s *SDK) Close() error {
	var err error
	s.closeOnce.Do(func() {
		select {
		case <-s.done:
			// node already went away
			s.cancel()
			s.conn.CloseNow()
		default:
			err = s.conn.Close(websocket.StatusNormalClosure, "")
			s.cancel()
			<-s.done
		}
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
			err = nil
		}
		s.mu.Lock()
		for _, r := range s.resources {
			r.markClosed()
		}
		s.mu.Unlock()
		log.Debug().Str("peer", short(s.fingerprint)).Msg("sdk closed")
	})
	return err
}

func trimRef(ref string) string {
	return strings.TrimSuffix(strings.TrimPrefix(ref, keyScheme), "/")
}

func errorText(msg *protocol.Message) string {
	var ep protocol.ErrorPayload
	if err := protocol.DecodePayload(msg, &ep); err != nil {
		return msg.Type
	}
	return fmt.Sprintf("%d %s", ep.Code, ep.Message)
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

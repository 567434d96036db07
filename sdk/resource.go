package sdk

import (
	"context"
	"slices"
	"sort"
	"sync"

	"latbench/protocol"

	"github.com/rs/zerolog/log"
)

type EventType string

const (
	EventPeerOpen   EventType = "peer-open"
	EventPeerRemove EventType = "peer-remove"
	EventMessage    EventType = "message"
)

// Event is delivered to resource subscribers. Extension and Data are only set
// for EventMessage.
type Event struct {
	Type      EventType
	Peer      string
	Extension string
	Data      []byte
}

// Resource is one discovery key joined through the swarm.
type Resource struct {
	sdk  *SDK
	Key  string
	Name string

	ready     chan struct{}
	readyOnce sync.Once
	closed    chan struct{}
	closeOnce sync.Once

	mu         sync.Mutex
	joined     bool
	peers      []string
	extensions map[string]*Extension
	subs       map[int]func(Event)
	nextSub    int
}

func newResource(s *SDK, key, name string) *Resource {
	return &Resource{
		sdk:        s,
		Key:        key,
		Name:       name,
		ready:      make(chan struct{}),
		closed:     make(chan struct{}),
		extensions: make(map[string]*Extension),
		subs:       make(map[int]func(Event)),
	}
}

// URL is the canonical hyper:// address of the resource.
func (r *Resource) URL() string {
	return keyScheme + r.Key
}

// Ready joins the resource's topic on first use and waits until the swarm has
// answered with the current member list.
func (r *Resource) Ready(ctx context.Context) error {
	r.mu.Lock()
	needJoin := !r.joined
	r.joined = true
	r.mu.Unlock()

	if needJoin {
		msg := protocol.NewMessage(protocol.TypeJoin, "", protocol.JoinPayload{Topic: r.Key})
		if err := r.sdk.send(msg); err != nil {
			r.mu.Lock()
			r.joined = false
			r.mu.Unlock()
			return err
		}
	}

	select {
	case <-r.ready:
		return nil
	case <-r.closed:
		return ErrClosed
	case <-r.sdk.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Resource) isReady() bool {
	select {
	case <-r.ready:
		return true
	default:
		return false
	}
}

// Peers lists the ids of the connected peers in the order they appeared. It
// is never nil.
func (r *Resource) Peers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append(make([]string, 0, len(r.peers)), r.peers...)
}

// WaitPeer returns a connected peer, waiting for one to open if none is
// connected yet.
func (r *Resource) WaitPeer(ctx context.Context) (string, error) {
	opened := make(chan string, 1)
	cancel := r.Subscribe(func(ev Event) {
		if ev.Type != EventPeerOpen {
			return
		}
		select {
		case opened <- ev.Peer:
		default:
		}
	})
	defer cancel()

	if peers := r.Peers(); len(peers) > 0 {
		return peers[0], nil
	}
	select {
	case id := <-opened:
		return id, nil
	case <-r.closed:
		return "", ErrClosed
	case <-r.sdk.done:
		return "", ErrClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Subscribe registers fn for peer and message events. Handlers run on the
// connection's read goroutine and must not block.
func (r *Resource) Subscribe(fn func(Event)) (cancel func()) {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = fn
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
		})
	}
}

func (r *Resource) emit(ev Event) {
	r.mu.Lock()
	handlers := make([]func(Event), 0, len(r.subs))
	for _, fn := range r.subs {
		handlers = append(handlers, fn)
	}
	r.mu.Unlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

// RegisterExtension enables the named extension on this resource. Registering
// a name twice returns the first registration.
func (r *Resource) RegisterExtension(name string, opts ExtensionOptions) (*Extension, error) {
	enc := opts.Encoding
	if enc == "" {
		enc = Binary
	}
	if !enc.valid() {
		return nil, ErrEncoding
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ext, ok := r.extensions[name]; ok {
		return ext, nil
	}
	ext := &Extension{
		res:       r,
		name:      name,
		encoding:  enc,
		onMessage: opts.OnMessage,
	}
	r.extensions[name] = ext
	return ext, nil
}

func (r *Resource) Extension(name string) (*Extension, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ext, ok := r.extensions[name]
	return ext, ok
}

// Extensions lists registered extension names, sorted.
func (r *Resource) Extensions() []string {
	r.mu.Lock()
	names := make([]string, 0, len(r.extensions))
	for name := range r.extensions {
		names = append(names, name)
	}
	r.mu.Unlock()
	sort.Strings(names)
	return names
}

func (r *Resource) unregister(name string) {
	r.mu.Lock()
	delete(r.extensions, name)
	r.mu.Unlock()
}

func (r *Resource) handlePeerList(list []protocol.PeerInfo) {
	var opened []string
	r.mu.Lock()
	for _, info := range list {
		if info.Fingerprint == r.sdk.fingerprint || slices.Contains(r.peers, info.Fingerprint) {
			continue
		}
		r.peers = append(r.peers, info.Fingerprint)
		opened = append(opened, info.Fingerprint)
	}
	r.mu.Unlock()

	r.readyOnce.Do(func() { close(r.ready) })
	for _, id := range opened {
		r.emit(Event{Type: EventPeerOpen, Peer: id})
	}
}

func (r *Resource) handlePeerOpen(id string) {
	r.mu.Lock()
	if slices.Contains(r.peers, id) {
		r.mu.Unlock()
		return
	}
	r.peers = append(r.peers, id)
	r.mu.Unlock()

	log.Debug().Str("resource", short(r.Key)).Str("remote", short(id)).Msg("peer open")
	r.emit(Event{Type: EventPeerOpen, Peer: id})
}

func (r *Resource) handlePeerRemove(id string) {
	r.mu.Lock()
	i := slices.Index(r.peers, id)
	if i < 0 {
		r.mu.Unlock()
		return
	}
	r.peers = slices.Delete(r.peers, i, i+1)
	r.mu.Unlock()

	log.Debug().Str("resource", short(r.Key)).Str("remote", short(id)).Msg("peer remove")
	r.emit(Event{Type: EventPeerRemove, Peer: id})
}

func (r *Resource) handleExtension(name, from string, data []byte) {
	ext, ok := r.Extension(name)
	if !ok {
		return
	}
	ext.deliver(from, data)
	r.emit(Event{Type: EventMessage, Peer: from, Extension: name, Data: data})
}

func (r *Resource) markClosed() {
	r.closeOnce.Do(func() { close(r.closed) })
}

// Close leaves the topic and forgets the resource. Its extensions stop
// receiving messages.
func (r *Resource) Close() error {
	r.mu.Lock()
	joined := r.joined
	r.mu.Unlock()

	r.markClosed()
	r.sdk.forget(r.Key)
	if !joined {
		return nil
	}
	err := r.sdk.send(protocol.NewMessage(protocol.TypeLeave, "", protocol.JoinPayload{Topic: r.Key}))
	if err == ErrClosed {
		return nil
	}
	return err
}

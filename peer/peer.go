package peer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"latbench/protocol"

	"github.com/coder/websocket"
)

var (
	ErrClosed     = errors.New("connection closed")
	ErrBufferFull = errors.New("send buffer full")
)

// Peer is the rendezvous node's side of one swarm member connection.
type Peer struct {
	Fingerprint string
	Alias       string
	Conn        *websocket.Conn
	Send        chan []byte
	Meta        map[string]interface{}
	ConnectedAt time.Time
	topics      map[string]time.Time
	lastPing    atomic.Int64
	mu          sync.RWMutex
	closed      atomic.Bool
	msgCount    atomic.Int64
	cancel      context.CancelFunc
}

func New(conn *websocket.Conn, sendBufSize int, cancel context.CancelFunc) *Peer {
	if sendBufSize <= 0 {
		sendBufSize = 32
	}
	p := &Peer{
		Conn:        conn,
		Send:        make(chan []byte, sendBufSize),
		Meta:        make(map[string]interface{}),
		ConnectedAt: time.Now(),
		topics:      make(map[string]time.Time),
		cancel:      cancel,
	}
	p.Touch()
	return p
}

func (p *Peer) JoinTopic(topic string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics[topic] = time.Now()
}

func (p *Peer) LeaveTopic(topic string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.topics, topic)
}

func (p *Peer) InTopic(topic string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.topics[topic]
	return ok
}

func (p *Peer) Topics() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.topics))
	for k := range p.topics {
		out = append(out, k)
	}
	return out
}

func (p *Peer) Info() protocol.PeerInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	meta := make(map[string]interface{}, len(p.Meta))
	for k, v := range p.Meta {
		meta[k] = v
	}
	return protocol.PeerInfo{
		Fingerprint: p.Fingerprint,
		Alias:       p.Alias,
		Meta:        meta,
	}
}

func (p *Peer) SendMessage(msg *protocol.Message) error {
	if p.closed.Load() {
		return ErrClosed
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return p.SendRaw(data)
}

func (p *Peer) SendRaw(data []byte) (err error) {
	if p.closed.Load() {
		return ErrClosed
	}

	// Close may race with a send on the channel
	defer func() {
		if r := recover(); r != nil {
			err = ErrClosed
		}
	}()

	select {
	case p.Send <- data:
		return nil
	default:
		return ErrBufferFull
	}
}

func (p *Peer) Close() {
	if p.closed.CompareAndSwap(false, true) {
		close(p.Send)
		if p.cancel != nil {
			p.cancel()
		}
		if p.Conn != nil {
			p.Conn.CloseNow()
		}
	}
}

func (p *Peer) IsClosed() bool {
	return p.closed.Load()
}

func (p *Peer) IncrementMsgCount() int64 {
	return p.msgCount.Add(1)
}

func (p *Peer) MsgCount() int64 {
	return p.msgCount.Load()
}

func (p *Peer) Touch() {
	p.lastPing.Store(time.Now().UnixNano())
}

func (p *Peer) LastPing() time.Time {
	return time.Unix(0, p.lastPing.Load())
}

func (p *Peer) UpdateMeta(meta map[string]interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for k, v := range meta {
		p.Meta[k] = v
	}
}

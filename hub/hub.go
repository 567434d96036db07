// Package hub routes swarm traffic on a rendezvous node: peer registration,
// topic membership and extension messages, with a broker linking nodes.
package hub

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"latbench/broker"
	"latbench/peer"
	"latbench/protocol"
	"latbench/topic"

	"github.com/rs/zerolog/log"
)

const (
	channelExtension = "extension"
	channelPresence  = "presence"
)

type Shard struct {
	peers map[string]*peer.Peer
	mu    sync.RWMutex
}

type Hub struct {
	shards    []*Shard
	topics    *topic.Manager
	broker    broker.Broker
	peerCount atomic.Int64
	maxPeers  int
	aliases   sync.Map
	done      chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
	nodeID    string
	closeOnce sync.Once
}

func New(shardCount, maxPeers int, b broker.Broker) *Hub {
	if shardCount <= 0 {
		shardCount = 16
	}
	shards := make([]*Shard, shardCount)
	for i := range shards {
		shards[i] = &Shard{peers: make(map[string]*peer.Peer)}
	}

	nodeBytes := make([]byte, 16)
	rand.Read(nodeBytes)

	ctx, cancel := context.WithCancel(context.Background())

	h := &Hub{
		shards:   shards,
		topics:   topic.NewManager(maxPeers),
		broker:   b,
		maxPeers: maxPeers,
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		nodeID:   hex.EncodeToString(nodeBytes),
	}

	if err := b.Subscribe(ctx, channelExtension, func(_ string, data []byte) {
		h.handleBrokerExtension(data)
	}); err != nil {
		log.Error().Err(err).Msg("broker subscribe extension")
	}
	if err := b.Subscribe(ctx, channelPresence, func(_ string, data []byte) {
		h.handleBrokerPresence(data)
	}); err != nil {
		log.Error().Err(err).Msg("broker subscribe presence")
	}

	go h.maintenance()
	return h
}

func (h *Hub) shardFor(fingerprint string) *Shard {
	f := fnv.New32a()
	f.Write([]byte(fingerprint))
	return h.shards[f.Sum32()%uint32(len(h.shards))]
}

// Register adds p, replacing an existing connection with the same
// fingerprint. It returns false when the node is full.
func (h *Hub) Register(p *peer.Peer) bool {
	shard := h.shardFor(p.Fingerprint)
	shard.mu.Lock()

	if existing, ok := shard.peers[p.Fingerprint]; ok {
		existing.Close()
		shard.peers[p.Fingerprint] = p
		shard.mu.Unlock()
		h.claimAlias(p)
		return true
	}

	if int(h.peerCount.Load()) >= h.maxPeers {
		shard.mu.Unlock()
		return false
	}

	shard.peers[p.Fingerprint] = p
	shard.mu.Unlock()
	h.peerCount.Add(1)

	h.claimAlias(p)
	return true
}

// claimAlias stores p's alias. When another peer holds it, p gets the alias
// suffixed with the start of its fingerprint, or no alias at all.
func (h *Hub) claimAlias(p *peer.Peer) {
	if p.Alias == "" || h.storeAlias(p.Alias, p.Fingerprint) {
		return
	}
	alt := p.Alias + "-" + p.Fingerprint[:min(6, len(p.Fingerprint))]
	if h.storeAlias(alt, p.Fingerprint) {
		p.Alias = alt
		return
	}
	p.Alias = ""
}

func (h *Hub) storeAlias(alias, fingerprint string) bool {
	existing, loaded := h.aliases.LoadOrStore(alias, fingerprint)
	if !loaded {
		return true
	}
	return existing.(string) == fingerprint
}

// Unregister removes p if it is still the registered connection for its
// fingerprint. A connection that was replaced by a newer one is only closed.
func (h *Hub) Unregister(p *peer.Peer) {
	fingerprint := p.Fingerprint
	shard := h.shardFor(fingerprint)
	shard.mu.Lock()
	current, ok := shard.peers[fingerprint]
	ok = ok && current == p
	if ok {
		delete(shard.peers, fingerprint)
	}
	shard.mu.Unlock()

	if !ok {
		p.Close()
		return
	}

	h.peerCount.Add(-1)
	for _, key := range p.Topics() {
		h.leaveTopic(p, key)
	}

	if p.Alias != "" {
		h.aliases.CompareAndDelete(p.Alias, fingerprint)
	}
	p.Close()
}

func (h *Hub) GetPeer(fingerprint string) (*peer.Peer, bool) {
	shard := h.shardFor(fingerprint)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	p, ok := shard.peers[fingerprint]
	return p, ok
}

func (h *Hub) ResolveAlias(alias string) (string, bool) {
	fp, ok := h.aliases.Load(alias)
	if ok {
		return fp.(string), true
	}
	return "", false
}

func (h *Hub) HandleMessage(p *peer.Peer, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		p.SendMessage(protocol.NewError(400, "invalid message"))
		protocol.ReleaseMessage(msg)
		return
	}
	msg.From = p.Fingerprint
	msg.Timestamp = time.Now().UnixMilli()

	switch msg.Type {
	case protocol.TypeJoin:
		h.handleJoin(p, msg)
	case protocol.TypeLeave:
		h.handleLeave(p, msg)
	case protocol.TypeExtension:
		h.handleExtension(p, msg)
	case protocol.TypePing:
		p.Touch()
		p.SendRaw(protocol.PongBytes)
	case protocol.TypePong:
		p.Touch()
	default:
		p.SendMessage(protocol.NewError(400, "unknown message type"))
	}

	protocol.ReleaseMessage(msg)
}

func (h *Hub) handleJoin(p *peer.Peer, msg *protocol.Message) {
	var payload protocol.JoinPayload
	if err := protocol.DecodePayload(msg, &payload); err != nil {
		p.SendMessage(protocol.NewError(400, "invalid join payload"))
		return
	}
	if payload.Topic == "" {
		p.SendMessage(protocol.NewError(400, "topic required"))
		return
	}

	t := h.topics.GetOrCreate(payload.Topic)
	if !t.Add(p) {
		p.SendMessage(protocol.NewError(429, "topic full"))
		return
	}
	p.JoinTopic(payload.Topic)

	notify := protocol.NewMessage(protocol.TypePeerJoined, p.Fingerprint, p.Info())
	notify.Topic = payload.Topic
	t.Broadcast(notify, p.Fingerprint)
	h.publishPresence(notify)

	resp := protocol.NewMessage(protocol.TypePeerList, "", protocol.PeerListPayload{
		Topic: payload.Topic,
		Peers: t.List(0, p.Fingerprint),
		Total: t.Count(),
	})
	resp.Topic = payload.Topic
	p.SendMessage(resp)
}

func (h *Hub) handleLeave(p *peer.Peer, msg *protocol.Message) {
	var payload protocol.JoinPayload
	if err := protocol.DecodePayload(msg, &payload); err != nil || payload.Topic == "" {
		p.SendMessage(protocol.NewError(400, "topic required"))
		return
	}
	h.leaveTopic(p, payload.Topic)
}

func (h *Hub) leaveTopic(p *peer.Peer, key string) {
	p.LeaveTopic(key)
	t, ok := h.topics.Get(key)
	if !ok || !t.Remove(p.Fingerprint) {
		return
	}
	notify := protocol.NewMessage(protocol.TypePeerLeft, p.Fingerprint, nil)
	notify.Topic = key
	t.Broadcast(notify, p.Fingerprint)
	h.publishPresence(notify)
	h.topics.RemoveIfEmpty(key)
}

// handleExtension forwards an extension message to every other member of the
// topic, or to the single member named in To.
func (h *Hub) handleExtension(p *peer.Peer, msg *protocol.Message) {
	t, ok := h.topics.Get(msg.Topic)
	if !ok || !t.Has(p.Fingerprint) {
		p.SendMessage(protocol.NewError(403, "not in topic"))
		return
	}

	if msg.To != "" {
		if fp, ok := h.ResolveAlias(msg.To); ok {
			msg.To = fp
		}
		if target, ok := t.Get(msg.To); ok {
			target.SendMessage(msg)
			return
		}
	} else {
		data, err := protocol.Encode(msg)
		if err != nil {
			return
		}
		t.BroadcastRaw(data, p.Fingerprint)
	}

	// cross-node: stamp nodeID and publish
	msg.NodeID = h.nodeID
	data, err := protocol.Encode(msg)
	if err != nil {
		return
	}
	if err := h.broker.Publish(h.ctx, channelExtension, data); err != nil && h.ctx.Err() == nil {
		log.Warn().Err(err).Msg("broker publish extension")
	}
}

func (h *Hub) publishPresence(notify *protocol.Message) {
	notify.NodeID = h.nodeID
	data, err := protocol.Encode(notify)
	notify.NodeID = ""
	if err != nil {
		return
	}
	if err := h.broker.Publish(h.ctx, channelPresence, data); err != nil && h.ctx.Err() == nil {
		log.Warn().Err(err).Msg("broker publish presence")
	}
}

func (h *Hub) handleBrokerExtension(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		protocol.ReleaseMessage(msg)
		return
	}
	defer protocol.ReleaseMessage(msg)

	if msg.NodeID == h.nodeID {
		return
	}
	t, ok := h.topics.Get(msg.Topic)
	if !ok {
		return
	}

	msg.NodeID = ""
	if msg.To != "" {
		if target, ok := t.Get(msg.To); ok {
			target.SendMessage(msg)
		}
		return
	}
	raw, err := protocol.Encode(msg)
	if err != nil {
		return
	}
	t.BroadcastRaw(raw, msg.From)
}

func (h *Hub) handleBrokerPresence(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		protocol.ReleaseMessage(msg)
		return
	}
	defer protocol.ReleaseMessage(msg)

	if msg.NodeID == h.nodeID {
		return
	}
	t, ok := h.topics.Get(msg.Topic)
	if !ok {
		return
	}
	msg.NodeID = ""
	if msg.To != "" {
		if target, ok := t.Get(msg.To); ok {
			target.SendMessage(msg)
		}
		return
	}
	t.Broadcast(msg, msg.From)
	if msg.Type == protocol.TypePeerJoined {
		h.announceTo(t, msg.From)
	}
}

// announceTo tells a peer that joined on another node about the members of t
// on this one. Its own peer_list only covers its node.
func (h *Hub) announceTo(t *topic.Topic, joiner string) {
	for _, info := range t.List(0, joiner) {
		reply := protocol.NewMessage(protocol.TypePeerJoined, info.Fingerprint, info)
		reply.Topic = t.Key
		reply.To = joiner
		h.publishPresence(reply)
	}
}

func (h *Hub) PeerCount() int64 {
	return h.peerCount.Load()
}

func (h *Hub) TopicCount() int {
	return h.topics.Len()
}

func (h *Hub) TopicStats() map[string]int {
	return h.topics.Stats()
}

func (h *Hub) NodeID() string {
	return h.nodeID
}

func (h *Hub) maintenance() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := h.topics.Cleanup(); n > 0 {
				log.Debug().Int("removed", n).Msg("topic cleanup")
			}
		case <-h.done:
			return
		}
	}
}

func (h *Hub) Shutdown() {
	h.closeOnce.Do(func() {
		close(h.done)
		h.cancel()
		for _, shard := range h.shards {
			shard.mu.Lock()
			for _, p := range shard.peers {
				p.Close()
			}
			shard.mu.Unlock()
		}
		if err := h.broker.Close(); err != nil {
			log.Error().Err(err).Msg("broker close")
		}
	})
}

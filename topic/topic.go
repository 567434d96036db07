// Package topic tracks which swarm peers have joined the discovery key of a
// resource.
package topic

import (
	"sort"
	"sync"

	"latbench/peer"
	"latbench/protocol"
)

type Topic struct {
	Key     string
	peers   map[string]*peer.Peer
	mu      sync.RWMutex
	maxSize int
}

func New(key string, maxSize int) *Topic {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &Topic{
		Key:     key,
		peers:   make(map[string]*peer.Peer),
		maxSize: maxSize,
	}
}

func (t *Topic) Add(p *peer.Peer) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.peers[p.Fingerprint]; ok {
		t.peers[p.Fingerprint] = p
		return true
	}
	if len(t.peers) >= t.maxSize {
		return false
	}
	t.peers[p.Fingerprint] = p
	return true
}

func (t *Topic) Remove(fingerprint string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.peers[fingerprint]
	delete(t.peers, fingerprint)
	return ok
}

func (t *Topic) Get(fingerprint string) (*peer.Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[fingerprint]
	return p, ok
}

func (t *Topic) Has(fingerprint string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.peers[fingerprint]
	return ok
}

func (t *Topic) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

func (t *Topic) MaxSize() int {
	return t.maxSize
}

// List returns up to limit peers other than exclude, ordered by fingerprint.
func (t *Topic) List(limit int, exclude string) []protocol.PeerInfo {
	peers := t.Snapshot()
	sort.Slice(peers, func(i, j int) bool { return peers[i].Fingerprint < peers[j].Fingerprint })
	out := make([]protocol.PeerInfo, 0, len(peers))
	for _, p := range peers {
		if p.Fingerprint == exclude {
			continue
		}
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, p.Info())
	}
	return out
}

// Snapshot returns the non-closed peers at the time of the call.
func (t *Topic) Snapshot() []*peer.Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()
	peers := make([]*peer.Peer, 0, len(t.peers))
	for _, p := range t.peers {
		if !p.IsClosed() {
			peers = append(peers, p)
		}
	}
	return peers
}

// BroadcastRaw sends pre-encoded bytes to every live peer except exclude and
// reports how many sends were queued.
func (t *Topic) BroadcastRaw(data []byte, exclude string) int {
	sent := 0
	for _, p := range t.Snapshot() {
		if p.Fingerprint == exclude {
			continue
		}
		if p.SendRaw(data) == nil {
			sent++
		}
	}
	return sent
}

func (t *Topic) Broadcast(msg *protocol.Message, exclude string) int {
	data, err := protocol.Encode(msg)
	if err != nil {
		return 0
	}
	return t.BroadcastRaw(data, exclude)
}

func (t *Topic) IsEmpty() bool {
	return t.Count() == 0
}

type Manager struct {
	topics  map[string]*Topic
	mu      sync.RWMutex
	maxSize int
}

func NewManager(maxTopicSize int) *Manager {
	return &Manager{
		topics:  make(map[string]*Topic),
		maxSize: maxTopicSize,
	}
}

func (m *Manager) GetOrCreate(key string) *Topic {
	m.mu.RLock()
	t, ok := m.topics[key]
	m.mu.RUnlock()
	if ok {
		return t
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok = m.topics[key]; ok {
		return t
	}
	t = New(key, m.maxSize)
	m.topics[key] = t
	return t
}

func (m *Manager) Get(key string) (*Topic, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.topics[key]
	return t, ok
}

func (m *Manager) RemoveIfEmpty(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.topics[key]
	if !ok || !t.IsEmpty() {
		return false
	}
	delete(m.topics, key)
	return true
}

func (m *Manager) Cleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key, t := range m.topics {
		if t.IsEmpty() {
			delete(m.topics, key)
			removed++
		}
	}
	return removed
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.topics)
}

func (m *Manager) Stats() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stats := make(map[string]int, len(m.topics))
	for key, t := range m.topics {
		stats[key] = t.Count()
	}
	return stats
}

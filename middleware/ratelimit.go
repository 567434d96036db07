package middleware

import (
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type rateShard struct {
	clients map[string]*client
	mu      sync.Mutex
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per swarm peer, sharded by fingerprint.
type RateLimiter struct {
	shards  []*rateShard
	limit   rate.Limit
	burst   int
	idle    time.Duration
	cleanup *time.Ticker
	done    chan struct{}
	once    sync.Once
}

func NewRateLimiter(ratePerSec, burst, shardCount int) *RateLimiter {
	if shardCount <= 0 {
		shardCount = 16
	}
	limit := rate.Limit(ratePerSec)
	if ratePerSec <= 0 {
		limit = rate.Inf
	}
	shards := make([]*rateShard, shardCount)
	for i := range shards {
		shards[i] = &rateShard{clients: make(map[string]*client)}
	}
	rl := &RateLimiter{
		shards:  shards,
		limit:   limit,
		burst:   burst,
		idle:    10 * time.Minute,
		cleanup: time.NewTicker(time.Minute),
		done:    make(chan struct{}),
	}
	go rl.cleanupLoop()
	return rl
}

func (rl *RateLimiter) shardFor(id string) *rateShard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return rl.shards[h.Sum32()%uint32(len(rl.shards))]
}

func (rl *RateLimiter) Allow(id string) bool {
	shard := rl.shardFor(id)
	shard.mu.Lock()
	c, ok := shard.clients[id]
	if !ok {
		c = &client{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		shard.clients[id] = c
	}
	c.lastSeen = time.Now()
	shard.mu.Unlock()
	return c.limiter.Allow()
}

func (rl *RateLimiter) Remove(id string) {
	shard := rl.shardFor(id)
	shard.mu.Lock()
	defer shard.mu.Unlock()
	delete(shard.clients, id)
}

func (rl *RateLimiter) Len() int {
	n := 0
	for _, shard := range rl.shards {
		shard.mu.Lock()
		n += len(shard.clients)
		shard.mu.Unlock()
	}
	return n
}

func (rl *RateLimiter) evictIdle(now time.Time) {
	cutoff := now.Add(-rl.idle)
	for _, shard := range rl.shards {
		shard.mu.Lock()
		for id, c := range shard.clients {
			if c.lastSeen.Before(cutoff) {
				delete(shard.clients, id)
			}
		}
		shard.mu.Unlock()
	}
}

func (rl *RateLimiter) cleanupLoop() {
	for {
		select {
		case now := <-rl.cleanup.C:
			rl.evictIdle(now)
		case <-rl.done:
			return
		}
	}
}

func (rl *RateLimiter) Close() {
	rl.once.Do(func() {
		rl.cleanup.Stop()
		close(rl.done)
	})
}

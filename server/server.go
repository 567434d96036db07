// Package server exposes a swarm rendezvous node over HTTP: the websocket
// endpoint peers register on, plus health, stats and prometheus metrics.
package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"latbench/broker"
	"latbench/config"
	"latbench/hub"
	"latbench/middleware"
	"latbench/peer"
	"latbench/protocol"

	"github.com/coder/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Server struct {
	cfg     *config.Config
	hub     *hub.Hub
	limiter *middleware.RateLimiter
	metrics *metrics
	gather  prometheus.Gatherer

	mu       sync.Mutex
	listener net.Listener
	httpSrv  *http.Server
	closed   bool
}

type metrics struct {
	connections *prometheus.CounterVec
	frames      prometheus.Counter
	rateLimited prometheus.Counter
}

func newMetrics(reg prometheus.Registerer, h *hub.Hub) *metrics {
	m := &metrics{
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "latbench",
			Subsystem: "swarm",
			Name:      "connections_total",
			Help:      "Websocket registrations by result.",
		}, []string{"result"}),
		frames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "latbench",
			Subsystem: "swarm",
			Name:      "frames_total",
			Help:      "Frames read from registered peers.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "latbench",
			Subsystem: "swarm",
			Name:      "rate_limited_total",
			Help:      "Frames dropped by the per-peer rate limiter.",
		}),
	}
	reg.MustRegister(
		m.connections,
		m.frames,
		m.rateLimited,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "latbench",
			Subsystem: "swarm",
			Name:      "peers",
			Help:      "Registered peers.",
		}, func() float64 { return float64(h.PeerCount()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "latbench",
			Subsystem: "swarm",
			Name:      "topics",
			Help:      "Topics with at least one member.",
		}, func() float64 { return float64(h.TopicCount()) }),
	)
	return m
}

// New builds a node around h. A nil reg gets a private registry so several
// nodes can live in one process.
func New(cfg *config.Config, h *hub.Hub, reg *prometheus.Registry) *Server {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &Server{
		cfg:     cfg,
		hub:     h,
		limiter: middleware.NewRateLimiter(cfg.RateLimitPerSec, cfg.RateLimitBurst, cfg.RateLimitShards),
		metrics: newMetrics(reg, h),
		gather:  reg,
	}
}

// Embedded builds the broker, hub and server described by cfg and starts
// serving in the background.
func Embedded(cfg *config.Config) (*Server, error) {
	b, err := broker.New(cfg)
	if err != nil {
		return nil, err
	}
	s := New(cfg, hub.New(cfg.ShardCount, cfg.MaxPeers, b), nil)
	if err := s.Listen(); err != nil {
		s.hub.Shutdown()
		return nil, err
	}
	go func() {
		if err := s.Serve(); err != nil {
			log.Error().Err(err).Msg("swarm serve")
		}
	}()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/stats", s.handleStats)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gather, promhttp.HandlerOpts{}))
	return mux
}

// Listen binds the configured address. Port 0 picks a free port.
func (s *Server) Listen() error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("swarm listen %s: %w", addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadTimeout.Duration,
	}
	s.mu.Unlock()
	return nil
}

// Serve blocks until the node is shut down. Listen must have been called.
func (s *Server) Serve() error {
	s.mu.Lock()
	ln, srv := s.listener, s.httpSrv
	s.mu.Unlock()
	if ln == nil {
		return errors.New("swarm: not listening")
	}
	log.Info().Str("addr", ln.Addr().String()).Str("node", s.hub.NodeID()[:8]).Msg("swarm node starting")
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// URL is the websocket address SDK contexts dial.
func (s *Server) URL() string {
	return "ws://" + s.Addr() + "/ws"
}

func (s *Server) Hub() *hub.Hub {
	return s.hub
}

func (s *Server) compressionMode() websocket.CompressionMode {
	if s.cfg.CompressionEnabled {
		return websocket.CompressionContextTakeover
	}
	return websocket.CompressionDisabled
}

func (s *Server) reject(ctx context.Context, conn *websocket.Conn, code int, message string, status websocket.StatusCode) {
	s.metrics.connections.WithLabelValues("rejected").Inc()
	errMsg, _ := protocol.Encode(protocol.NewError(code, message))
	conn.Write(ctx, websocket.MessageText, errMsg)
	conn.Close(status, message)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
		CompressionMode:    s.compressionMode(),
	})
	if err != nil {
		log.Warn().Err(err).Msg("accept")
		return
	}
	conn.SetReadLimit(s.cfg.MaxMessageSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	p := peer.New(conn, s.cfg.SendBufferSize, cancel)

	readCtx, readCancel := context.WithTimeout(ctx, s.cfg.PongWait.Duration)
	_, regData, err := conn.Read(readCtx)
	readCancel()
	if err != nil {
		s.metrics.connections.WithLabelValues("timeout").Inc()
		conn.Close(websocket.StatusPolicyViolation, "registration timeout")
		return
	}

	msg, err := protocol.Decode(regData)
	if err != nil || msg.Type != protocol.TypeRegister {
		protocol.ReleaseMessage(msg)
		s.reject(ctx, conn, 400, "first message must be register", websocket.StatusPolicyViolation)
		return
	}

	var reg protocol.RegisterPayload
	if err := protocol.DecodePayload(msg, &reg); err != nil || reg.PublicKey == "" {
		protocol.ReleaseMessage(msg)
		s.reject(ctx, conn, 400, "public_key required", websocket.StatusPolicyViolation)
		return
	}
	protocol.ReleaseMessage(msg)

	fingerprint := Fingerprint(reg.PublicKey)
	alias := reg.Alias
	if alias == "" {
		alias = generateAlias(fingerprint)
	}
	p.Fingerprint = fingerprint
	p.Alias = alias
	if reg.Meta != nil {
		p.UpdateMeta(reg.Meta)
	}

	if !s.hub.Register(p) {
		s.reject(ctx, conn, 503, "server full", websocket.StatusTryAgainLater)
		return
	}
	s.metrics.connections.WithLabelValues("registered").Inc()
	// the hub may have changed a taken alias
	alias = p.Alias
	log.Debug().Str("peer", fingerprint[:8]).Str("alias", alias).Msg("peer registered")

	data, _ := protocol.Encode(protocol.NewMessage(protocol.TypeRegistered, fingerprint, protocol.RegisteredPayload{
		Fingerprint: fingerprint,
		Alias:       alias,
	}))
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		s.hub.Unregister(p)
		return
	}

	go s.writePump(ctx, p)
	s.readPump(ctx, p)
}

func isExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return true
	}
	status := websocket.CloseStatus(err)
	if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "use of closed")
}

func (s *Server) readPump(ctx context.Context, p *peer.Peer) {
	defer func() {
		s.limiter.Remove(p.Fingerprint)
		s.hub.Unregister(p)
		log.Debug().Str("peer", p.Fingerprint[:8]).Int64("frames", p.MsgCount()).Msg("peer gone")
	}()

	for {
		_, data, err := p.Conn.Read(ctx)
		if err != nil {
			if !isExpectedCloseError(err) && ctx.Err() == nil {
				log.Warn().Err(err).Str("peer", p.Fingerprint[:8]).Msg("read")
			}
			return
		}

		if !s.limiter.Allow(p.Fingerprint) {
			s.metrics.rateLimited.Inc()
			p.SendRaw(protocol.RateLimitBytes)
			continue
		}

		s.metrics.frames.Inc()
		p.IncrementMsgCount()
		s.hub.HandleMessage(p, data)
	}
}

func (s *Server) write(ctx context.Context, p *peer.Peer, data []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout.Duration)
	defer cancel()
	return p.Conn.Write(writeCtx, websocket.MessageText, data)
}

func (s *Server) writePump(ctx context.Context, p *peer.Peer) {
	ticker := time.NewTicker(s.cfg.PingInterval.Duration)
	defer func() {
		ticker.Stop()
		p.Conn.CloseNow()
	}()

	for {
		select {
		case data, ok := <-p.Send:
			if !ok {
				p.Conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := s.write(ctx, p, data); err != nil {
				return
			}

			// batch drain
			n := len(p.Send)
			for i := 0; i < n; i++ {
				extra, ok := <-p.Send
				if !ok {
					p.Conn.Close(websocket.StatusNormalClosure, "")
					return
				}
				if err := s.write(ctx, p, extra); err != nil {
					return
				}
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout.Duration)
			err := p.Conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    "ok",
		"peers":     s.hub.PeerCount(),
		"max_peers": s.cfg.MaxPeers,
		"node":      s.hub.NodeID(),
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"total_peers": s.hub.PeerCount(),
		"max_peers":   s.cfg.MaxPeers,
		"topics":      s.hub.TopicStats(),
		"shards":      s.cfg.ShardCount,
		"limited_ids": s.limiter.Len(),
	})
}

// Shutdown stops accepting connections, closes every peer and the broker.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	srv := s.httpSrv
	s.mu.Unlock()

	s.limiter.Close()
	// hijacked websocket connections are not tracked by http.Server
	s.hub.Shutdown()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Fingerprint is the peer id the node assigns to a public key.
func Fingerprint(publicKey string) string {
	hash := sha256.Sum256([]byte(publicKey))
	return hex.EncodeToString(hash[:])
}

var adjectives = []string{
	"brave", "calm", "dark", "eager", "fair", "gold", "happy", "iron",
	"jade", "keen", "live", "mild", "neat", "open", "pale", "quick",
	"rare", "safe", "tall", "warm", "wise", "bold", "cool", "deep",
	"fast", "grim", "high", "just", "kind", "loud", "next", "pure",
	"rich", "soft", "thin", "vast", "wild", "blue", "cyan", "grey",
}

var nouns = []string{
	"fox", "owl", "cat", "elk", "bat", "ray", "ant", "bee",
	"cod", "doe", "eel", "fly", "gnu", "hen", "jay", "kit",
	"lark", "moth", "newt", "orca", "puma", "ram", "seal", "toad",
	"vole", "wasp", "yak", "wolf", "bear", "crow", "dove", "frog",
	"goat", "hawk", "ibis", "kite", "lynx", "mole", "pike", "swan",
}

// generateAlias derives a stable, readable alias from a fingerprint.
func generateAlias(fingerprint string) string {
	hash := sha256.Sum256([]byte(fingerprint))
	var seed int64
	for _, b := range hash[:8] {
		seed = seed<<8 | int64(b)
	}
	r := rand.New(rand.NewSource(seed))
	adj := adjectives[r.Intn(len(adjectives))]
	noun := nouns[r.Intn(len(nouns))]
	return fmt.Sprintf("%s-%s-%02d", adj, noun, int(hash[8])%99+1)
}

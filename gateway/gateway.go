// Package gateway runs a local HTTP server that exposes hyper:// resources
// under /hyper/<host>/<path>.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"latbench/bridge"
	"latbench/sdk"

	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const Prefix = "/hyper/"

type Config struct {
	Host     string
	Port     int
	SwarmURL string
	// Silent disables per-request logging.
	Silent          bool
	ReadyTimeout    time.Duration
	ShutdownTimeout time.Duration
}

type Gateway struct {
	cfg      Config
	sdk      *sdk.SDK
	bridge   *bridge.Bridge
	srv      *http.Server
	listener net.Listener
	served   chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// New joins the swarm and starts serving. The gateway is accepting
// connections when New returns.
func New(ctx context.Context, cfg Config) (*Gateway, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	s, err := sdk.New(ctx, sdk.Options{SwarmURL: cfg.SwarmURL})
	if err != nil {
		return nil, err
	}

	addr := net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("gateway listen %s: %w", addr, err)
	}

	g := &Gateway{
		cfg:      cfg,
		sdk:      s,
		bridge:   bridge.New(s, cfg.ReadyTimeout),
		listener: ln,
		served:   make(chan struct{}),
	}
	g.srv = &http.Server{
		Handler:           g.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		defer close(g.served)
		if err := g.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("gateway serve")
		}
	}()

	log.Info().Str("addr", ln.Addr().String()).Msg("gateway listening")
	return g, nil
}

func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc(Prefix+"{host}", g.handleHyper)
	mux.HandleFunc(Prefix+"{host}/{path...}", g.handleHyper)
	if g.cfg.Silent {
		return mux
	}
	return logRequests(mux)
}

// handleHyper rewrites /hyper/<host>/<path> to hyper://<host>/<path> and
// hands it to the bridge.
func (g *Gateway) handleHyper(w http.ResponseWriter, r *http.Request) {
	host := r.PathValue("host")
	inner := r.Clone(r.Context())
	inner.URL = &url.URL{
		Scheme:   "hyper",
		Host:     host,
		Path:     "/" + r.PathValue("path"),
		RawQuery: r.URL.RawQuery,
	}
	inner.Host = host
	inner.RequestURI = ""
	g.bridge.ServeHTTP(w, inner)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status": "ok",
		"peer":   g.sdk.ID(),
		"alias":  g.sdk.Alias(),
	})
}

func (g *Gateway) Addr() string {
	return g.listener.Addr().String()
}

// URL is the gateway's base address, ending in a slash.
func (g *Gateway) URL() string {
	return "http://" + g.Addr() + "/"
}

// Close ends open event streams, stops the HTTP server and leaves the swarm.
func (g *Gateway) Close() error {
	g.closeOnce.Do(func() {
		g.bridge.Close()

		ctx, cancel := context.WithTimeout(context.Background(), g.cfg.ShutdownTimeout)
		defer cancel()
		err := g.srv.Shutdown(ctx)
		<-g.served

		g.closeErr = errors.Join(err, g.sdk.Close())
	})
	return g.closeErr
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("took", time.Since(start)).
			Msg("gateway request")
	})
}

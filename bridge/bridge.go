// Package bridge serves swarm resources over HTTP semantics: well-known key
// lookup, extension registration and sending, and a server-sent event stream
// of extension traffic. The request host names the resource.
package bridge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"latbench/sdk"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog/log"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	WellKnownPath  = "/.well-known/hyper"
	ExtensionsPath = "/$/extensions/"
	PeerHeader     = "X-Extension-Peer"

	maxBodySize = 1 << 20
	eventBuffer = 64
)

type Bridge struct {
	sdk          *sdk.SDK
	readyTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wraps s. readyTimeout bounds how long a request waits for its resource
// to join the swarm; zero means ten seconds.
func New(s *sdk.SDK, readyTimeout time.Duration) *Bridge {
	if readyTimeout <= 0 {
		readyTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		sdk:          s,
		readyTimeout: readyTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
}

func (b *Bridge) SDK() *sdk.SDK { return b.sdk }

// Close ends every open event stream and waits for them to finish.
func (b *Bridge) Close() {
	b.cancel()
	b.wg.Wait()
}

func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host := r.URL.Host
	if host == "" {
		host = r.Host
	}
	if host == "" {
		http.Error(w, "resource host required", http.StatusBadRequest)
		return
	}

	res, err := b.resource(r.Context(), host)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		http.Error(w, err.Error(), status)
		return
	}

	path := r.URL.Path
	switch {
	case path == WellKnownPath:
		b.handleWellKnown(w, r, res)
	case path == ExtensionsPath || path == strings.TrimSuffix(ExtensionsPath, "/"):
		if r.Method != http.MethodGet {
			methodNotAllowed(w, http.MethodGet)
			return
		}
		if acceptsEventStream(r) {
			b.handleEvents(w, r, res)
			return
		}
		writeJSON(w, http.StatusOK, res.Extensions())
	case strings.HasPrefix(path, ExtensionsPath):
		b.handleExtension(w, r, res, strings.TrimPrefix(path, ExtensionsPath))
	default:
		http.NotFound(w, r)
	}
}

func (b *Bridge) resource(ctx context.Context, host string) (*sdk.Resource, error) {
	res, err := b.sdk.Open(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", host, err)
	}
	readyCtx, cancel := context.WithTimeout(ctx, b.readyTimeout)
	defer cancel()
	if err := res.Ready(readyCtx); err != nil {
		return nil, fmt.Errorf("join %s: %w", host, err)
	}
	return res, nil
}

func (b *Bridge) handleWellKnown(w http.ResponseWriter, r *http.Request, res *sdk.Resource) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		methodNotAllowed(w, http.MethodGet, http.MethodHead)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		io.WriteString(w, res.URL()+"\n")
	}
}

func (b *Bridge) handleExtension(w http.ResponseWriter, r *http.Request, res *sdk.Resource, name string) {
	if name == "" || strings.Contains(name, "/") {
		http.NotFound(w, r)
		return
	}
	ext, err := res.RegisterExtension(name, sdk.ExtensionOptions{Encoding: sdk.Binary})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, res.Peers())
	case http.MethodPost:
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
		if err != nil {
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		}
		if target := r.Header.Get(PeerHeader); target != "" {
			err = ext.Send(body, target)
		} else {
			err = ext.Broadcast(body)
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodPost)
	}
}

// handleEvents streams resource events until the client goes away or the
// bridge closes. Nothing is written to the body before the first event.
func (b *Bridge) handleEvents(w http.ResponseWriter, r *http.Request, res *sdk.Resource) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	b.wg.Add(1)
	defer b.wg.Done()

	events := make(chan sdk.Event, eventBuffer)
	cancel := res.Subscribe(func(ev sdk.Event) {
		select {
		case events <- ev:
		default:
			log.Warn().Str("resource", res.Key[:8]).Str("event", string(ev.Type)).Msg("event stream full, dropping")
		}
	})
	defer cancel()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case ev := <-events:
			name, data := ev.Extension, ev.Data
			if ev.Type != sdk.EventMessage {
				name, data = string(ev.Type), []byte(ev.Peer)
			}
			if err := writeEvent(w, uuid.NewString(), name, data); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		case <-b.ctx.Done():
			return
		case <-b.sdk.Done():
			return
		}
	}
}

// writeEvent emits one event in a single write so it reaches the client as
// one chunk.
func writeEvent(w io.Writer, id, name string, data []byte) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "id: %s\nevent: %s\n", id, name)
	for _, line := range bytes.Split(data, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	_, err := w.Write(buf.Bytes())
	return err
}

func acceptsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

package bridge

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/rs/zerolog/log"
)

// NewTransport returns a RoundTripper that serves requests in process with h.
// Responses stream: the response is returned once h commits its headers and
// the body follows as h writes it.
func NewTransport(h http.Handler) http.RoundTripper {
	return &transport{handler: h}
}

type transport struct {
	handler http.Handler
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx, cancel := context.WithCancel(req.Context())
	inner := req.Clone(ctx)
	if inner.Body == nil {
		inner.Body = http.NoBody
	}
	if inner.Host == "" {
		inner.Host = req.URL.Host
	}

	pr, pw := io.Pipe()
	w := newPipeWriter(pw)

	go func() {
		defer func() {
			if p := recover(); p != nil {
				log.Error().Interface("panic", p).Str("url", req.URL.String()).Msg("bridge handler")
				w.commit(http.StatusInternalServerError)
				pw.CloseWithError(fmt.Errorf("bridge handler panic: %v", p))
				return
			}
			w.commit(http.StatusOK)
			pw.Close()
		}()
		t.handler.ServeHTTP(w, inner)
	}()

	select {
	case <-w.committed:
	case <-req.Context().Done():
		cancel()
		pr.Close()
		return nil, req.Context().Err()
	}

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", w.status, http.StatusText(w.status)),
		StatusCode:    w.status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        w.sent,
		Body:          &pipeBody{PipeReader: pr, cancel: cancel},
		ContentLength: -1,
		Request:       req,
	}, nil
}

// pipeWriter is the handler side of an in-process response.
type pipeWriter struct {
	header    http.Header
	sent      http.Header
	status    int
	pw        *io.PipeWriter
	once      sync.Once
	committed chan struct{}
}

func newPipeWriter(pw *io.PipeWriter) *pipeWriter {
	return &pipeWriter{
		header:    make(http.Header),
		pw:        pw,
		committed: make(chan struct{}),
	}
}

func (w *pipeWriter) Header() http.Header { return w.header }

func (w *pipeWriter) commit(status int) {
	w.once.Do(func() {
		w.status = status
		w.sent = w.header.Clone()
		close(w.committed)
	})
}

func (w *pipeWriter) WriteHeader(status int) { w.commit(status) }

func (w *pipeWriter) Write(p []byte) (int, error) {
	w.commit(http.StatusOK)
	return w.pw.Write(p)
}

// Flush commits the headers. Writes already reach the reader directly.
func (w *pipeWriter) Flush() { w.commit(http.StatusOK) }

type pipeBody struct {
	*io.PipeReader
	cancel context.CancelFunc
}

func (b *pipeBody) Close() error {
	b.cancel()
	return b.PipeReader.Close()
}

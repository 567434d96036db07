package bridge

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"latbench/broker"
	"latbench/config"
	"latbench/hub"
	"latbench/sdk"
	"latbench/server"
)

func newSwarm(t *testing.T) string {
	t.Helper()
	cfg := config.Default()
	h := hub.New(cfg.ShardCount, cfg.MaxPeers, broker.NewLocal())
	srv := server.New(cfg, h, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ts.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func newBridge(t *testing.T, swarmURL string) (*Bridge, *http.Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := sdk.New(ctx, sdk.Options{SwarmURL: swarmURL})
	if err != nil {
		t.Fatalf("sdk error: %v", err)
	}
	b := New(s, 2*time.Second)
	t.Cleanup(func() {
		b.Close()
		s.Close()
	})
	return b, &http.Client{Transport: NewTransport(b)}
}

func get(t *testing.T, c *http.Client, url string) (int, string) {
	t.Helper()
	resp, err := c.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read %s: %v", url, err)
	}
	return resp.StatusCode, string(body)
}

func lookupKey(t *testing.T, c *http.Client) string {
	t.Helper()
	status, body := get(t, c, "hyper://example"+WellKnownPath)
	if status != http.StatusOK {
		t.Fatalf("well-known status %d: %s", status, body)
	}
	return strings.Split(body, "\n")[0]
}

func TestWellKnownLookup(t *testing.T) {
	url := newSwarm(t)
	b, c := newBridge(t, url)

	key := lookupKey(t, c)
	want, _ := b.SDK().ResolveKey("example")
	if key != "hyper://"+want {
		t.Errorf("expected hyper://%s, got %s", want, key)
	}

	// a key resolves to itself
	_, body := get(t, c, key+WellKnownPath)
	if again := strings.Split(body, "\n")[0]; again != key {
		t.Errorf("key lookup should be stable, got %s", again)
	}
}

func TestExtensionRegisterAndList(t *testing.T) {
	url := newSwarm(t)
	_, c := newBridge(t, url)
	key := lookupKey(t, c)

	status, body := get(t, c, key+"/$/extensions/example")
	if status != http.StatusOK {
		t.Fatalf("register status %d: %s", status, body)
	}
	if strings.TrimSpace(body) != "[]" {
		t.Errorf("expected no peers, got %s", body)
	}

	status, body = get(t, c, key+ExtensionsPath)
	if status != http.StatusOK || strings.TrimSpace(body) != `["example"]` {
		t.Errorf("expected extension list, got %d %s", status, body)
	}
}

func TestNotFoundAndMethods(t *testing.T) {
	url := newSwarm(t)
	_, c := newBridge(t, url)

	if status, _ := get(t, c, "hyper://example/nothing/here"); status != http.StatusNotFound {
		t.Errorf("expected 404, got %d", status)
	}

	req, _ := http.NewRequest(http.MethodPut, "hyper://example/$/extensions/example", nil)
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("put error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", resp.StatusCode)
	}
}

func waitPeers(t *testing.T, c *http.Client, url string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, body := get(t, c, url)
		var peers []string
		json.Unmarshal([]byte(body), &peers)
		if len(peers) >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%s: fewer than %d peers", url, n)
}

func TestEventStreamDeliversPost(t *testing.T) {
	url := newSwarm(t)
	_, c1 := newBridge(t, url)
	_, c2 := newBridge(t, url)

	key := lookupKey(t, c1)
	extURL := key + "/$/extensions/example"
	get(t, c1, extURL)
	get(t, c2, extURL)
	waitPeers(t, c2, extURL, 1)

	req, _ := http.NewRequest(http.MethodGet, key+ExtensionsPath, nil)
	req.Header.Set("Accept", "text/event-stream")
	stream, err := c2.Do(req)
	if err != nil {
		t.Fatalf("stream error: %v", err)
	}
	defer stream.Body.Close()
	if ct := stream.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("expected event stream, got %s", ct)
	}

	resp, err := c1.Post(extURL, "text/plain", strings.NewReader("Hello World!"))
	if err != nil {
		t.Fatalf("post error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("post status %d", resp.StatusCode)
	}

	lines := make(chan string, 64)
	go func() {
		sc := bufio.NewScanner(stream.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	var sawEvent bool
	timeout := time.After(2 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				t.Fatal("stream ended early")
			}
			if line == "event: example" {
				sawEvent = true
			}
			if sawEvent && line == "data: Hello World!" {
				return
			}
		case <-timeout:
			t.Fatal("no example event on stream")
		}
	}
}

func TestCloseEndsStreams(t *testing.T) {
	url := newSwarm(t)
	b, c := newBridge(t, url)
	key := lookupKey(t, c)

	req, _ := http.NewRequest(http.MethodGet, key+ExtensionsPath, nil)
	req.Header.Set("Accept", "text/event-stream")
	stream, err := c.Do(req)
	if err != nil {
		t.Fatalf("stream error: %v", err)
	}
	defer stream.Body.Close()

	done := make(chan error, 1)
	go func() {
		_, err := io.ReadAll(stream.Body)
		done <- err
	}()

	b.Close()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected clean end of stream, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed by bridge close")
	}
}

func TestTransportStreamsBeforeHandlerReturns(t *testing.T) {
	release := make(chan struct{})
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Test", "yes")
		io.WriteString(w, "first")
		<-release
		io.WriteString(w, "second")
	})
	c := &http.Client{Transport: NewTransport(h)}

	resp, err := c.Get("hyper://anything/")
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	defer resp.Body.Close()
	if resp.Header.Get("X-Test") != "yes" {
		t.Error("expected committed headers")
	}

	buf := make([]byte, 5)
	if _, err := io.ReadFull(resp.Body, buf); err != nil || string(buf) != "first" {
		t.Fatalf("expected first chunk, got %q %v", buf, err)
	}
	close(release)
	rest, _ := io.ReadAll(resp.Body)
	if string(rest) != "second" {
		t.Errorf("expected second chunk, got %q", rest)
	}
}

func TestTransportHandlerPanic(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	c := &http.Client{Transport: NewTransport(h)}

	resp, err := c.Get("hyper://anything/")
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", resp.StatusCode)
	}
	if _, err := io.ReadAll(resp.Body); err == nil {
		t.Error("expected body error after panic")
	}
}

func TestTransportEmptyHandler(t *testing.T) {
	c := &http.Client{Transport: NewTransport(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))}
	resp, err := c.Get("hyper://anything/")
	if err != nil {
		t.Fatalf("get error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected implicit 200, got %d", resp.StatusCode)
	}
}

func TestWriteEventMultiline(t *testing.T) {
	var sb strings.Builder
	writeEvent(&sb, "1", "example", []byte("a\nb"))
	want := "id: 1\nevent: example\ndata: a\ndata: b\n\n"
	if sb.String() != want {
		t.Errorf("expected %q, got %q", want, sb.String())
	}
}

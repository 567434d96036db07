package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"latbench/broker"
	"latbench/config"
	"latbench/hub"
	"latbench/protocol"

	"github.com/coder/websocket"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.MaxPeers = 100
	cfg.RateLimitPerSec = 1000
	cfg.RateLimitBurst = 2000
	cfg.SendBufferSize = 32
	return cfg
}

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	cfg := testConfig()
	h := hub.New(cfg.ShardCount, cfg.MaxPeers, broker.NewLocal())
	srv := New(cfg, h, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Shutdown(context.Background())
	})
	return srv, ts
}

func wsURL(tsURL string) string {
	return "ws" + strings.TrimPrefix(tsURL, "http") + "/ws"
}

func dial(t *testing.T, tsURL string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(context.Background(), wsURL(tsURL), nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	return conn
}

func connectAndRegister(t *testing.T, tsURL, publicKey string) (*websocket.Conn, string) {
	t.Helper()
	conn := dial(t, tsURL)
	sendMessage(t, conn, protocol.NewMessage(protocol.TypeRegister, "", protocol.RegisterPayload{PublicKey: publicKey}))

	msg := readMessage(t, conn, 2*time.Second)
	if msg.Type != protocol.TypeRegistered {
		t.Fatalf("expected registered, got %s", msg.Type)
	}
	var rp protocol.RegisteredPayload
	protocol.DecodePayload(msg, &rp)
	return conn, rp.Fingerprint
}

func readMessage(t *testing.T, conn *websocket.Conn, timeout time.Duration) *protocol.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read error: %v", err)
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	return msg
}

func sendMessage(t *testing.T, conn *websocket.Conn, msg *protocol.Message) {
	t.Helper()
	data, _ := protocol.Encode(msg)
	if err := conn.Write(context.Background(), websocket.MessageText, data); err != nil {
		t.Fatalf("write error: %v", err)
	}
}

func joinTopic(t *testing.T, conn *websocket.Conn, key string) *protocol.Message {
	t.Helper()
	sendMessage(t, conn, protocol.NewMessage(protocol.TypeJoin, "", protocol.JoinPayload{Topic: key}))
	msg := readMessage(t, conn, 2*time.Second)
	if msg.Type != protocol.TypePeerList {
		t.Fatalf("expected peer_list, got %s", msg.Type)
	}
	return msg
}

func sha256Hex(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

func TestServerHealthEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("health request error: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&body)
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body["status"])
	}
}

func TestServerStatsEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	conn, _ := connectAndRegister(t, ts.URL, "stats-key")
	defer conn.CloseNow()
	joinTopic(t, conn, "stats-topic")

	resp, err := http.Get(ts.URL + "/stats")
	if err != nil {
		t.Fatalf("stats request error: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		TotalPeers int            `json:"total_peers"`
		Topics     map[string]int `json:"topics"`
	}
	json.NewDecoder(resp.Body).Decode(&body)
	if body.TotalPeers != 1 {
		t.Errorf("expected 1 peer, got %d", body.TotalPeers)
	}
	if body.Topics["stats-topic"] != 1 {
		t.Errorf("expected stats-topic with 1 member, got %v", body.Topics)
	}
}

func TestServerMetricsEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	conn, _ := connectAndRegister(t, ts.URL, "metrics-key")
	defer conn.CloseNow()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics request error: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, name := range []string{
		"latbench_swarm_peers 1",
		`latbench_swarm_connections_total{result="registered"} 1`,
		"latbench_swarm_topics 0",
	} {
		if !strings.Contains(string(body), name) {
			t.Errorf("metrics output missing %q", name)
		}
	}
}

func TestServerWebSocketRegister(t *testing.T) {
	_, ts := newTestServer(t)

	conn, fp := connectAndRegister(t, ts.URL, "test-public-key-1")
	defer conn.CloseNow()

	if expected := sha256Hex("test-public-key-1"); fp != expected {
		t.Errorf("expected fingerprint %s, got %s", expected, fp)
	}
}

func TestServerRegisterMissingPublicKey(t *testing.T) {
	_, ts := newTestServer(t)

	conn := dial(t, ts.URL)
	defer conn.CloseNow()
	sendMessage(t, conn, protocol.NewMessage(protocol.TypeRegister, "", protocol.RegisterPayload{}))

	msg := readMessage(t, conn, 2*time.Second)
	if msg.Type != protocol.TypeError {
		t.Errorf("expected error, got %s", msg.Type)
	}
}

func TestServerRegisterInvalidFirstMessage(t *testing.T) {
	_, ts := newTestServer(t)

	conn := dial(t, ts.URL)
	defer conn.CloseNow()
	sendMessage(t, conn, protocol.NewMessage(protocol.TypeJoin, "", protocol.JoinPayload{Topic: "test"}))

	msg := readMessage(t, conn, 2*time.Second)
	if msg.Type != protocol.TypeError {
		t.Errorf("expected error, got %s", msg.Type)
	}
}

func TestServerJoinFlow(t *testing.T) {
	_, ts := newTestServer(t)

	conn1, fp1 := connectAndRegister(t, ts.URL, "key1")
	defer conn1.CloseNow()
	conn2, _ := connectAndRegister(t, ts.URL, "key2")
	defer conn2.CloseNow()

	joinTopic(t, conn1, "lobby")
	list := joinTopic(t, conn2, "lobby")

	var pl protocol.PeerListPayload
	protocol.DecodePayload(list, &pl)
	if len(pl.Peers) != 1 || pl.Peers[0].Fingerprint != fp1 {
		t.Errorf("expected peer list with %s, got %+v", fp1, pl.Peers)
	}

	msg := readMessage(t, conn1, 2*time.Second)
	if msg.Type != protocol.TypePeerJoined {
		t.Errorf("expected peer_joined, got %s", msg.Type)
	}
}

func TestServerExtensionFlow(t *testing.T) {
	_, ts := newTestServer(t)

	conn1, _ := connectAndRegister(t, ts.URL, "ext-key1")
	defer conn1.CloseNow()
	conn2, fp2 := connectAndRegister(t, ts.URL, "ext-key2")
	defer conn2.CloseNow()

	joinTopic(t, conn1, "resource")
	joinTopic(t, conn2, "resource")
	readMessage(t, conn1, 2*time.Second) // peer_joined

	sendMessage(t, conn2, protocol.NewExtension("resource", "example", []byte("Hello World!")))

	msg := readMessage(t, conn1, 2*time.Second)
	if msg.Type != protocol.TypeExtension {
		t.Fatalf("expected extension, got %s", msg.Type)
	}
	if msg.From != fp2 {
		t.Errorf("expected from %s, got %s", fp2, msg.From)
	}
	var ep protocol.ExtensionPayload
	protocol.DecodePayload(msg, &ep)
	if ep.Name != "example" || string(ep.Data) != "Hello World!" {
		t.Errorf("unexpected extension payload %+v", ep)
	}
}

func TestServerPeerLeftOnDisconnect(t *testing.T) {
	_, ts := newTestServer(t)

	conn1, _ := connectAndRegister(t, ts.URL, "left-key1")
	defer conn1.CloseNow()
	conn2, fp2 := connectAndRegister(t, ts.URL, "left-key2")

	joinTopic(t, conn1, "resource")
	joinTopic(t, conn2, "resource")
	readMessage(t, conn1, 2*time.Second) // peer_joined

	conn2.Close(websocket.StatusNormalClosure, "")

	msg := readMessage(t, conn1, 2*time.Second)
	if msg.Type != protocol.TypePeerLeft || msg.From != fp2 {
		t.Errorf("expected peer_left from %s, got %s from %s", fp2, msg.Type, msg.From)
	}
}

func TestServerPing(t *testing.T) {
	_, ts := newTestServer(t)

	conn, _ := connectAndRegister(t, ts.URL, "ping-key")
	defer conn.CloseNow()

	sendMessage(t, conn, &protocol.Message{Type: protocol.TypePing})
	msg := readMessage(t, conn, 2*time.Second)
	if msg.Type != protocol.TypePong {
		t.Errorf("expected pong, got %s", msg.Type)
	}
}

func TestServerConcurrentConnections(t *testing.T) {
	srv, ts := newTestServer(t)

	var wg sync.WaitGroup
	var mu sync.Mutex
	conns := make([]*websocket.Conn, 0)

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			conn, _ := connectAndRegister(t, ts.URL, fmt.Sprintf("concurrent-key-%d", id))
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if n := srv.Hub().PeerCount(); n != 20 {
		t.Errorf("expected 20 peers, got %d", n)
	}
	for _, c := range conns {
		c.CloseNow()
	}
}

func TestServerCustomAlias(t *testing.T) {
	_, ts := newTestServer(t)

	conn := dial(t, ts.URL)
	defer conn.CloseNow()
	sendMessage(t, conn, protocol.NewMessage(protocol.TypeRegister, "", protocol.RegisterPayload{
		PublicKey: "alias-test-key",
		Alias:     "my-custom-alias",
	}))

	msg := readMessage(t, conn, 2*time.Second)
	var rp protocol.RegisteredPayload
	protocol.DecodePayload(msg, &rp)
	if rp.Alias != "my-custom-alias" {
		t.Errorf("expected alias my-custom-alias, got %s", rp.Alias)
	}
}

func TestServerAliasTaken(t *testing.T) {
	_, ts := newTestServer(t)

	register := func(publicKey string) protocol.RegisteredPayload {
		conn := dial(t, ts.URL)
		t.Cleanup(func() { conn.CloseNow() })
		sendMessage(t, conn, protocol.NewMessage(protocol.TypeRegister, "", protocol.RegisterPayload{
			PublicKey: publicKey,
			Alias:     "taken",
		}))
		var rp protocol.RegisteredPayload
		protocol.DecodePayload(readMessage(t, conn, 2*time.Second), &rp)
		return rp
	}

	first := register("alias-owner-key")
	second := register("alias-late-key")
	if first.Alias != "taken" {
		t.Errorf("expected first alias taken, got %s", first.Alias)
	}
	if want := "taken-" + second.Fingerprint[:6]; second.Alias != want {
		t.Errorf("expected %s, got %s", want, second.Alias)
	}
}

func TestEmbeddedListenAndShutdown(t *testing.T) {
	cfg := testConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0

	srv, err := Embedded(cfg)
	if err != nil {
		t.Fatalf("embedded error: %v", err)
	}
	if !strings.HasPrefix(srv.URL(), "ws://127.0.0.1:") || !strings.HasSuffix(srv.URL(), "/ws") {
		t.Errorf("unexpected url %s", srv.URL())
	}

	resp, err := http.Get("http://" + srv.Addr() + "/health")
	if err != nil {
		t.Fatalf("health request error: %v", err)
	}
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Errorf("shutdown error: %v", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		t.Errorf("second shutdown should be a no-op: %v", err)
	}
	if _, err := http.Get("http://" + srv.Addr() + "/health"); err == nil {
		t.Error("expected requests to fail after shutdown")
	}
}

func TestFingerprint(t *testing.T) {
	fp := Fingerprint("test-key")
	if fp != sha256Hex("test-key") {
		t.Errorf("expected %s, got %s", sha256Hex("test-key"), fp)
	}
	if fp == Fingerprint("other-key") {
		t.Error("different keys should produce different fingerprints")
	}
}

func TestGenerateAlias(t *testing.T) {
	alias := generateAlias("some-fingerprint")
	parts := strings.Split(alias, "-")
	if len(parts) != 3 {
		t.Errorf("expected 3 parts in alias, got %d: %s", len(parts), alias)
	}
	if alias != generateAlias("some-fingerprint") {
		t.Error("alias should be deterministic for same fingerprint")
	}
}

func TestCompressionMode(t *testing.T) {
	cfg := config.Default()
	h := hub.New(cfg.ShardCount, cfg.MaxPeers, broker.NewLocal())
	srv := New(cfg, h, nil)
	defer srv.Shutdown(context.Background())

	if srv.compressionMode() != websocket.CompressionDisabled {
		t.Error("expected CompressionDisabled")
	}

	cfg2 := config.Default()
	cfg2.CompressionEnabled = true
	srv2 := New(cfg2, h, nil)
	if srv2.compressionMode() != websocket.CompressionContextTakeover {
		t.Error("expected CompressionContextTakeover")
	}
}

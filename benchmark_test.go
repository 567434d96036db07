package main

import (
	"context"
	"flag"
	"slices"
	"testing"
	"time"

	"latbench/bench"
	"latbench/sdk"
	"latbench/transports"
)

var stress = flag.Bool("stress", false, "run stress tests")

func benchmarkTransport(b *testing.B, name string) {
	node := startSwarm(b)
	opts := fastOptions(node.URL())
	opts.GracePeriod = 100 * time.Millisecond
	r := bench.NewRunner(bench.Options{Payload: []byte("Hello World!"), Timeout: 5 * time.Second})

	var total time.Duration
	for b.Loop() {
		tr, err := transports.New(name, opts)
		if err != nil {
			b.Fatal(err)
		}
		m, err := r.RunOne(context.Background(), tr)
		if err != nil {
			b.Fatal(err)
		}
		total += m.Elapsed()
	}
	b.ReportMetric(float64(total.Nanoseconds())/float64(b.N), "latency-ns/op")
}

func BenchmarkRawSocket(b *testing.B)     { benchmarkTransport(b, "tcp") }
func BenchmarkExtension(b *testing.B)     { benchmarkTransport(b, "extension") }
func BenchmarkFetchBridge(b *testing.B)   { benchmarkTransport(b, "fetch") }
func BenchmarkGatewayBridge(b *testing.B) { benchmarkTransport(b, "gateway") }

// BenchmarkExtensionBroadcast reuses one joined pair and measures only the
// message hop.
func BenchmarkExtensionBroadcast(b *testing.B) {
	node := startSwarm(b)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	got := make(chan struct{}, 1)
	s1, err := sdk.New(ctx, sdk.Options{SwarmURL: node.URL()})
	if err != nil {
		b.Fatal(err)
	}
	defer s1.Close()
	s2, err := sdk.New(ctx, sdk.Options{SwarmURL: node.URL()})
	if err != nil {
		b.Fatal(err)
	}
	defer s2.Close()

	res1, _ := s1.Open(ctx, "bench")
	if err := res1.Ready(ctx); err != nil {
		b.Fatal(err)
	}
	res1.RegisterExtension("bench", sdk.ExtensionOptions{
		OnMessage: func(msg any, peer string) { got <- struct{}{} },
	})
	res2, _ := s2.Open(ctx, res1.Key)
	if err := res2.Ready(ctx); err != nil {
		b.Fatal(err)
	}
	ext, _ := res2.RegisterExtension("bench", sdk.ExtensionOptions{})
	if _, err := res1.WaitPeer(ctx); err != nil {
		b.Fatal(err)
	}

	payload := []byte("Hello World!")
	for b.Loop() {
		if err := ext.Broadcast(payload); err != nil {
			b.Fatal(err)
		}
		<-got
	}
}

func TestStressExtensionLatencyPercentiles(t *testing.T) {
	if !*stress {
		t.Skip("skipping stress test: use -stress flag to enable")
	}

	node := startSwarm(t)
	r := bench.NewRunner(bench.Options{Payload: []byte("Hello World!"), Timeout: 5 * time.Second})

	iterations := 200
	latencies := make([]time.Duration, 0, iterations)
	for i := 0; i < iterations; i++ {
		m, err := r.RunOne(context.Background(), transports.NewExtension(fastOptions(node.URL())))
		if err != nil {
			t.Fatalf("iteration %d: %v", i, err)
		}
		latencies = append(latencies, m.Elapsed())
	}
	slices.Sort(latencies)

	var total time.Duration
	for _, l := range latencies {
		total += l
	}
	t.Logf("Extension Latency (%d samples):", len(latencies))
	t.Logf("  Average: %v", total/time.Duration(len(latencies)))
	t.Logf("  P50:     %v", latencies[len(latencies)*50/100])
	t.Logf("  P95:     %v", latencies[len(latencies)*95/100])
	t.Logf("  P99:     %v", latencies[len(latencies)*99/100])
	t.Logf("  Min:     %v", latencies[0])
	t.Logf("  Max:     %v", latencies[len(latencies)-1])
}

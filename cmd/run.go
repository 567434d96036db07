package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"latbench/bench"
	"latbench/config"
	"latbench/server"
	"latbench/transports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var only []string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the latency tests one after another",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if len(only) > 0 {
			cfg.Transports = only
		}
		ctx, cancel := signalContext(cmd.Context())
		defer cancel()
		return runBench(ctx, cfg, cmd.OutOrStdout())
	},
}

func init() {
	runCmd.Flags().StringSliceVar(&only, "only", nil, "comma-separated subset of tcp,extension,fetch,gateway")
	rootCmd.AddCommand(runCmd)
}

func runBench(ctx context.Context, cfg *config.Config, out io.Writer) error {
	// unknown names fail before anything is started
	names, err := transports.Select(cfg.Transports)
	if err != nil {
		return err
	}

	swarmURL := cfg.SwarmURL
	if swarmURL == "" {
		node, err := server.Embedded(cfg)
		if err != nil {
			return fmt.Errorf("embedded swarm: %w", err)
		}
		defer node.Shutdown(context.Background())
		swarmURL = node.URL()
	}
	ts, err := transports.Build(names, transports.OptionsFromConfig(cfg, swarmURL))
	if err != nil {
		return err
	}

	var metrics *bench.Metrics
	if cfg.MetricsEnabled {
		reg := prometheus.NewRegistry()
		metrics = bench.NewMetrics(reg)
		stop, err := serveMetrics(reg, cfg.MetricsPort)
		if err != nil {
			return err
		}
		defer stop()
	}

	runner := bench.NewRunner(bench.Options{
		Payload: []byte(cfg.Payload),
		Timeout: cfg.Timeout.Duration,
		Metrics: metrics,
	})
	log.Info().Str("swarm", swarmURL).Int("tests", len(ts)).Msg("run")
	results, err := runner.Run(ctx, ts...)
	for _, m := range results {
		fmt.Fprintf(out, "%-10s %s\n", m.Transport, m.Elapsed())
	}
	return err
}

func serveMetrics(reg *prometheus.Registry, port int) (stop func(), err error) {
	addr := net.JoinHostPort("", strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listen %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics serve")
		}
	}()
	log.Info().Str("addr", ln.Addr().String()).Msg("metrics listening")
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}, nil
}

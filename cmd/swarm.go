package cmd

import (
	"context"
	"time"

	"latbench/broker"
	"latbench/hub"
	"latbench/server"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var swarmPort int

var swarmCmd = &cobra.Command{
	Use:   "swarm",
	Short: "Run a standalone swarm rendezvous node",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("port") {
			cfg.Port = swarmPort
		}

		b, err := broker.New(cfg)
		if err != nil {
			return err
		}
		srv := server.New(cfg, hub.New(cfg.ShardCount, cfg.MaxPeers, b), prometheus.NewRegistry())
		if err := srv.Listen(); err != nil {
			srv.Shutdown(context.Background())
			return err
		}

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		errc := make(chan error, 1)
		go func() { errc <- srv.Serve() }()

		log.Info().
			Str("url", srv.URL()).
			Int("max_peers", cfg.MaxPeers).
			Int("shards", cfg.ShardCount).
			Str("broker", cfg.BrokerType).
			Bool("compression", cfg.CompressionEnabled).
			Msg("swarm node running")

		select {
		case err = <-errc:
		case <-ctx.Done():
		}

		log.Info().Msg("shutting down")
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		if serr := srv.Shutdown(shutdownCtx); serr != nil && err == nil {
			err = serr
		}
		log.Info().Msg("swarm node stopped")
		return err
	},
}

func init() {
	swarmCmd.Flags().IntVar(&swarmPort, "port", 8080, "listening port for the node")
	rootCmd.AddCommand(swarmCmd)
}

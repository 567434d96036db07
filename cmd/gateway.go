package cmd

import (
	"context"
	"fmt"

	"latbench/gateway"
	"latbench/server"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	gatewayPort  int
	gatewaySwarm string
)

var gatewayCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Serve hyper:// resources over local HTTP",
	Long: `gateway joins the swarm and exposes resources under
http://<host>:<port>/hyper/<key>/... until interrupted. Without a swarm URL
it starts an embedded rendezvous node.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("port") {
			cfg.GatewayPort = gatewayPort
		}
		if gatewaySwarm != "" {
			cfg.SwarmURL = gatewaySwarm
		}

		ctx, cancel := signalContext(cmd.Context())
		defer cancel()

		swarmURL := cfg.SwarmURL
		if swarmURL == "" {
			node, err := server.Embedded(cfg)
			if err != nil {
				return fmt.Errorf("embedded swarm: %w", err)
			}
			defer node.Shutdown(context.Background())
			swarmURL = node.URL()
		}

		g, err := gateway.New(ctx, gateway.Config{
			Host:         cfg.GatewayHost,
			Port:         cfg.GatewayPort,
			SwarmURL:     swarmURL,
			Silent:       cfg.GatewaySilent,
			ReadyTimeout: cfg.Timeout.Duration,
		})
		if err != nil {
			return err
		}
		log.Info().Str("url", g.URL()).Str("swarm", swarmURL).Msg("gateway running")

		<-ctx.Done()
		log.Info().Msg("shutting down")
		return g.Close()
	},
}

func init() {
	gatewayCmd.Flags().IntVar(&gatewayPort, "port", 4973, "listening port for the gateway")
	gatewayCmd.Flags().StringVar(&gatewaySwarm, "swarm", "", "websocket URL of a swarm node")
	rootCmd.AddCommand(gatewayCmd)
}

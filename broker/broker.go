// Package broker fans swarm traffic out between rendezvous nodes. A single
// node uses the local broker; several nodes share a redis instance.
package broker

import (
	"context"
	"fmt"

	"latbench/config"

	"github.com/rs/zerolog/log"
)

type MessageHandler func(channel string, data []byte)

type Broker interface {
	Publish(ctx context.Context, channel string, data []byte) error
	Subscribe(ctx context.Context, channel string, handler MessageHandler) error
	Unsubscribe(ctx context.Context, channel string) error
	Close() error
}

// New builds the broker selected by cfg.BrokerType.
func New(cfg *config.Config) (Broker, error) {
	switch cfg.BrokerType {
	case "redis":
		b, err := NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("redis broker: %w", err)
		}
		log.Debug().Str("addr", cfg.RedisAddr).Msg("using redis broker")
		return b, nil
	case "", "local":
		log.Debug().Msg("using local broker")
		return NewLocal(), nil
	default:
		return nil, fmt.Errorf("unknown broker type %q", cfg.BrokerType)
	}
}

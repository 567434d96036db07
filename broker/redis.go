package broker

import (
	"context"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

var ErrClosed = errors.New("broker closed")

const channelPrefix = "latbench:"

type RedisBroker struct {
	client *redis.Client
	pubsub map[string]*redis.PubSub
	mu     sync.RWMutex
}

func NewRedis(addr, password string, db int) (*RedisBroker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &RedisBroker{
		client: client,
		pubsub: make(map[string]*redis.PubSub),
	}, nil
}

func (b *RedisBroker) Publish(ctx context.Context, channel string, data []byte) error {
	return b.client.Publish(ctx, channelPrefix+channel, data).Err()
}

func (b *RedisBroker) Subscribe(ctx context.Context, channel string, handler MessageHandler) error {
	ps := b.client.Subscribe(ctx, channelPrefix+channel)
	// wait for the subscription confirmation so publishes right after
	// Subscribe returns are not lost
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return err
	}
	b.mu.Lock()
	if old, ok := b.pubsub[channel]; ok {
		old.Close()
	}
	b.pubsub[channel] = ps
	b.mu.Unlock()

	go func() {
		for msg := range ps.Channel() {
			handler(channel, []byte(msg.Payload))
		}
		log.Debug().Str("channel", channel).Msg("redis subscription ended")
	}()
	return nil
}

func (b *RedisBroker) Unsubscribe(ctx context.Context, channel string) error {
	b.mu.Lock()
	ps, ok := b.pubsub[channel]
	if ok {
		delete(b.pubsub, channel)
	}
	b.mu.Unlock()
	if ok {
		return ps.Close()
	}
	return nil
}

func (b *RedisBroker) Close() error {
	b.mu.Lock()
	for _, ps := range b.pubsub {
		ps.Close()
	}
	b.pubsub = make(map[string]*redis.PubSub)
	b.mu.Unlock()
	return b.client.Close()
}

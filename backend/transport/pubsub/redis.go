package pubsub

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// RedisBroker maps room topics onto redis channels.
type RedisBroker struct {
	client *redis.Client
}

func NewRedisBroker(ctx context.Context, addr string) (*RedisBroker, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &RedisBroker{client: client}, nil
}

func (b *RedisBroker) Join(ctx context.Context, name string) (Topic, error) {
	sub := b.client.Subscribe(ctx, name)
	// wait for the subscription so nothing published right after is missed
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, err
	}
	return &redisTopic{client: b.client, name: name, sub: sub}, nil
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}

type redisTopic struct {
	client *redis.Client
	name   string
	sub    *redis.PubSub
}

func (t *redisTopic) Publish(ctx context.Context, data []byte) error {
	return t.client.Publish(ctx, t.name, data).Err()
}

func (t *redisTopic) Next(ctx context.Context) ([]byte, error) {
	msg, err := t.sub.ReceiveMessage(ctx)
	if err != nil {
		return nil, err
	}
	return []byte(msg.Payload), nil
}

func (t *redisTopic) Close() error {
	return t.sub.Close()
}

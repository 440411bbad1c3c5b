// Package broker is the ephemeral per-recipient event bus. Messages fan out
// to every live subscriber of a recipient channel and are dropped when no
// subscriber is attached; the notification store remains the durable record.
package broker

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	redisclient "github.com/memeline/memeline-backend/pkg/redis"
)

// Publisher is the producer-side surface used by the notification service.
type Publisher interface {
	Publish(ctx context.Context, recipientID uuid.UUID, payload []byte) error
}

// Subscription delivers channel payloads until closed.
type Subscription interface {
	// Messages yields payloads published to the subscribed channel. The
	// channel closes when the subscription is closed or its context ends.
	Messages() <-chan []byte
	Close() error
}

// Subscriber is the gateway-side surface.
type Subscriber interface {
	Subscribe(ctx context.Context, recipientID uuid.UUID) (Subscription, error)
}

// Broker bridges recipient channels over Redis PUBLISH/SUBSCRIBE.
type Broker struct {
	client *redisclient.Client
}

// New wires the broker onto an established Redis client.
func New(client *redisclient.Client) (*Broker, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	return &Broker{client: client}, nil
}

// Publish sends the payload to the recipient's channel. At-most-once: a
// recipient with no open connection simply misses the live copy.
func (b *Broker) Publish(ctx context.Context, recipientID uuid.UUID, payload []byte) error {
	if recipientID == uuid.Nil {
		return errors.New("recipient id is required")
	}
	return b.client.Publish(ctx, b.client.ChannelKey(recipientID.String()), payload)
}

// Subscribe attaches to the recipient's channel. Multiple simultaneous
// subscriptions for the same recipient each receive every message.
func (b *Broker) Subscribe(ctx context.Context, recipientID uuid.UUID) (Subscription, error) {
	if recipientID == uuid.Nil {
		return nil, errors.New("recipient id is required")
	}
	pubsub := b.client.Subscribe(ctx, b.client.ChannelKey(recipientID.String()))
	// Force the SUBSCRIBE handshake so connection failures surface here
	// instead of as a silent dead channel.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		out:    make(chan []byte, 16),
	}
	go sub.pump(ctx)
	return sub, nil
}

type redisSubscription struct {
	pubsub *redis.PubSub
	out    chan []byte
}

func (s *redisSubscription) pump(ctx context.Context) {
	defer close(s.out)
	ch := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			select {
			case s.out <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *redisSubscription) Messages() <-chan []byte {
	return s.out
}

func (s *redisSubscription) Close() error {
	return s.pubsub.Close()
}

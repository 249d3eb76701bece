package bus

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisBus implements Bus on Redis pub/sub. One PubSub connection serves all
// topics of the process; the registry adds and removes topics as identities
// connect and disconnect.
type RedisBus struct {
	rdb        *redis.Client
	log        *zap.SugaredLogger
	pendingTTL time.Duration

	mu     sync.Mutex
	pubsub *redis.PubSub
	msgs   chan Message
	done   chan struct{}
}

// NewRedisBus wraps an existing client. pendingTTL bounds how long offline
// messages are retained.
func NewRedisBus(rdb *redis.Client, pendingTTL time.Duration, logger *zap.SugaredLogger) *RedisBus {
	b := &RedisBus{
		rdb:        rdb,
		log:        logger,
		pendingTTL: pendingTTL,
		msgs:       make(chan Message, 256),
		done:       make(chan struct{}),
	}
	b.pubsub = rdb.Subscribe(context.Background())
	go b.forward()
	return b
}

func (b *RedisBus) forward() {
	ch := b.pubsub.Channel()
	for {
		select {
		case <-b.done:
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			select {
			case b.msgs <- Message{Topic: m.Channel, Payload: []byte(m.Payload)}:
			default:
				// registry fell behind; dropping is preferable to blocking
				// every other topic on this connection
				b.log.Warnf("bus message dropped on %s", m.Channel)
			}
		}
	}
}

// Publish sends payload to topic and reports the subscriber count.
func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) (int64, error) {
	return b.rdb.Publish(ctx, topic, payload).Result()
}

// Subscribe adds topics to the shared pubsub connection.
func (b *RedisBus) Subscribe(ctx context.Context, topics ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pubsub.Subscribe(ctx, topics...)
}

// Unsubscribe removes topics.
func (b *RedisBus) Unsubscribe(ctx context.Context, topics ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pubsub.Unsubscribe(ctx, topics...)
}

// Messages returns the delivery stream for all subscribed topics.
func (b *RedisBus) Messages() <-chan Message { return b.msgs }

// Close tears down the pubsub connection.
func (b *RedisBus) Close() error {
	close(b.done)
	return b.pubsub.Close()
}

func pendingKey(userID string) string { return "user:" + userID + ":pending_messages" }
func statusKey(userID string) string  { return "user:" + userID + ":status" }

// SavePending stores a payload for later delivery to an offline user.
func (b *RedisBus) SavePending(ctx context.Context, userID string, payload []byte) error {
	key := pendingKey(userID)
	if err := b.rdb.LPush(ctx, key, payload).Err(); err != nil {
		return err
	}
	return b.rdb.Expire(ctx, key, b.pendingTTL).Err()
}

// DrainPending removes and returns stored payloads, oldest first.
func (b *RedisBus) DrainPending(ctx context.Context, userID string) ([][]byte, error) {
	key := pendingKey(userID)
	vals, err := b.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, nil
	}
	if err := b.rdb.Del(ctx, key).Err(); err != nil {
		return nil, err
	}
	// LPush stores newest first
	out := make([][]byte, 0, len(vals))
	for i := len(vals) - 1; i >= 0; i-- {
		out = append(out, []byte(vals[i]))
	}
	return out, nil
}

// SetOnline marks the identity reachable for publishers on other processes.
func (b *RedisBus) SetOnline(ctx context.Context, userID string) error {
	return b.rdb.Set(ctx, statusKey(userID), "online", time.Hour).Err()
}

// SetOffline clears the presence flag.
func (b *RedisBus) SetOffline(ctx context.Context, userID string) error {
	return b.rdb.Del(ctx, statusKey(userID)).Err()
}

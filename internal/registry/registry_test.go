package registry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/marketloop/offer-service/internal/bus"
	"github.com/marketloop/offer-service/internal/logger"
	"github.com/stretchr/testify/assert"
)

// fakeConn records pushes and can be told to fail.
type fakeConn struct {
	mu     sync.Mutex
	pushes [][]byte
	failed bool
	closed bool
}

func (f *fakeConn) Push(payload []byte, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed {
		return errors.New("broken pipe")
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	f.pushes = append(f.pushes, cp)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushes)
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func newTestRegistry(t *testing.T) (*Registry, *bus.RedisBus, *redis.Client) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	log, _ := logger.NewLogger()
	b := bus.NewRedisBus(rdb, time.Hour, log)
	t.Cleanup(func() { b.Close() })
	return New(b, b, time.Second, log), b, rdb
}

func TestRegistry_FanOutToAllLocalConns(t *testing.T) {
	reg, _, rdb := newTestRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go reg.Run(ctx)

	alice1, alice2, bob := &fakeConn{}, &fakeConn{}, &fakeConn{}
	assert.NoError(t, reg.Add(ctx, "alice", alice1))
	assert.NoError(t, reg.Add(ctx, "alice", alice2))
	assert.NoError(t, reg.Add(ctx, "bob", bob))

	// subscription confirmation is asynchronous, so keep publishing until the
	// event lands
	assert.Eventually(t, func() bool {
		_, err := rdb.Publish(ctx, bus.UserTopic("alice"), "event-1").Result()
		assert.NoError(t, err)
		return alice1.count() >= 1 && alice2.count() >= 1
	}, 3*time.Second, 20*time.Millisecond, "both of alice's devices receive the event")
	assert.Equal(t, 0, bob.count())
}

func TestRegistry_DeadConnDeregistered(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	good, bad := &fakeConn{}, &fakeConn{failed: true}
	assert.NoError(t, reg.Add(ctx, "alice", good))
	assert.NoError(t, reg.Add(ctx, "alice", bad))

	reg.Dispatch(ctx, "alice", []byte("event"))

	assert.Equal(t, 1, good.count(), "healthy connection still gets the event")
	assert.Equal(t, 1, reg.Count("alice"), "broken connection is dropped")
	assert.True(t, bad.isClosed())
}

func TestRegistry_RefCountedSubscription(t *testing.T) {
	reg, _, rdb := newTestRegistry(t)
	ctx := context.Background()

	c1, c2 := &fakeConn{}, &fakeConn{}
	assert.NoError(t, reg.Add(ctx, "alice", c1))
	assert.NoError(t, reg.Add(ctx, "alice", c2))

	assert.Eventually(t, func() bool {
		n, err := rdb.Publish(ctx, bus.UserTopic("alice"), "x").Result()
		return err == nil && n == 1
	}, 3*time.Second, 10*time.Millisecond, "one process-level subscription regardless of conn count")

	// presence flag is up while any connection lives
	v, err := rdb.Get(ctx, "user:alice:status").Result()
	assert.NoError(t, err)
	assert.Equal(t, "online", v)

	reg.Remove(ctx, "alice", c1)
	n, err := rdb.Publish(ctx, bus.UserTopic("alice"), "y").Result()
	assert.NoError(t, err)
	assert.Equal(t, int64(1), n, "still subscribed while one connection remains")

	reg.Remove(ctx, "alice", c2)
	assert.Eventually(t, func() bool {
		n, err := rdb.Publish(ctx, bus.UserTopic("alice"), "z").Result()
		return err == nil && n == 0
	}, 3*time.Second, 10*time.Millisecond, "last close unsubscribes the topic")

	_, err = rdb.Get(ctx, "user:alice:status").Result()
	assert.ErrorIs(t, err, redis.Nil)

	// removing an unknown connection is harmless
	reg.Remove(ctx, "alice", c1)
}

func TestRegistry_PendingDeliveredOnConnect(t *testing.T) {
	reg, b, _ := newTestRegistry(t)
	ctx := context.Background()

	assert.NoError(t, b.SavePending(ctx, "alice", []byte("missed-1")))
	assert.NoError(t, b.SavePending(ctx, "alice", []byte("missed-2")))

	c := &fakeConn{}
	assert.NoError(t, reg.Add(ctx, "alice", c))

	assert.Equal(t, 2, c.count())
	assert.Equal(t, "missed-1", string(c.pushes[0]), "oldest first")
	assert.Equal(t, "missed-2", string(c.pushes[1]))

	// a second device connecting later does not replay them again
	c2 := &fakeConn{}
	assert.NoError(t, reg.Add(ctx, "alice", c2))
	assert.Equal(t, 0, c2.count())
}

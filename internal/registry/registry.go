package registry

import (
	"context"
	"sync"
	"time"

	"github.com/marketloop/offer-service/internal/bus"
	"go.uber.org/zap"
)

// Conn is one live bidirectional connection. Push must respect the deadline;
// a failed push means the connection is dead and will be deregistered.
type Conn interface {
	Push(payload []byte, deadline time.Time) error
	Close() error
}

// Presence tracks reachability and offline message storage for identities.
// *bus.RedisBus satisfies it.
type Presence interface {
	DrainPending(ctx context.Context, userID string) ([][]byte, error)
	SetOnline(ctx context.Context, userID string) error
	SetOffline(ctx context.Context, userID string) error
}

// Registry is the per-process table of identity → live connections. One
// identity may hold several connections (multiple devices). The bus
// subscription per identity topic is reference-counted: subscribe with the
// first connection, unsubscribe after the last one closes.
type Registry struct {
	sub          bus.Subscriber
	presence     Presence
	writeTimeout time.Duration
	log          *zap.SugaredLogger

	mu    sync.RWMutex
	conns map[string]map[Conn]struct{}
}

// New returns an empty registry. writeTimeout bounds each delivery attempt so
// a slow connection never blocks fan-out to the others.
func New(sub bus.Subscriber, presence Presence, writeTimeout time.Duration, logger *zap.SugaredLogger) *Registry {
	return &Registry{
		sub:          sub,
		presence:     presence,
		writeTimeout: writeTimeout,
		log:          logger,
		conns:        make(map[string]map[Conn]struct{}),
	}
}

// Add registers a connection for userID and delivers any messages stored
// while the identity was offline.
func (r *Registry) Add(ctx context.Context, userID string, c Conn) error {
	r.mu.Lock()
	set, ok := r.conns[userID]
	if !ok {
		set = make(map[Conn]struct{})
		r.conns[userID] = set
	}
	set[c] = struct{}{}
	first := len(set) == 1
	r.mu.Unlock()

	if first {
		if err := r.sub.Subscribe(ctx, bus.UserTopic(userID)); err != nil {
			r.mu.Lock()
			delete(set, c)
			if len(set) == 0 {
				delete(r.conns, userID)
			}
			r.mu.Unlock()
			return err
		}
		if err := r.presence.SetOnline(ctx, userID); err != nil {
			r.log.Warnf("set online %s: %v", userID, err)
		}
	}

	pending, err := r.presence.DrainPending(ctx, userID)
	if err != nil {
		r.log.Warnf("drain pending %s: %v", userID, err)
	}
	for _, payload := range pending {
		if err := c.Push(payload, time.Now().Add(r.writeTimeout)); err != nil {
			r.Remove(ctx, userID, c)
			return err
		}
	}
	r.log.Infof("user %s connected, %d local conns", userID, r.Count(userID))
	return nil
}

// Remove deregisters one connection and closes it. Removing an unknown
// connection is a no-op.
func (r *Registry) Remove(ctx context.Context, userID string, c Conn) {
	r.mu.Lock()
	set, ok := r.conns[userID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if _, ok := set[c]; !ok {
		r.mu.Unlock()
		return
	}
	delete(set, c)
	last := len(set) == 0
	if last {
		delete(r.conns, userID)
	}
	r.mu.Unlock()

	_ = c.Close()
	if last {
		if err := r.sub.Unsubscribe(ctx, bus.UserTopic(userID)); err != nil {
			r.log.Warnf("unsubscribe %s: %v", userID, err)
		}
		if err := r.presence.SetOffline(ctx, userID); err != nil {
			r.log.Warnf("set offline %s: %v", userID, err)
		}
	}
	r.log.Infof("user %s connection removed", userID)
}

// Count reports live connections for userID.
func (r *Registry) Count(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[userID])
}

// Run consumes the bus delivery stream until ctx is cancelled, pushing each
// event to the local connections of its target identity.
func (r *Registry) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-r.sub.Messages():
			if !ok {
				return
			}
			userID, ok := bus.ParseUserTopic(m.Topic)
			if !ok {
				continue
			}
			r.Dispatch(ctx, userID, m.Payload)
		}
	}
}

// Dispatch pushes payload to every local connection of userID. A failed push
// deregisters that connection only; delivery to the rest continues.
func (r *Registry) Dispatch(ctx context.Context, userID string, payload []byte) {
	r.mu.RLock()
	targets := make([]Conn, 0, len(r.conns[userID]))
	for c := range r.conns[userID] {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	deadline := time.Now().Add(r.writeTimeout)
	for _, c := range targets {
		if err := c.Push(payload, deadline); err != nil {
			r.log.Warnf("push to %s failed, dropping connection: %v", userID, err)
			r.Remove(ctx, userID, c)
		}
	}
}

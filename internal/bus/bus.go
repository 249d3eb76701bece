package bus

import (
	"context"
	"strings"
)

// Message is one payload delivered on a subscribed topic.
type Message struct {
	Topic   string
	Payload []byte
}

// Publisher is the producer half of the event bus. Publish returns the number
// of subscribers that received the payload; delivery is at-least-once and
// fire-and-forget from the caller's perspective.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) (int64, error)
	SavePending(ctx context.Context, userID string, payload []byte) error
}

// Subscriber is the consumer half, used by the connection registry. Topics
// may be added and removed while Messages is being drained.
type Subscriber interface {
	Subscribe(ctx context.Context, topics ...string) error
	Unsubscribe(ctx context.Context, topics ...string) error
	Messages() <-chan Message
	Close() error
}

// Bus is the full pub/sub contract.
type Bus interface {
	Publisher
	Subscriber
}

// UserTopic is the per-identity notification channel.
func UserTopic(userID string) string { return "user:" + userID + ":notifications" }

// ListingTopic carries events to watchers of one listing.
func ListingTopic(listingID string) string { return "listing:" + listingID + ":watchers" }

// ParseUserTopic extracts the identity from a user topic name.
func ParseUserTopic(topic string) (string, bool) {
	if !strings.HasPrefix(topic, "user:") || !strings.HasSuffix(topic, ":notifications") {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(topic, "user:"), ":notifications")
	return id, id != ""
}

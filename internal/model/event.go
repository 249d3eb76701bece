package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OfferEvent is the immutable notification payload published once per
// committed transition. It is what lands on user/listing topics and, via the
// outbox relay, on Kafka.
type OfferEvent struct {
	OfferID   string          `json:"offer_id"`
	ListingID string          `json:"listing_id"`
	Status    string          `json:"status"`
	Amount    decimal.Decimal `json:"amount"`
	ActorID   string          `json:"actor_id"`
	EmittedAt time.Time       `json:"emitted_at"`
}

package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Offer statuses. Accepted, Rejected, Expired and Cancelled are terminal.
const (
	StatusProposed  = "proposed"
	StatusCountered = "countered"
	StatusAccepted  = "accepted"
	StatusRejected  = "rejected"
	StatusExpired   = "expired"
	StatusCancelled = "cancelled"
)

// SystemActor is the actor id the sweeper uses for expire transitions.
const SystemActor = "system"

type Offer struct {
	ID          string          `gorm:"primaryKey;size:36"`
	ListingID   string          `gorm:"size:36;not null;index:idx_offer_listing_status;uniqueIndex:udx_offer_open_buyer,priority:1"`
	BuyerID     string          `gorm:"size:36;not null;index:idx_offer_buyer_status;uniqueIndex:udx_offer_open_buyer,priority:2,where:status = 'proposed' OR status = 'countered'"`
	SellerID    string          `gorm:"size:36;not null;index:idx_offer_seller_status"`
	Amount      decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	Currency    string          `gorm:"size:8;not null;default:'USD'"`
	Status      string          `gorm:"size:16;not null;index:idx_offer_listing_status;index:idx_offer_buyer_status;index:idx_offer_seller_status;index:idx_offer_expires_status,priority:2"`
	LastActorID string          `gorm:"size:36;not null"`
	Version     uint64          `gorm:"not null;default:1"`
	ExpiresAt   time.Time       `gorm:"not null;index:idx_offer_expires_status,priority:1"`
	CreatedAt   time.Time       `gorm:"autoCreateTime"`
	UpdatedAt   time.Time       `gorm:"autoUpdateTime"`
}

func (Offer) TableName() string { return "offer" }

// Terminal reports whether no further transitions are possible.
func (o *Offer) Terminal() bool {
	switch o.Status {
	case StatusAccepted, StatusRejected, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// Counterpart returns the other negotiating party for actor, or "" when
// actor is neither the buyer nor the seller.
func (o *Offer) Counterpart(actorID string) string {
	switch actorID {
	case o.BuyerID:
		return o.SellerID
	case o.SellerID:
		return o.BuyerID
	}
	return ""
}

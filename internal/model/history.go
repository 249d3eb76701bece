package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OfferHistory is the append-only negotiation transcript. One row is written
// in the same transaction as every accepted offer mutation; Seq mirrors the
// offer version that produced the row.
type OfferHistory struct {
	ID        uint64          `gorm:"primaryKey"`
	OfferID   string          `gorm:"size:36;not null;index:idx_history_offer_seq"`
	Seq       uint64          `gorm:"not null;index:idx_history_offer_seq"`
	Amount    decimal.Decimal `gorm:"type:numeric(20,8);not null"`
	Status    string          `gorm:"size:16;not null"`
	ActorID   string          `gorm:"size:36;not null"`
	CreatedAt time.Time       `gorm:"autoCreateTime"`
}

func (OfferHistory) TableName() string { return "offer_history" }

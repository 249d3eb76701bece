package repo

import (
	"context"
	"errors"
	"time"

	"github.com/marketloop/offer-service/internal/model"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrVersionConflict is returned when a conditional write loses against a
// concurrent mutation of the same offer. Callers re-read and retry.
var ErrVersionConflict = errors.New("offer version conflict")

// RepositoryInterface restricts Repo methods (方便单元测试 mock)
type RepositoryInterface interface {
	DB(ctx context.Context) *gorm.DB
	GetOffer(ctx context.Context, tx *gorm.DB, offerID string) (*model.Offer, error)
	CreateOffer(ctx context.Context, tx *gorm.DB, o *model.Offer) error
	UpdateOffer(ctx context.Context, tx *gorm.DB, o *model.Offer, oldVersion uint64) error
	AppendHistory(ctx context.Context, tx *gorm.DB, h *model.OfferHistory) error
	GetHistory(ctx context.Context, offerID string) ([]model.OfferHistory, error)
	ListExpirable(ctx context.Context, before time.Time, limit int) ([]model.Offer, error)
	ListByParty(ctx context.Context, role, userID string, limit int) ([]model.Offer, error)
	FindOpenOffer(ctx context.Context, tx *gorm.DB, listingID, buyerID string) (*model.Offer, error)
	ListOpenByListing(ctx context.Context, tx *gorm.DB, listingID, excludeOfferID string) ([]model.Offer, error)
	CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error
	PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkOutboxProcessed(ctx context.Context, id uint64) error
	PublishEvent(ctx context.Context, evt model.OutboxEvent) error
}

// Repository implements RepositoryInterface.
type Repository struct {
	db     *gorm.DB
	writer *kafka.Writer
	log    *zap.SugaredLogger
}

// NewRepository constructs repo.
func NewRepository(db *gorm.DB, w *kafka.Writer, logger *zap.SugaredLogger) *Repository {
	return &Repository{db: db, writer: w, log: logger}
}

// DB returns underlying *gorm.DB
func (r *Repository) DB(ctx context.Context) *gorm.DB { return r.db.WithContext(ctx) }

// GetOffer reads one offer.
func (r *Repository) GetOffer(ctx context.Context, tx *gorm.DB, offerID string) (*model.Offer, error) {
	var o model.Offer
	if err := tx.WithContext(ctx).Where("id = ?", offerID).First(&o).Error; err != nil {
		return nil, err
	}
	return &o, nil
}

// CreateOffer inserts a new offer.
func (r *Repository) CreateOffer(ctx context.Context, tx *gorm.DB, o *model.Offer) error {
	return tx.WithContext(ctx).Create(o).Error
}

// UpdateOffer writes amount/status/deadline conditionally on the version the
// caller read. RowsAffected == 0 means a concurrent writer won.
func (r *Repository) UpdateOffer(ctx context.Context, tx *gorm.DB, o *model.Offer, oldVersion uint64) error {
	res := tx.WithContext(ctx).
		Model(&model.Offer{}).
		Where("id = ? AND version = ?", o.ID, oldVersion).
		Updates(map[string]interface{}{
			"amount":        o.Amount,
			"status":        o.Status,
			"last_actor_id": o.LastActorID,
			"expires_at":    o.ExpiresAt,
			"version":       oldVersion + 1,
			"updated_at":    time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	o.Version = oldVersion + 1
	return nil
}

// AppendHistory inserts one transcript row.
func (r *Repository) AppendHistory(ctx context.Context, tx *gorm.DB, h *model.OfferHistory) error {
	return tx.WithContext(ctx).Create(h).Error
}

// GetHistory returns the negotiation transcript in insertion order.
func (r *Repository) GetHistory(ctx context.Context, offerID string) ([]model.OfferHistory, error) {
	var rows []model.OfferHistory
	err := r.db.WithContext(ctx).Where("offer_id = ?", offerID).Order("seq").Find(&rows).Error
	return rows, err
}

// ListExpirable returns open offers whose deadline has passed, oldest first.
func (r *Repository) ListExpirable(ctx context.Context, before time.Time, limit int) ([]model.Offer, error) {
	var offers []model.Offer
	err := r.db.WithContext(ctx).
		Where("status IN ? AND expires_at <= ?", []string{model.StatusProposed, model.StatusCountered}, before).
		Order("expires_at").
		Limit(limit).
		Find(&offers).Error
	return offers, err
}

// ListByParty returns offers where userID is the buyer or the seller.
func (r *Repository) ListByParty(ctx context.Context, role, userID string, limit int) ([]model.Offer, error) {
	col := "buyer_id"
	if role == "seller" {
		col = "seller_id"
	}
	var offers []model.Offer
	err := r.db.WithContext(ctx).
		Where(col+" = ?", userID).
		Order("created_at desc").
		Limit(limit).
		Find(&offers).Error
	return offers, err
}

// FindOpenOffer looks for an existing non-terminal offer by the same buyer on
// the same listing.
func (r *Repository) FindOpenOffer(ctx context.Context, tx *gorm.DB, listingID, buyerID string) (*model.Offer, error) {
	var o model.Offer
	err := tx.WithContext(ctx).
		Where("listing_id = ? AND buyer_id = ? AND status IN ?",
			listingID, buyerID, []string{model.StatusProposed, model.StatusCountered}).
		First(&o).Error
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// ListOpenByListing returns the listing's open offers except excludeOfferID.
func (r *Repository) ListOpenByListing(ctx context.Context, tx *gorm.DB, listingID, excludeOfferID string) ([]model.Offer, error) {
	var offers []model.Offer
	err := tx.WithContext(ctx).
		Where("listing_id = ? AND id <> ? AND status IN ?",
			listingID, excludeOfferID, []string{model.StatusProposed, model.StatusCountered}).
		Order("created_at").
		Find(&offers).Error
	return offers, err
}

// CreateOutboxEvent writes event.
func (r *Repository) CreateOutboxEvent(ctx context.Context, tx *gorm.DB, evt *model.OutboxEvent) error {
	return tx.WithContext(ctx).Create(evt).Error
}

// PollOutbox pulls unprocessed events.
func (r *Repository) PollOutbox(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var evts []model.OutboxEvent
	err := r.db.WithContext(ctx).Where("processed=false").Order("created_at").Limit(limit).Find(&evts).Error
	return evts, err
}

// MarkOutboxProcessed sets processed flag.
func (r *Repository) MarkOutboxProcessed(ctx context.Context, id uint64) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.OutboxEvent{}).Where("id=?", id).
		Updates(map[string]interface{}{"processed": true, "processed_at": &now}).Error
}

// PublishEvent sends to Kafka, keyed by offer id so one offer stays in order.
func (r *Repository) PublishEvent(ctx context.Context, evt model.OutboxEvent) error {
	msg := kafka.Message{
		Key:   []byte(evt.AggregateID),
		Value: []byte(evt.Payload),
		Time:  time.Now(),
	}
	return r.writer.WriteMessages(ctx, msg)
}

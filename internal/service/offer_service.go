package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/marketloop/offer-service/internal/bus"
	"github.com/marketloop/offer-service/internal/model"
	"github.com/marketloop/offer-service/internal/repo"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Action is a requested offer transition.
type Action string

const (
	ActionCounter Action = "counter"
	ActionAccept  Action = "accept"
	ActionReject  Action = "reject"
	ActionCancel  Action = "cancel"
	ActionExpire  Action = "expire"
)

var (
	// ErrNotFound means no offer exists with the given id.
	ErrNotFound = errors.New("offer not found")
	// ErrInvalidTransition means the current status has no edge for the action.
	ErrInvalidTransition = errors.New("invalid transition for current status")
	// ErrForbidden means the actor is not authorized for the transition.
	ErrForbidden = errors.New("actor not allowed for this action")
	// ErrInvalidAmount means a non-positive amount, or a counter equal to the
	// current amount.
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrDuplicateOffer means the buyer already has an open offer on the listing.
	ErrDuplicateOffer = errors.New("open offer already exists for this listing")
)

// OfferService owns the negotiation state machine. Apply is the single
// mutation entry point shared by user requests and the expiration sweeper, so
// every writer goes through the same version-conditioned commit.
type OfferService struct {
	repo repo.RepositoryInterface
	pub  bus.Publisher
	ttl  time.Duration
	log  *zap.SugaredLogger
}

// NewOfferService returns OfferService. ttl is the deadline attached to
// proposed and countered offers.
func NewOfferService(r repo.RepositoryInterface, pub bus.Publisher, ttl time.Duration, logger *zap.SugaredLogger) *OfferService {
	return &OfferService{repo: r, pub: pub, ttl: ttl, log: logger}
}

// Propose creates a new offer from buyer on listing.
func (s *OfferService) Propose(ctx context.Context, listingID, buyerID, sellerID, currency string, amount decimal.Decimal) (*model.Offer, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidAmount
	}
	if buyerID == sellerID {
		return nil, ErrForbidden
	}
	if currency == "" {
		currency = "USD"
	}
	now := time.Now()
	o := &model.Offer{
		ID:          uuid.NewString(),
		ListingID:   listingID,
		BuyerID:     buyerID,
		SellerID:    sellerID,
		Amount:      amount,
		Currency:    currency,
		Status:      model.StatusProposed,
		LastActorID: buyerID,
		Version:     1,
		ExpiresAt:   now.Add(s.ttl),
	}
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		_, err := s.repo.FindOpenOffer(ctx, tx, listingID, buyerID)
		if err == nil {
			return ErrDuplicateOffer
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := s.repo.CreateOffer(ctx, tx, o); err != nil {
			// the open-offer index catches two racing proposals; the
			// read above only catches the sequential case
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrDuplicateOffer
			}
			return err
		}
		if err := s.appendHistory(ctx, tx, o, buyerID); err != nil {
			return err
		}
		return s.appendOutbox(ctx, tx, o, buyerID)
	})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, o, buyerID)
	return o, nil
}

// Apply validates and commits one transition against expectedVersion. On a
// version mismatch the caller must re-read and retry; the commit itself is
// also conditioned on the version, so two racing writers cannot both win.
func (s *OfferService) Apply(ctx context.Context, offerID string, action Action, actorID string, amount decimal.Decimal, expectedVersion uint64) (*model.Offer, error) {
	var out *model.Offer
	var rejected []*model.Offer
	err := s.repo.DB(ctx).Transaction(func(tx *gorm.DB) error {
		o, err := s.repo.GetOffer(ctx, tx, offerID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if o.Version != expectedVersion {
			return repo.ErrVersionConflict
		}
		if err := s.transition(o, action, actorID, amount); err != nil {
			return err
		}
		if err := s.repo.UpdateOffer(ctx, tx, o, expectedVersion); err != nil {
			return err
		}
		if err := s.appendHistory(ctx, tx, o, actorID); err != nil {
			return err
		}
		if err := s.appendOutbox(ctx, tx, o, actorID); err != nil {
			return err
		}
		if action == ActionAccept {
			rejected, err = s.rejectSiblings(ctx, tx, o, actorID)
			if err != nil {
				return err
			}
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, out, actorID)
	for _, sib := range rejected {
		s.notify(ctx, sib, actorID)
	}
	return out, nil
}

// rejectSiblings closes the listing's remaining open offers once one is
// accepted. Losing buyers hear about it right away instead of negotiating on
// a sold listing until the deadline.
func (s *OfferService) rejectSiblings(ctx context.Context, tx *gorm.DB, accepted *model.Offer, actorID string) ([]*model.Offer, error) {
	siblings, err := s.repo.ListOpenByListing(ctx, tx, accepted.ListingID, accepted.ID)
	if err != nil {
		return nil, err
	}
	out := make([]*model.Offer, 0, len(siblings))
	for i := range siblings {
		sib := &siblings[i]
		sib.Status = model.StatusRejected
		if err := s.repo.UpdateOffer(ctx, tx, sib, sib.Version); err != nil {
			return nil, err
		}
		if err := s.appendHistory(ctx, tx, sib, actorID); err != nil {
			return nil, err
		}
		if err := s.appendOutbox(ctx, tx, sib, actorID); err != nil {
			return nil, err
		}
		out = append(out, sib)
	}
	return out, nil
}

// transition mutates o in place according to the state machine, or reports
// why the action is not allowed.
func (s *OfferService) transition(o *model.Offer, action Action, actorID string, amount decimal.Decimal) error {
	if o.Terminal() {
		return ErrInvalidTransition
	}
	// past the deadline only the expire edge is left: an overdue offer is
	// refused here and resolved by the sweeper
	if action != ActionExpire && !time.Now().Before(o.ExpiresAt) {
		return ErrInvalidTransition
	}
	switch action {
	case ActionCounter:
		// the party answering the current amount counters; parties alternate
		if o.Counterpart(actorID) == "" || actorID == o.LastActorID {
			return ErrForbidden
		}
		if amount.LessThanOrEqual(decimal.Zero) || amount.Equal(o.Amount) {
			return ErrInvalidAmount
		}
		o.Amount = amount
		o.Status = model.StatusCountered
		o.LastActorID = actorID
		o.ExpiresAt = time.Now().Add(s.ttl)
	case ActionAccept:
		if o.Counterpart(actorID) == "" || actorID == o.LastActorID {
			return ErrForbidden
		}
		// amount stays frozen at the last proposed value
		o.Status = model.StatusAccepted
	case ActionReject:
		if o.Counterpart(actorID) == "" || actorID == o.LastActorID {
			return ErrForbidden
		}
		o.Status = model.StatusRejected
	case ActionCancel:
		if actorID != o.LastActorID {
			return ErrForbidden
		}
		o.Status = model.StatusCancelled
	case ActionExpire:
		if actorID != model.SystemActor {
			return ErrForbidden
		}
		if time.Now().Before(o.ExpiresAt) {
			return ErrInvalidTransition
		}
		o.Status = model.StatusExpired
	default:
		return ErrInvalidTransition
	}
	return nil
}

func (s *OfferService) appendHistory(ctx context.Context, tx *gorm.DB, o *model.Offer, actorID string) error {
	h := &model.OfferHistory{
		OfferID: o.ID,
		Seq:     o.Version,
		Amount:  o.Amount,
		Status:  o.Status,
		ActorID: actorID,
	}
	return s.repo.AppendHistory(ctx, tx, h)
}

func (s *OfferService) appendOutbox(ctx context.Context, tx *gorm.DB, o *model.Offer, actorID string) error {
	payload, err := json.Marshal(s.event(o, actorID))
	if err != nil {
		return err
	}
	evt := &model.OutboxEvent{
		Aggregate: "Offer", AggregateID: o.ID, EventType: o.Status, Payload: string(payload),
	}
	return s.repo.CreateOutboxEvent(ctx, tx, evt)
}

func (s *OfferService) event(o *model.Offer, actorID string) model.OfferEvent {
	return model.OfferEvent{
		OfferID:   o.ID,
		ListingID: o.ListingID,
		Status:    o.Status,
		Amount:    o.Amount,
		ActorID:   actorID,
		EmittedAt: time.Now().UTC(),
	}
}

// notify fans the committed transition out to both parties and the listing
// watchers. Bus failures are logged and swallowed; the store stays the source
// of truth and clients recover on reconnect.
func (s *OfferService) notify(ctx context.Context, o *model.Offer, actorID string) {
	payload, err := json.Marshal(s.event(o, actorID))
	if err != nil {
		s.log.Errorf("marshal event for offer %s: %v", o.ID, err)
		return
	}
	for _, topic := range RouteTopics(o) {
		n, err := s.pub.Publish(ctx, topic.Name, payload)
		if err != nil {
			s.log.Warnf("publish %s: %v", topic.Name, err)
			continue
		}
		if n == 0 && topic.UserID != "" {
			if err := s.pub.SavePending(ctx, topic.UserID, payload); err != nil {
				s.log.Warnf("save pending for %s: %v", topic.UserID, err)
			}
		}
	}
}

// Get returns one offer.
func (s *OfferService) Get(ctx context.Context, offerID string) (*model.Offer, error) {
	o, err := s.repo.GetOffer(ctx, s.repo.DB(ctx), offerID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return o, nil
}

// List returns offers where userID participates as role ("buyer" or "seller").
func (s *OfferService) List(ctx context.Context, role, userID string, limit int) ([]model.Offer, error) {
	return s.repo.ListByParty(ctx, role, userID, limit)
}

// History returns the negotiation transcript for one offer.
func (s *OfferService) History(ctx context.Context, offerID string) ([]model.OfferHistory, error) {
	return s.repo.GetHistory(ctx, offerID)
}

// Repo exposes underlying repository (unit tests helper).
func (s *OfferService) Repo() repo.RepositoryInterface {
	return s.repo
}

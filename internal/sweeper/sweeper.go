package sweeper

import (
	"context"
	"errors"
	"time"

	"github.com/marketloop/offer-service/internal/model"
	"github.com/marketloop/offer-service/internal/repo"
	"github.com/marketloop/offer-service/internal/service"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Sweeper drives stale proposed/countered offers through the engine's expire
// transition. It shares Apply with user-initiated requests, so expiration is
// conditioned on each offer's own version and never races a concurrent
// accept or counter.
type Sweeper struct {
	svc      *service.OfferService
	repo     repo.RepositoryInterface
	interval time.Duration
	batch    int
	log      *zap.SugaredLogger
}

// New returns a Sweeper ticking every interval, expiring at most batch offers
// per tick.
func New(svc *service.OfferService, r repo.RepositoryInterface, interval time.Duration, batch int, logger *zap.SugaredLogger) *Sweeper {
	return &Sweeper{svc: svc, repo: r, interval: interval, batch: batch, log: logger}
}

// Run ticks until ctx is cancelled. In-flight single-offer transitions finish;
// the batch stops at the next offer boundary.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.log.Infof("sweeper started, interval=%s batch=%d", s.interval, s.batch)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass and returns how many offers it expired. Version
// conflicts and already-terminal offers mean a concurrent action resolved the
// offer first; the intent is satisfied either way, so both are swallowed.
func (s *Sweeper) Sweep(ctx context.Context) int {
	offers, err := s.repo.ListExpirable(ctx, time.Now(), s.batch)
	if err != nil {
		s.log.Errorf("list expirable: %v", err)
		return 0
	}
	expired := 0
	for i := range offers {
		if ctx.Err() != nil {
			return expired
		}
		// re-read right before applying; the scan result may already be stale
		cur, err := s.repo.GetOffer(ctx, s.repo.DB(ctx), offers[i].ID)
		if err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				s.log.Errorf("read offer %s: %v", offers[i].ID, err)
			}
			continue
		}
		_, err = s.svc.Apply(ctx, cur.ID, service.ActionExpire, model.SystemActor, decimal.Zero, cur.Version)
		switch {
		case err == nil:
			expired++
		case errors.Is(err, repo.ErrVersionConflict), errors.Is(err, service.ErrInvalidTransition):
			// resolved by a concurrent user action, or not yet due
		default:
			s.log.Errorf("expire offer %s: %v", cur.ID, err)
		}
	}
	if expired > 0 {
		s.log.Infof("expired %d offers", expired)
	}
	return expired
}

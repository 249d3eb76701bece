package repo

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/marketloop/offer-service/internal/logger"
	"github.com/marketloop/offer-service/internal/model"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestRepo(t *testing.T) *Repository {
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	assert.NoError(t, err)
	sqlDB, err := db.DB()
	assert.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	assert.NoError(t, db.AutoMigrate(&model.Offer{}, &model.OfferHistory{}, &model.OutboxEvent{}))
	return NewRepository(db, &kafka.Writer{}, must(logger.NewLogger()))
}

func seedOffer(t *testing.T, r *Repository, id string) *model.Offer {
	o := &model.Offer{
		ID: id, ListingID: "listing-" + id, BuyerID: "buyer", SellerID: "seller",
		Amount: decimal.NewFromInt(100), Currency: "USD",
		Status: model.StatusProposed, LastActorID: "buyer",
		Version: 1, ExpiresAt: time.Now().Add(time.Hour),
	}
	assert.NoError(t, r.DB(context.Background()).Create(o).Error)
	return o
}

func TestOptimisticLock_ConcurrentUpdate(t *testing.T) {
	r := newTestRepo(t)
	seedOffer(t, r, "o1")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		conflicts int
		successes int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(n int64) {
			defer wg.Done()
			err := r.DB(context.Background()).Transaction(func(tx *gorm.DB) error {
				o := &model.Offer{
					ID: "o1", Amount: decimal.NewFromInt(100 + n),
					Status: model.StatusCountered, LastActorID: "seller",
					ExpiresAt: time.Now().Add(time.Hour),
				}
				// both writers attach the version they read before the race
				return r.UpdateOffer(context.Background(), tx, o, 1)
			})
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, ErrVersionConflict) {
				conflicts++
			} else if err == nil {
				successes++
			}
		}(int64(i + 10))
	}
	wg.Wait()

	assert.Equal(t, 1, successes, "exactly one writer should win")
	assert.Equal(t, 1, conflicts, "the loser should see a version conflict")

	final, err := r.GetOffer(context.Background(), r.DB(context.Background()), "o1")
	assert.NoError(t, err)
	assert.Equal(t, uint64(2), final.Version)
	assert.Equal(t, model.StatusCountered, final.Status)
}

func TestListExpirable(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	past := seedOffer(t, r, "past")
	assert.NoError(t, r.DB(ctx).Model(past).Update("expires_at", time.Now().Add(-time.Minute)).Error)

	terminal := seedOffer(t, r, "terminal")
	assert.NoError(t, r.DB(ctx).Model(terminal).
		Updates(map[string]interface{}{"expires_at": time.Now().Add(-time.Minute), "status": model.StatusAccepted}).Error)

	seedOffer(t, r, "future")

	offers, err := r.ListExpirable(ctx, time.Now(), 10)
	assert.NoError(t, err)
	assert.Len(t, offers, 1)
	assert.Equal(t, "past", offers[0].ID)
}

func must(l *zap.SugaredLogger, err error) *zap.SugaredLogger {
	if err != nil {
		panic(err)
	}
	return l
}

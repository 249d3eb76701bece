package sweeper

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/marketloop/offer-service/internal/bus"
	"github.com/marketloop/offer-service/internal/logger"
	"github.com/marketloop/offer-service/internal/model"
	"github.com/marketloop/offer-service/internal/repo"
	"github.com/marketloop/offer-service/internal/service"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestSweeper(t *testing.T, batch int) (*Sweeper, *service.OfferService, *redis.Client, context.Context) {
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	assert.NoError(t, err)
	sqlDB, err := db.DB()
	assert.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	assert.NoError(t, db.AutoMigrate(&model.Offer{}, &model.OfferHistory{}, &model.OutboxEvent{}))

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	log, _ := logger.NewLogger()
	repository := repo.NewRepository(db, &kafka.Writer{}, log)
	eventBus := bus.NewRedisBus(rdb, time.Hour, log)
	t.Cleanup(func() { eventBus.Close() })
	svc := service.NewOfferService(repository, eventBus, time.Hour, log)

	return New(svc, repository, time.Minute, batch, log), svc, rdb, context.Background()
}

func expireAt(t *testing.T, svc *service.OfferService, ctx context.Context, id string, at time.Time) {
	assert.NoError(t, svc.Repo().DB(ctx).
		Model(&model.Offer{}).Where("id = ?", id).Update("expires_at", at).Error)
}

func TestSweep_ExpiresStaleOffers(t *testing.T) {
	sw, svc, _, ctx := newTestSweeper(t, 100)

	stale, err := svc.Propose(ctx, "l1", "buyer", "seller", "USD", decimal.NewFromInt(100))
	assert.NoError(t, err)
	expireAt(t, svc, ctx, stale.ID, time.Now().Add(-time.Minute))

	fresh, err := svc.Propose(ctx, "l2", "buyer", "seller", "USD", decimal.NewFromInt(50))
	assert.NoError(t, err)

	assert.Equal(t, 1, sw.Sweep(ctx))

	got, err := svc.Get(ctx, stale.ID)
	assert.NoError(t, err)
	assert.Equal(t, model.StatusExpired, got.Status)
	assert.Equal(t, uint64(2), got.Version)

	// the transcript records the system actor
	hist, err := svc.History(ctx, stale.ID)
	assert.NoError(t, err)
	assert.Len(t, hist, 2)
	assert.Equal(t, model.SystemActor, hist[1].ActorID)

	got, err = svc.Get(ctx, fresh.ID)
	assert.NoError(t, err)
	assert.Equal(t, model.StatusProposed, got.Status)

	// idempotent: a second pass finds nothing to do
	assert.Equal(t, 0, sw.Sweep(ctx))
}

func TestSweep_PublishesExpiredEvent(t *testing.T) {
	sw, svc, rdb, ctx := newTestSweeper(t, 100)

	o, err := svc.Propose(ctx, "l1", "buyer", "seller", "USD", decimal.NewFromInt(100))
	assert.NoError(t, err)
	expireAt(t, svc, ctx, o.ID, time.Now().Add(-time.Minute))

	// no live subscribers, so the expired event lands in pending storage
	assert.Equal(t, 1, sw.Sweep(ctx))

	vals, err := rdb.LRange(ctx, "user:buyer:pending_messages", 0, -1).Result()
	assert.NoError(t, err)
	assert.Len(t, vals, 2) // proposed + expired

	var evt model.OfferEvent
	assert.NoError(t, json.Unmarshal([]byte(vals[0]), &evt)) // newest first
	assert.Equal(t, model.StatusExpired, evt.Status)
	assert.Equal(t, model.SystemActor, evt.ActorID)
}

func TestSweep_BatchBounded(t *testing.T) {
	sw, svc, _, ctx := newTestSweeper(t, 2)

	for i, l := range []string{"l1", "l2", "l3"} {
		o, err := svc.Propose(ctx, l, "buyer", "seller", "USD", decimal.NewFromInt(int64(10+i)))
		assert.NoError(t, err)
		expireAt(t, svc, ctx, o.ID, time.Now().Add(-time.Minute))
	}

	assert.Equal(t, 2, sw.Sweep(ctx))
	// the next tick picks up the remainder
	assert.Equal(t, 1, sw.Sweep(ctx))
	assert.Equal(t, 0, sw.Sweep(ctx))
}

func TestSweep_SkipsResolvedOffer(t *testing.T) {
	sw, svc, _, ctx := newTestSweeper(t, 100)

	o, err := svc.Propose(ctx, "l1", "buyer", "seller", "USD", decimal.NewFromInt(100))
	assert.NoError(t, err)

	// the seller accepts in time; once the deadline passes the sweep must
	// leave the terminal state alone
	_, err = svc.Apply(ctx, o.ID, service.ActionAccept, "seller", decimal.Zero, 1)
	assert.NoError(t, err)
	expireAt(t, svc, ctx, o.ID, time.Now().Add(-time.Minute))

	assert.Equal(t, 0, sw.Sweep(ctx))

	got, err := svc.Get(ctx, o.ID)
	assert.NoError(t, err)
	assert.Equal(t, model.StatusAccepted, got.Status)
}

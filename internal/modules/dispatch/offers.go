// README: Offer bookkeeping; which drivers were told about a trip, and when.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"hail/internal/types"
)

// OfferLog records the set of drivers notified about a requested trip so the
// widened pass skips them and cancellation can reach them. The log is advisory
// matching state, not trip truth; losing it costs at worst a duplicate offer.
type OfferLog interface {
	Record(ctx context.Context, tripID types.ID, driverIDs []types.ID) error
	Offered(ctx context.Context, tripID types.ID) ([]types.ID, error)
	Clear(ctx context.Context, tripID types.ID) error
}

const (
	offeredKeyPrefix    = "dispatch:trip:%s:offered"
	dispatchedKeyPrefix = "dispatch:trip:%s:dispatched_at"
	// Offers resolve within two timeout windows; the TTL is generous slack.
	offerKeyTTL = 24 * time.Hour
)

// RedisOfferLog shares the offer set between instances.
type RedisOfferLog struct {
	rdb *redis.Client
}

func NewRedisOfferLog(rdb *redis.Client) *RedisOfferLog {
	return &RedisOfferLog{rdb: rdb}
}

func (l *RedisOfferLog) Record(ctx context.Context, tripID types.ID, driverIDs []types.ID) error {
	if len(driverIDs) == 0 {
		return nil
	}
	members := make([]interface{}, len(driverIDs))
	for i, d := range driverIDs {
		members[i] = string(d)
	}

	pipe := l.rdb.Pipeline()
	pipe.SetNX(ctx, offerKey(dispatchedKeyPrefix, tripID), time.Now().UTC().Format(time.RFC3339), offerKeyTTL)
	pipe.SAdd(ctx, offerKey(offeredKeyPrefix, tripID), members...)
	pipe.Expire(ctx, offerKey(offeredKeyPrefix, tripID), offerKeyTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (l *RedisOfferLog) Offered(ctx context.Context, tripID types.ID) ([]types.ID, error) {
	members, err := l.rdb.SMembers(ctx, offerKey(offeredKeyPrefix, tripID)).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]types.ID, len(members))
	for i, m := range members {
		ids[i] = types.ID(m)
	}
	return ids, nil
}

func (l *RedisOfferLog) Clear(ctx context.Context, tripID types.ID) error {
	return l.rdb.Del(ctx,
		offerKey(offeredKeyPrefix, tripID),
		offerKey(dispatchedKeyPrefix, tripID),
	).Err()
}

func offerKey(prefix string, tripID types.ID) string {
	return fmt.Sprintf(prefix, string(tripID))
}

// MemOfferLog backs single-node runs and tests.
type MemOfferLog struct {
	mu      sync.Mutex
	offered map[types.ID]map[types.ID]struct{}
}

func NewMemOfferLog() *MemOfferLog {
	return &MemOfferLog{offered: make(map[types.ID]map[types.ID]struct{})}
}

func (l *MemOfferLog) Record(_ context.Context, tripID types.ID, driverIDs []types.ID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.offered[tripID] == nil {
		l.offered[tripID] = make(map[types.ID]struct{})
	}
	for _, d := range driverIDs {
		l.offered[tripID][d] = struct{}{}
	}
	return nil
}

func (l *MemOfferLog) Offered(_ context.Context, tripID types.ID) ([]types.ID, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]types.ID, 0, len(l.offered[tripID]))
	for d := range l.offered[tripID] {
		ids = append(ids, d)
	}
	return ids, nil
}

func (l *MemOfferLog) Clear(_ context.Context, tripID types.ID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.offered, tripID)
	return nil
}

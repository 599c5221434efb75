package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alien2112/smartline-dispatch/internal/models"
)

const (
	pendingKeyPrefix  = "ride:pending:"
	notifiedKeyPrefix = "ride:notified:"

	// recordTTLSlack keeps records readable past their deadline so the
	// reconciler can always finalize them before the keys vanish.
	recordTTLSlack = 2 * time.Minute
)

// RecordStore keeps the in-flight dispatch state for trips that have
// been offered to drivers but not yet accepted.
type RecordStore interface {
	Create(ctx context.Context, rec *models.DispatchRecord) error
	Get(ctx context.Context, tripID string) (*models.DispatchRecord, error)
	// Delete removes the pending record and the notified set.
	Delete(ctx context.Context, tripID string) error
	// NotifiedDrivers returns who was offered the trip.
	NotifiedDrivers(ctx context.Context, tripID string) ([]string, error)
	// ScanPending walks all live records, calling fn for each. fn
	// returning false stops the walk.
	ScanPending(ctx context.Context, fn func(rec *models.DispatchRecord) bool) error
}

type RedisRecords struct {
	rdb *redis.Client
}

func NewRedisRecords(rdb *redis.Client) *RedisRecords {
	return &RedisRecords{rdb: rdb}
}

func (r *RedisRecords) Create(ctx context.Context, rec *models.DispatchRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	ttl := time.Until(rec.ExpiresAt) + recordTTLSlack
	pipe := r.rdb.Pipeline()
	pipe.Set(ctx, pendingKeyPrefix+rec.TripID, payload, ttl)
	if len(rec.NotifiedDrivers) > 0 {
		members := make([]any, len(rec.NotifiedDrivers))
		for i, id := range rec.NotifiedDrivers {
			members[i] = id
		}
		pipe.SAdd(ctx, notifiedKeyPrefix+rec.TripID, members...)
		pipe.Expire(ctx, notifiedKeyPrefix+rec.TripID, ttl)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisRecords) Get(ctx context.Context, tripID string) (*models.DispatchRecord, error) {
	raw, err := r.rdb.Get(ctx, pendingKeyPrefix+tripID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec models.DispatchRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *RedisRecords) Delete(ctx context.Context, tripID string) error {
	return r.rdb.Del(ctx, pendingKeyPrefix+tripID, notifiedKeyPrefix+tripID).Err()
}

func (r *RedisRecords) NotifiedDrivers(ctx context.Context, tripID string) ([]string, error) {
	return r.rdb.SMembers(ctx, notifiedKeyPrefix+tripID).Result()
}

func (r *RedisRecords) ScanPending(ctx context.Context, fn func(rec *models.DispatchRecord) bool) error {
	var cursor uint64
	for {
		keys, next, err := r.rdb.Scan(ctx, cursor, pendingKeyPrefix+"*", 100).Result()
		if err != nil {
			return err
		}
		for _, key := range keys {
			raw, err := r.rdb.Get(ctx, key).Bytes()
			if err == redis.Nil {
				continue // expired mid-scan
			}
			if err != nil {
				return err
			}
			var rec models.DispatchRecord
			if err := json.Unmarshal(raw, &rec); err != nil {
				continue
			}
			if !fn(&rec) {
				return nil
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// MemoryRecords mirrors RedisRecords for tests.
type MemoryRecords struct {
	mu      sync.Mutex
	records map[string]*models.DispatchRecord
}

func NewMemoryRecords() *MemoryRecords {
	return &MemoryRecords{records: make(map[string]*models.DispatchRecord)}
}

func (m *MemoryRecords) Create(_ context.Context, rec *models.DispatchRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	cp.NotifiedDrivers = append([]string(nil), rec.NotifiedDrivers...)
	m.records[rec.TripID] = &cp
	return nil
}

func (m *MemoryRecords) Get(_ context.Context, tripID string) (*models.DispatchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[tripID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (m *MemoryRecords) Delete(_ context.Context, tripID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, tripID)
	return nil
}

func (m *MemoryRecords) NotifiedDrivers(_ context.Context, tripID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[tripID]
	if !ok {
		return nil, nil
	}
	return append([]string(nil), rec.NotifiedDrivers...), nil
}

func (m *MemoryRecords) ScanPending(_ context.Context, fn func(rec *models.DispatchRecord) bool) error {
	m.mu.Lock()
	recs := make([]*models.DispatchRecord, 0, len(m.records))
	for _, rec := range m.records {
		cp := *rec
		recs = append(recs, &cp)
	}
	m.mu.Unlock()
	for _, rec := range recs {
		if !fn(rec) {
			return nil
		}
	}
	return nil
}

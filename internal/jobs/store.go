package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	deliveryKeyPrefix = "delivery:"
	maxUpdateRetries  = 10
)

// ErrRecordNotFound は配送記録が存在しない（または期限切れの）場合に返されます。
var ErrRecordNotFound = errors.New("delivery record not found")

// Store は配送記録を Redis に保存します。
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewStore は Store を作成します。
func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{
		rdb: rdb,
		ttl: ttl,
	}
}

// Ping は Redis への疎通を確認します。
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close は Redis クライアントを閉じます。
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Get は配送記録を取得します。存在しない場合は nil, nil を返します。
func (s *Store) Get(ctx context.Context, deliveryID string) (*Record, error) {
	if deliveryID == "" {
		return nil, fmt.Errorf("deliveryID is required")
	}
	data, err := s.rdb.Get(ctx, deliveryKey(deliveryID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// Upsert は配送記録を保存します（存在しない場合は作成）。
func (s *Store) Upsert(ctx context.Context, record *Record) error {
	if record == nil {
		return fmt.Errorf("record is nil")
	}
	if record.DeliveryID == "" {
		return fmt.Errorf("record.DeliveryID is required")
	}
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	if record.ExpiresAt.IsZero() && s.ttl > 0 {
		record.ExpiresAt = record.CreatedAt.Add(s.ttl)
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, deliveryKey(record.DeliveryID), payload, s.ttl).Err()
}

// MarkSending は送信開始を記録し、試行回数を増やします。
func (s *Store) MarkSending(ctx context.Context, deliveryID string) error {
	return s.updatePartial(ctx, deliveryID, func(record *Record) {
		record.Status = StatusSending
		record.Attempts++
	})
}

// MarkSent は送信完了を記録します。
func (s *Store) MarkSent(ctx context.Context, deliveryID string) error {
	return s.updatePartial(ctx, deliveryID, func(record *Record) {
		record.Status = StatusSent
		record.Error = nil
	})
}

// MarkRetrying は再試行待ちに戻します。
func (s *Store) MarkRetrying(ctx context.Context, deliveryID string, errInfo *ErrorInfo) error {
	return s.updatePartial(ctx, deliveryID, func(record *Record) {
		record.Status = StatusQueued
		record.Error = errInfo
	})
}

// MarkFailed は配送失敗を記録します。
func (s *Store) MarkFailed(ctx context.Context, deliveryID string, errInfo *ErrorInfo) error {
	return s.updatePartial(ctx, deliveryID, func(record *Record) {
		record.Status = StatusFailed
		if errInfo != nil {
			record.Error = errInfo
		}
	})
}

// updatePartial は WATCH で楽観ロックを取りながら記録を書き換えます。
func (s *Store) updatePartial(ctx context.Context, deliveryID string, mutate func(*Record)) error {
	key := deliveryKey(deliveryID)
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("%w: %s", ErrRecordNotFound, deliveryID)
			}
			return err
		}
		var record Record
		if err := json.Unmarshal(data, &record); err != nil {
			return err
		}
		mutate(&record)
		record.UpdatedAt = time.Now().UTC()
		payload, err := json.Marshal(&record)
		if err != nil {
			return err
		}
		ttl := time.Until(record.ExpiresAt)
		if record.ExpiresAt.IsZero() || ttl <= 0 {
			ttl = s.ttl
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, ttl)
			return nil
		})
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("failed to update delivery %s: too much contention", deliveryID)
}

func deliveryKey(id string) string {
	return deliveryKeyPrefix + id
}

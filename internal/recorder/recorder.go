// Package recorder hands graded attempts to the persistence worker with
// at-least-once delivery, deduplicated by session id.
package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-testengine/internal/config"
	"github.com/stemsi/exstem-testengine/internal/model"
)

// RedisRecorder enqueues attempts onto the persist queue. A session is
// enqueued at most once for as long as its dedup key lives.
type RedisRecorder struct {
	rdb      *redis.Client
	dedupTTL time.Duration
	log      zerolog.Logger
}

// NewRedisRecorder creates a RedisRecorder.
func NewRedisRecorder(rdb *redis.Client, dedupTTL time.Duration, log zerolog.Logger) *RedisRecorder {
	return &RedisRecorder{
		rdb:      rdb,
		dedupTTL: dedupTTL,
		log:      log.With().Str("component", "attempt_recorder").Logger(),
	}
}

// Record enqueues rec unless its session was already recorded. It reports
// whether the record was newly enqueued.
func (r *RedisRecorder) Record(ctx context.Context, rec model.AttemptRecord) (bool, error) {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now()
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("encode attempt: %w", err)
	}

	key := config.CacheKey.AttemptRecordedKey(rec.SessionID.String())
	ok, err := r.rdb.SetNX(ctx, key, rec.RecordedAt.Unix(), r.dedupTTL).Result()
	if err != nil {
		return false, fmt.Errorf("claim attempt: %w", err)
	}
	if !ok {
		r.log.Debug().Str("session_id", rec.SessionID.String()).Msg("Attempt already recorded, skipping")
		return false, nil
	}

	if err := r.rdb.RPush(ctx, config.WorkerKey.PersistAttemptsQueue, raw).Err(); err != nil {
		// Release the claim so a retry can enqueue.
		r.rdb.Del(context.WithoutCancel(ctx), key)
		return false, fmt.Errorf("enqueue attempt: %w", err)
	}

	r.log.Info().
		Str("session_id", rec.SessionID.String()).
		Str("kind", string(rec.Kind)).
		Float64("score", rec.Result.Score).
		Msg("Attempt queued for persistence")
	return true, nil
}

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-testengine/internal/api"
	"github.com/stemsi/exstem-testengine/internal/config"
	"github.com/stemsi/exstem-testengine/internal/metrics"
	"github.com/stemsi/exstem-testengine/internal/model"
)

const (
	AttemptPollTimeout = 1 * time.Second
	AttemptRetryDelay  = 5 * time.Second
)

// AttemptPersister posts an attempt to the grading service.
type AttemptPersister interface {
	PersistAttempt(ctx context.Context, rec model.AttemptRecord) error
}

// AttemptLedger is the local record of attempts.
type AttemptLedger interface {
	Insert(ctx context.Context, rec model.AttemptRecord) (bool, error)
	MarkDelivered(ctx context.Context, sessionID uuid.UUID) error
}

// AttemptNotifier announces persisted attempts.
type AttemptNotifier interface {
	PublishAttemptRecorded(ctx context.Context, rec model.AttemptRecord) error
}

// AttemptWorker consumes persist_attempts_queue: it writes the local ledger,
// posts the attempt to the grading service and publishes a notification.
// Failed posts are requeued, so every attempt is delivered at least once.
type AttemptWorker struct {
	rdb        *redis.Client
	persister  AttemptPersister
	ledger     AttemptLedger
	notifier   AttemptNotifier
	retryDelay time.Duration
	log        zerolog.Logger
}

// NewAttemptWorker creates a new AttemptWorker. ledger and notifier may be nil.
func NewAttemptWorker(rdb *redis.Client, persister AttemptPersister, ledger AttemptLedger, notifier AttemptNotifier, log zerolog.Logger) *AttemptWorker {
	return &AttemptWorker{
		rdb:        rdb,
		persister:  persister,
		ledger:     ledger,
		notifier:   notifier,
		retryDelay: AttemptRetryDelay,
		log:        log.With().Str("component", "attempt_worker").Logger(),
	}
}

// Start begins the worker loop. Call in a goroutine.
func (w *AttemptWorker) Start(ctx context.Context) {
	w.log.Info().Msg("AttemptWorker started")
	w.recoverInflight(context.WithoutCancel(ctx))

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("AttemptWorker stopping...")
			w.drain(context.Background())
			w.log.Info().Msg("AttemptWorker stopped")
			return
		default:
			w.processNext(ctx)
		}
	}
}

func (w *AttemptWorker) processNext(ctx context.Context) {
	// Items stay in the inflight list until acked.
	raw, err := w.rdb.BLMove(ctx, config.WorkerKey.PersistAttemptsQueue, config.WorkerKey.InflightAttemptsQueue,
		"LEFT", "RIGHT", AttemptPollTimeout).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
			w.log.Error().Err(err).Msg("BLMove error")
		}
		return
	}

	if err := w.handle(ctx, raw); err != nil {
		w.log.Error().Err(err).Msg("Persist attempt failed, requeueing")
		w.requeue(context.WithoutCancel(ctx), raw)

		select {
		case <-ctx.Done():
		case <-time.After(w.retryDelay):
		}
		return
	}
	w.ack(context.WithoutCancel(ctx), raw)
}

// ack removes a finished item from the inflight list.
func (w *AttemptWorker) ack(ctx context.Context, raw string) {
	if err := w.rdb.LRem(ctx, config.WorkerKey.InflightAttemptsQueue, 1, raw).Err(); err != nil {
		w.log.Warn().Err(err).Msg("Ack inflight attempt failed")
	}
}

// requeue moves an inflight item back to the tail of the queue.
func (w *AttemptWorker) requeue(ctx context.Context, raw string) {
	_, err := w.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, config.WorkerKey.InflightAttemptsQueue, 1, raw)
		pipe.RPush(ctx, config.WorkerKey.PersistAttemptsQueue, raw)
		return nil
	})
	if err != nil {
		w.log.Error().Err(err).Msg("Requeue attempt failed")
	}
}

// recoverInflight puts items left inflight by a previous run back at the
// head of the queue.
func (w *AttemptWorker) recoverInflight(ctx context.Context) {
	recovered := 0
	for {
		err := w.rdb.LMove(ctx, config.WorkerKey.InflightAttemptsQueue, config.WorkerKey.PersistAttemptsQueue,
			"RIGHT", "LEFT").Err()
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				w.log.Error().Err(err).Msg("Recover inflight attempts failed")
			}
			break
		}
		recovered++
	}
	if recovered > 0 {
		w.log.Warn().Int("count", recovered).Msg("Recovered unacknowledged attempts")
	}
}

// handle processes one raw queue item. A nil return means the item is done,
// either delivered or moved to the dead-letter queue.
func (w *AttemptWorker) handle(ctx context.Context, raw string) error {
	var rec model.AttemptRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		w.log.Error().Err(err).Msg("Invalid attempt payload, dead-lettering")
		w.rdb.RPush(ctx, config.WorkerKey.DeadAttemptsQueue, raw)
		metrics.AttemptsPersisted.WithLabelValues("invalid").Inc()
		return nil
	}

	log := w.log.With().Str("session_id", rec.SessionID.String()).Logger()

	if w.ledger != nil {
		if _, err := w.ledger.Insert(ctx, rec); err != nil {
			// The ledger is a local convenience; delivery still proceeds.
			log.Warn().Err(err).Msg("Ledger insert failed")
		}
	}

	err := w.persister.PersistAttempt(ctx, rec)
	var se *api.StatusError
	switch {
	case err == nil:
	case errors.As(err, &se) && se.Code == http.StatusConflict:
		log.Debug().Msg("Attempt already persisted upstream")
	case errors.As(err, &se) && permanent(se.Code):
		log.Error().Int("status", se.Code).Msg("Attempt rejected, dead-lettering")
		w.rdb.RPush(ctx, config.WorkerKey.DeadAttemptsQueue, raw)
		metrics.AttemptsPersisted.WithLabelValues("rejected").Inc()
		return nil
	default:
		metrics.AttemptsPersisted.WithLabelValues("retry").Inc()
		return err
	}

	metrics.AttemptsPersisted.WithLabelValues("delivered").Inc()
	if w.ledger != nil {
		if err := w.ledger.MarkDelivered(ctx, rec.SessionID); err != nil {
			log.Warn().Err(err).Msg("Mark delivered failed")
		}
	}
	if w.notifier != nil {
		if err := w.notifier.PublishAttemptRecorded(ctx, rec); err != nil {
			log.Warn().Err(err).Msg("Publish attempt.recorded failed")
		}
	}

	log.Info().Str("kind", string(rec.Kind)).Float64("score", rec.Result.Score).Msg("Attempt persisted")
	return nil
}

// permanent reports whether a status will not change on retry.
func permanent(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return false
	}
	return code >= 400 && code < 500
}

// drain processes what is left in the queue before shutdown.
func (w *AttemptWorker) drain(ctx context.Context) {
	drained := 0
	for {
		raw, err := w.rdb.LMove(ctx, config.WorkerKey.PersistAttemptsQueue, config.WorkerKey.InflightAttemptsQueue,
			"LEFT", "RIGHT").Result()
		if err != nil {
			break
		}
		if err := w.handle(ctx, raw); err != nil {
			w.log.Error().Err(err).Msg("Drain persist error")
			w.requeue(ctx, raw)
			break
		}
		w.ack(ctx, raw)
		drained++
	}

	if drained > 0 {
		w.log.Info().Int("count", drained).Msg("Drained remaining attempts")
	}
}

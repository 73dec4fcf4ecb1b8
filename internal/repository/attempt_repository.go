package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-testengine/internal/model"
)

// AttemptRepository is the local ledger of graded attempts.
type AttemptRepository struct {
	pool *pgxpool.Pool
}

// NewAttemptRepository creates a new AttemptRepository.
func NewAttemptRepository(pool *pgxpool.Pool) *AttemptRepository {
	return &AttemptRepository{pool: pool}
}

// Insert stores an attempt. Redelivery of the same session is a no-op; the
// returned bool reports whether a row was written.
func (r *AttemptRepository) Insert(ctx context.Context, rec model.AttemptRecord) (bool, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("encode attempt: %w", err)
	}

	var testID *string
	if rec.TestID != "" {
		testID = &rec.TestID
	}

	tag, err := r.pool.Exec(ctx,
		`INSERT INTO attempts
		   (session_id, identity_id, kind, test_id, score, correct, wrong, unattempted, partially_correct, payload, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (session_id) DO NOTHING`,
		rec.SessionID, rec.IdentityID, rec.Kind, testID,
		rec.Result.Score, rec.Result.Correct, rec.Result.Wrong, rec.Result.Unattempted, rec.Result.PartiallyCorrect,
		payload, rec.RecordedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert attempt: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkDelivered records that the grading service acknowledged the attempt.
func (r *AttemptRepository) MarkDelivered(ctx context.Context, sessionID uuid.UUID) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE attempts SET delivered_at = $1
		 WHERE session_id = $2 AND delivered_at IS NULL`,
		time.Now(), sessionID)
	return err
}

// ListByIdentity returns one page of an identity's attempts, newest first,
// and the total count.
func (r *AttemptRepository) ListByIdentity(ctx context.Context, identityID string, page, perPage int) ([]model.AttemptSummary, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM attempts WHERE identity_id = $1`, identityID,
	).Scan(&total); err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * perPage
	rows, err := r.pool.Query(ctx,
		`SELECT session_id, identity_id, kind, test_id, score, correct, wrong, unattempted, partially_correct,
		        recorded_at, delivered_at
		 FROM attempts
		 WHERE identity_id = $1
		 ORDER BY recorded_at DESC
		 LIMIT $2 OFFSET $3`, identityID, perPage, offset,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var attempts []model.AttemptSummary
	for rows.Next() {
		var a model.AttemptSummary
		if err := rows.Scan(&a.SessionID, &a.IdentityID, &a.Kind, &a.TestID, &a.Score,
			&a.Correct, &a.Wrong, &a.Unattempted, &a.Partial, &a.RecordedAt, &a.DeliveredAt); err != nil {
			return nil, 0, err
		}
		attempts = append(attempts, a)
	}
	return attempts, total, rows.Err()
}

// Package store persists session checkpoints so an active session survives a
// process restart.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-testengine/internal/config"
	"github.com/stemsi/exstem-testengine/internal/session"
)

// ErrNotFound is returned when no checkpoint exists for a session.
var ErrNotFound = errors.New("checkpoint not found")

// CheckpointStore keeps one checkpoint per session, indexed by identity.
type CheckpointStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewCheckpointStore creates a CheckpointStore. Checkpoints expire after ttl.
func NewCheckpointStore(rdb *redis.Client, ttl time.Duration) *CheckpointStore {
	return &CheckpointStore{rdb: rdb, ttl: ttl}
}

// Save overwrites the checkpoint of cp.SessionID.
func (s *CheckpointStore) Save(ctx context.Context, cp session.Checkpoint) error {
	if cp.SavedAt.IsZero() {
		cp.SavedAt = time.Now()
	}
	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	id := cp.SessionID.String()
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, config.CacheKey.SessionCheckpointKey(id), raw, s.ttl)
	if cp.IdentityID != "" {
		idx := config.CacheKey.IdentityCheckpointsKey(cp.IdentityID)
		pipe.SAdd(ctx, idx, id)
		pipe.Expire(ctx, idx, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Load returns the checkpoint of sessionID.
func (s *CheckpointStore) Load(ctx context.Context, sessionID uuid.UUID) (session.Checkpoint, error) {
	var cp session.Checkpoint

	raw, err := s.rdb.Get(ctx, config.CacheKey.SessionCheckpointKey(sessionID.String())).Bytes()
	if errors.Is(err, redis.Nil) {
		return cp, ErrNotFound
	}
	if err != nil {
		return cp, fmt.Errorf("load checkpoint: %w", err)
	}
	if err := json.Unmarshal(raw, &cp); err != nil {
		return cp, fmt.Errorf("decode checkpoint: %w", err)
	}
	return cp, nil
}

// Delete removes a checkpoint. Deleting a missing checkpoint is not an error.
func (s *CheckpointStore) Delete(ctx context.Context, identityID string, sessionID uuid.UUID) error {
	id := sessionID.String()
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, config.CacheKey.SessionCheckpointKey(id))
	if identityID != "" {
		pipe.SRem(ctx, config.CacheKey.IdentityCheckpointsKey(identityID), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// List returns the resumable session ids of an identity, dropping index
// entries whose checkpoint has expired.
func (s *CheckpointStore) List(ctx context.Context, identityID string) ([]uuid.UUID, error) {
	idx := config.CacheKey.IdentityCheckpointsKey(identityID)
	members, err := s.rdb.SMembers(ctx, idx).Result()
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}

	ids := make([]uuid.UUID, 0, len(members))
	for _, m := range members {
		id, err := uuid.Parse(m)
		if err != nil {
			s.rdb.SRem(ctx, idx, m)
			continue
		}
		n, err := s.rdb.Exists(ctx, config.CacheKey.SessionCheckpointKey(m)).Result()
		if err != nil {
			return nil, fmt.Errorf("list checkpoints: %w", err)
		}
		if n == 0 {
			s.rdb.SRem(ctx, idx, m)
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

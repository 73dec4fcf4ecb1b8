package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// SessionCheckpointKey returns the cache key for a session's checkpoint
func (r *CacheKeyStruct) SessionCheckpointKey(sessionID string) string {
	return fmt.Sprintf("session:%s:checkpoint", sessionID)
}

// IdentityCheckpointsKey returns the cache key for the set of resumable sessions of an identity
func (r *CacheKeyStruct) IdentityCheckpointsKey(identityID string) string {
	return fmt.Sprintf("identity:%s:checkpoints", identityID)
}

// AttemptRecordedKey returns the idempotency key guarding attempt persistence
func (r *CacheKeyStruct) AttemptRecordedKey(sessionID string) string {
	return fmt.Sprintf("attempt:%s:recorded", sessionID)
}

// SessionRoom returns the duplex channel group a session's events are delivered to
func (r *CacheKeyStruct) SessionRoom(sessionID string) string {
	return fmt.Sprintf("session:%s", sessionID)
}

var CacheKey = NewCacheKeyStruct()

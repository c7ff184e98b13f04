package permission

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisGrantStore keeps grants in Redis so every server instance sees the
// same roles. Keys: grant:{ontologyID}:{userID} -> role string.
type RedisGrantStore struct {
	client *redis.Client
}

// NewRedisGrantStore wraps an existing Redis client.
func NewRedisGrantStore(client *redis.Client) *RedisGrantStore {
	return &RedisGrantStore{client: client}
}

func grantKey(userID, ontologyID string) string {
	return "grant:" + ontologyID + ":" + userID
}

// Role resolves the granted role; a missing key is RoleNone, not an error.
func (s *RedisGrantStore) Role(ctx context.Context, userID, ontologyID string) (Role, error) {
	val, err := s.client.Get(ctx, grantKey(userID, ontologyID)).Result()
	if err == redis.Nil {
		return RoleNone, nil
	}
	if err != nil {
		return RoleNone, fmt.Errorf("grant lookup: %w", err)
	}
	role := Role(val)
	if _, ok := roleRank[role]; !ok {
		return RoleNone, fmt.Errorf("corrupt grant %q for %s", val, grantKey(userID, ontologyID))
	}
	return role, nil
}

// SetRole stores the grant with no expiry.
func (s *RedisGrantStore) SetRole(ctx context.Context, userID, ontologyID string, role Role) error {
	if err := s.client.Set(ctx, grantKey(userID, ontologyID), string(role), 0).Err(); err != nil {
		return fmt.Errorf("grant set: %w", err)
	}
	return nil
}

// RevokeRole deletes the grant.
func (s *RedisGrantStore) RevokeRole(ctx context.Context, userID, ontologyID string) error {
	if err := s.client.Del(ctx, grantKey(userID, ontologyID)).Err(); err != nil {
		return fmt.Errorf("grant revoke: %w", err)
	}
	return nil
}

// MemoryGrantStore is an in-process grant store for tests and standalone
// runs without Redis.
type MemoryGrantStore struct {
	mu     sync.RWMutex
	grants map[string]Role
}

// NewMemoryGrantStore creates an empty in-memory store.
func NewMemoryGrantStore() *MemoryGrantStore {
	return &MemoryGrantStore{grants: make(map[string]Role)}
}

func (s *MemoryGrantStore) Role(_ context.Context, userID, ontologyID string) (Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.grants[grantKey(userID, ontologyID)], nil
}

func (s *MemoryGrantStore) SetRole(_ context.Context, userID, ontologyID string, role Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[grantKey(userID, ontologyID)] = role
	return nil
}

func (s *MemoryGrantStore) RevokeRole(_ context.Context, userID, ontologyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.grants, grantKey(userID, ontologyID))
	return nil
}

// Package permission answers whether a user may perform a class of mutation
// on an ontology. Deny-by-default: an unknown user, unknown ontology, or
// unreachable grant store all answer false. Client-side control disabling is
// advisory only; every server-side mutation path consults the gate.
package permission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"go.uber.org/zap"
)

// ErrDenied is the sentinel wrapped into every rejected authorization so
// transports can classify with errors.Is.
var ErrDenied = errors.New("permission denied")

// Action is the class of operation being authorized. The gate only ever
// sees classes; concrete UI roles map onto them outside the core.
type Action string

const (
	ActionView   Action = "view"
	ActionAdd    Action = "add"
	ActionEdit   Action = "edit"
	ActionManage Action = "manage"
)

// Role is a granted capability level for one (user, ontology) pair.
// Each role implies everything below it.
type Role string

const (
	RoleNone   Role = ""
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleOwner  Role = "owner"
)

var roleRank = map[Role]int{
	RoleNone:   0,
	RoleViewer: 1,
	RoleEditor: 2,
	RoleOwner:  3,
}

var actionRank = map[Action]int{
	ActionView:   1,
	ActionAdd:    2,
	ActionEdit:   2,
	ActionManage: 3,
}

// Allows reports whether the role covers the action.
func (r Role) Allows(a Action) bool {
	need, ok := actionRank[a]
	if !ok {
		return false
	}
	return roleRank[r] >= need
}

// Decision is the outcome of an authorization check.
type Decision struct {
	Allowed      bool   `json:"allowed"`
	DeniedReason string `json:"denied_reason,omitempty"`
}

// GrantStore resolves the role granted to a user on an ontology.
type GrantStore interface {
	Role(ctx context.Context, userID, ontologyID string) (Role, error)
	SetRole(ctx context.Context, userID, ontologyID string, role Role) error
	RevokeRole(ctx context.Context, userID, ontologyID string) error
}

// Config configures the gate's decision cache.
type Config struct {
	CacheMaxEntries int64
	CacheTTL        time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		CacheMaxEntries: 10000,
		CacheTTL:        30 * time.Second,
	}
}

// Gate evaluates authorization requests against the grant store, caching
// resolved roles in an in-process Ristretto cache so the hot broadcast path
// does not pay a store round-trip per mutation.
type Gate struct {
	grants GrantStore
	cache  *ristretto.Cache[string, Role]
	ttl    time.Duration
	logger *zap.Logger
}

// NewGate creates a gate over the grant store.
func NewGate(grants GrantStore, cfg Config, logger *zap.Logger) (*Gate, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CacheMaxEntries == 0 {
		cfg.CacheMaxEntries = DefaultConfig().CacheMaxEntries
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = DefaultConfig().CacheTTL
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, Role]{
		NumCounters: cfg.CacheMaxEntries * 10,
		MaxCost:     cfg.CacheMaxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decision cache: %w", err)
	}
	return &Gate{grants: grants, cache: cache, ttl: cfg.CacheTTL, logger: logger}, nil
}

func cacheKey(userID, ontologyID string) string {
	return userID + "|" + ontologyID
}

// Authorize answers whether userID may perform action on ontologyID.
// Store failures deny rather than fail open.
func (g *Gate) Authorize(ctx context.Context, userID, ontologyID string, action Action) Decision {
	if userID == "" || ontologyID == "" {
		return Decision{Allowed: false, DeniedReason: "missing identity"}
	}

	role, cached := g.cache.Get(cacheKey(userID, ontologyID))
	if !cached {
		var err error
		role, err = g.grants.Role(ctx, userID, ontologyID)
		if err != nil {
			g.logger.Warn("grant lookup failed, denying",
				zap.String("user_id", userID),
				zap.String("ontology_id", ontologyID),
				zap.Error(err))
			return Decision{Allowed: false, DeniedReason: "grant store unavailable"}
		}
		g.cache.SetWithTTL(cacheKey(userID, ontologyID), role, 1, g.ttl)
	}

	if !role.Allows(action) {
		return Decision{Allowed: false, DeniedReason: fmt.Sprintf("role %q does not allow %q", role, action)}
	}
	return Decision{Allowed: true}
}

// SetRole updates a grant and invalidates the cached decision.
func (g *Gate) SetRole(ctx context.Context, userID, ontologyID string, role Role) error {
	if _, ok := roleRank[role]; !ok {
		return fmt.Errorf("unknown role %q", role)
	}
	if err := g.grants.SetRole(ctx, userID, ontologyID, role); err != nil {
		return err
	}
	g.cache.Del(cacheKey(userID, ontologyID))
	return nil
}

// RevokeRole removes a grant and invalidates the cached decision.
func (g *Gate) RevokeRole(ctx context.Context, userID, ontologyID string) error {
	if err := g.grants.RevokeRole(ctx, userID, ontologyID); err != nil {
		return err
	}
	g.cache.Del(cacheKey(userID, ontologyID))
	return nil
}

// Close releases the decision cache.
func (g *Gate) Close() {
	g.cache.Close()
}

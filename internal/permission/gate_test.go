package permission

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap/zaptest"
)

func TestRoleAllows(t *testing.T) {
	cases := []struct {
		role   Role
		action Action
		want   bool
	}{
		{RoleViewer, ActionView, true},
		{RoleViewer, ActionAdd, false},
		{RoleViewer, ActionEdit, false},
		{RoleViewer, ActionManage, false},
		{RoleEditor, ActionView, true},
		{RoleEditor, ActionAdd, true},
		{RoleEditor, ActionEdit, true},
		{RoleEditor, ActionManage, false},
		{RoleOwner, ActionManage, true},
		{RoleNone, ActionView, false},
		{RoleOwner, Action("unknown"), false},
	}
	for _, tc := range cases {
		if got := tc.role.Allows(tc.action); got != tc.want {
			t.Errorf("%s.Allows(%s) = %v, want %v", tc.role, tc.action, got, tc.want)
		}
	}
}

func newTestGate(t *testing.T, grants GrantStore) *Gate {
	t.Helper()
	gate, err := NewGate(grants, DefaultConfig(), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("new gate: %v", err)
	}
	t.Cleanup(gate.Close)
	return gate
}

func TestAuthorizeDeniesUnknownUser(t *testing.T) {
	gate := newTestGate(t, NewMemoryGrantStore())

	d := gate.Authorize(context.Background(), "stranger", "ont-1", ActionView)
	if d.Allowed {
		t.Error("unknown user allowed")
	}
	if d.DeniedReason == "" {
		t.Error("expected a denial reason")
	}
}

func TestAuthorizeDeniesMissingIdentity(t *testing.T) {
	gate := newTestGate(t, NewMemoryGrantStore())

	if gate.Authorize(context.Background(), "", "ont-1", ActionView).Allowed {
		t.Error("empty user id allowed")
	}
	if gate.Authorize(context.Background(), "u1", "", ActionView).Allowed {
		t.Error("empty ontology id allowed")
	}
}

func TestAuthorizeFollowsGrant(t *testing.T) {
	store := NewMemoryGrantStore()
	gate := newTestGate(t, store)
	ctx := context.Background()

	if err := gate.SetRole(ctx, "u1", "ont-1", RoleEditor); err != nil {
		t.Fatalf("set role: %v", err)
	}

	if !gate.Authorize(ctx, "u1", "ont-1", ActionEdit).Allowed {
		t.Error("editor denied edit")
	}
	if gate.Authorize(ctx, "u1", "ont-1", ActionManage).Allowed {
		t.Error("editor allowed manage")
	}
	// Same user, different ontology: no grant, no access.
	if gate.Authorize(ctx, "u1", "ont-2", ActionView).Allowed {
		t.Error("grant leaked across ontologies")
	}
}

func TestSetRoleInvalidatesDecision(t *testing.T) {
	store := NewMemoryGrantStore()
	gate := newTestGate(t, store)
	ctx := context.Background()

	if err := gate.SetRole(ctx, "u1", "ont-1", RoleViewer); err != nil {
		t.Fatalf("set role: %v", err)
	}
	if gate.Authorize(ctx, "u1", "ont-1", ActionEdit).Allowed {
		t.Error("viewer allowed edit")
	}

	if err := gate.SetRole(ctx, "u1", "ont-1", RoleOwner); err != nil {
		t.Fatalf("promote: %v", err)
	}
	if !gate.Authorize(ctx, "u1", "ont-1", ActionManage).Allowed {
		t.Error("promotion not visible after invalidation")
	}

	if err := gate.RevokeRole(ctx, "u1", "ont-1"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if gate.Authorize(ctx, "u1", "ont-1", ActionView).Allowed {
		t.Error("revoked user still allowed")
	}
}

func TestSetRoleRejectsUnknownRole(t *testing.T) {
	gate := newTestGate(t, NewMemoryGrantStore())

	if err := gate.SetRole(context.Background(), "u1", "ont-1", Role("superadmin")); err == nil {
		t.Error("unknown role accepted")
	}
}

type failingGrantStore struct{}

func (failingGrantStore) Role(context.Context, string, string) (Role, error) {
	return RoleNone, errors.New("store down")
}
func (failingGrantStore) SetRole(context.Context, string, string, Role) error {
	return errors.New("store down")
}
func (failingGrantStore) RevokeRole(context.Context, string, string) error {
	return errors.New("store down")
}

func TestAuthorizeFailsClosed(t *testing.T) {
	gate := newTestGate(t, failingGrantStore{})

	d := gate.Authorize(context.Background(), "u1", "ont-1", ActionView)
	if d.Allowed {
		t.Error("store failure allowed access")
	}
}

package auth

import (
	"errors"
	"testing"
	"time"

	"avm/server/internal/model"
	"avm/server/internal/store"
)

func TestLoginRefreshLogout(t *testing.T) {
	st := store.NewMemoryStore()
	svc := NewService(st, "test-secret", 2*time.Minute, 24*time.Hour)
	if err := svc.SeedOperator("ops@avm.local", "operator123", model.RoleOperator); err != nil {
		t.Fatalf("seed operator: %v", err)
	}

	user, tokens, err := svc.Login("OPS@avm.local", "operator123")
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if tokens.AccessToken == "" || tokens.RefreshToken == "" {
		t.Fatalf("tokens must not be empty")
	}

	claims, err := svc.ParseAccess(tokens.AccessToken)
	if err != nil {
		t.Fatalf("parse access: %v", err)
	}
	if claims.UserID != user.ID || claims.Role != model.RoleOperator {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if !claims.Allows(model.RoleOperator) || claims.Allows(model.RoleAdmin) {
		t.Fatalf("operator role checks wrong")
	}

	newTokens, err := svc.Refresh(tokens.RefreshToken)
	if err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if _, err := svc.Refresh(tokens.RefreshToken); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("rotated refresh token must be rejected, got %v", err)
	}

	if err := svc.Logout(newTokens.RefreshToken); err != nil {
		t.Fatalf("logout failed: %v", err)
	}
	if _, err := svc.Refresh(newTokens.RefreshToken); err == nil {
		t.Fatalf("refresh should fail after logout")
	}
}

func TestLoginRejectsBadPassword(t *testing.T) {
	svc := NewService(store.NewMemoryStore(), "s", time.Minute, time.Hour)
	if err := svc.SeedOperator("ops@avm.local", "operator123", ""); err != nil {
		t.Fatalf("seed operator: %v", err)
	}
	if _, _, err := svc.Login("ops@avm.local", "nope"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if _, _, err := svc.Login("nobody@avm.local", "operator123"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for unknown email, got %v", err)
	}
	if err := svc.SeedOperator("", "", ""); !errors.Is(err, model.ErrConfig) {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestExpiredAccessToken(t *testing.T) {
	svc := NewService(store.NewMemoryStore(), "s", time.Minute, time.Hour)
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }
	if err := svc.SeedOperator("ops@avm.local", "operator123", model.RoleAdmin); err != nil {
		t.Fatalf("seed operator: %v", err)
	}
	_, tokens, err := svc.Login("ops@avm.local", "operator123")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	svc.now = func() time.Time { return base.Add(2 * time.Minute) }
	if _, err := svc.ParseAccess(tokens.AccessToken); !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected expired, got %v", err)
	}
	if _, err := svc.ParseAccess("not-a-jwt"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized, got %v", err)
	}
}

func TestParseRefreshTokenID(t *testing.T) {
	cases := map[string]bool{
		"rt_abc_def": true,
		"rt_abc":     false,
		"rt__def":    false,
		"xx_abc_def": false,
	}
	for in, ok := range cases {
		if _, got := parseRefreshTokenID(in); got != ok {
			t.Errorf("parseRefreshTokenID(%q) ok = %v, want %v", in, got, ok)
		}
	}
}

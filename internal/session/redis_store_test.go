package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	return store, s
}

func TestNewRedisStore(t *testing.T) {
	s := miniredis.RunT(t)
	defer s.Close()

	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("NewRedisStore failed: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if err := store.Ping(ctx); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestSaveAndLookupRefreshSession(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	tokenHash := "test-token-hash"
	userID := "user-123"
	expiresAt := time.Now().Add(24 * time.Hour)

	if err := store.SaveRefreshSession(ctx, tokenHash, userID, expiresAt); err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}

	user, err := store.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		t.Fatalf("LookupRefreshSession failed: %v", err)
	}

	if user.ID != userID {
		t.Errorf("expected user ID %s, got %s", userID, user.ID)
	}
}

func TestLookupExpiredSession(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	tokenHash := "expired-token"

	expiresAt := time.Now().Add(1 * time.Millisecond)
	if err := store.SaveRefreshSession(ctx, tokenHash, "user-456", expiresAt); err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}

	// Fast-forward time in miniredis
	s.FastForward(2 * time.Millisecond)

	if _, err := store.LookupRefreshSession(ctx, tokenHash); err == nil {
		t.Fatal("expected lookup of expired session to fail")
	}
}

func TestRevokeRefreshSession(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	tokenHash := "revoked-token"

	if err := store.SaveRefreshSession(ctx, tokenHash, "user-789", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}
	if err := store.RevokeRefreshSession(ctx, tokenHash); err != nil {
		t.Fatalf("RevokeRefreshSession failed: %v", err)
	}
	if _, err := store.LookupRefreshSession(ctx, tokenHash); err == nil {
		t.Fatal("expected lookup of revoked session to fail")
	}
}

func TestAccessTokenRevocation(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()

	revoked, err := store.IsAccessTokenRevoked(ctx, "jti-1")
	if err != nil {
		t.Fatalf("IsAccessTokenRevoked failed: %v", err)
	}
	if revoked {
		t.Fatal("fresh jti must not be revoked")
	}

	if err := store.RevokeAccessToken(ctx, "jti-1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("RevokeAccessToken failed: %v", err)
	}

	revoked, err = store.IsAccessTokenRevoked(ctx, "jti-1")
	if err != nil {
		t.Fatalf("IsAccessTokenRevoked failed: %v", err)
	}
	if !revoked {
		t.Fatal("expected jti to be revoked")
	}

	// Revocation entries expire with the token itself.
	s.FastForward(2 * time.Hour)
	revoked, err = store.IsAccessTokenRevoked(ctx, "jti-1")
	if err != nil {
		t.Fatalf("IsAccessTokenRevoked failed: %v", err)
	}
	if revoked {
		t.Fatal("revocation entry should expire with the token")
	}
}

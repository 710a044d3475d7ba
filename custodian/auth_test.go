package main

import (
	"errors"
	"testing"
	"time"

	"github.com/memento-vault/memento/custodian/storage"
)

func newTestAuth(t *testing.T) (*AuthManager, *SessionKeyStore, *storage.SQLiteStorage) {
	t.Helper()
	store, err := storage.NewSQLiteStorage(":memory:")
	if err != nil {
		t.Fatalf("Failed to open storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	keys := NewSessionKeyStore()
	return NewAuthManager(store, keys, 24*time.Hour), keys, store
}

func TestSetupOnce(t *testing.T) {
	auth, _, _ := newTestAuth(t)

	if err := auth.Setup("first passphrase"); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	if err := auth.Setup("second passphrase"); !errors.Is(err, ErrAlreadyInitialized) {
		t.Errorf("Expected ErrAlreadyInitialized, got %v", err)
	}

	salt, err := auth.Salt()
	if err != nil {
		t.Fatalf("Failed to read salt: %v", err)
	}
	if len(salt) != SaltSize {
		t.Errorf("Expected %d-byte salt, got %d", SaltSize, len(salt))
	}
}

func TestLoginAndSessionService(t *testing.T) {
	auth, keys, _ := newTestAuth(t)
	if err := auth.Setup("open sesame"); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	session, err := auth.Login("open sesame")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}
	if session.RefreshToken == "" {
		t.Error("Login did not issue a refresh token")
	}
	if _, ok := keys.Get(session.ID); !ok {
		t.Error("Login did not place the key in custody")
	}

	svc, err := auth.ServiceForSession(session.ID)
	if err != nil {
		t.Fatalf("Failed to build encryption service: %v", err)
	}
	env, err := svc.Encrypt([]byte("first record"))
	if err != nil {
		t.Fatalf("Failed to encrypt: %v", err)
	}

	// A second login derives the same key, so the new session's service
	// can read what the first one wrote.
	session2, err := auth.Login("open sesame")
	if err != nil {
		t.Fatalf("Second login failed: %v", err)
	}
	svc2, err := auth.ServiceForSession(session2.ID)
	if err != nil {
		t.Fatalf("Failed to build second service: %v", err)
	}
	got, err := svc2.Decrypt(env)
	if err != nil {
		t.Fatalf("Cross-session decrypt failed: %v", err)
	}
	if string(got) != "first record" {
		t.Error("Cross-session decrypt returned wrong plaintext")
	}
}

func TestLoginGenericFailure(t *testing.T) {
	auth, keys, _ := newTestAuth(t)

	// Before setup.
	if _, err := auth.Login("anything"); !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("Expected ErrAuthenticationFailed before setup, got %v", err)
	}

	if err := auth.Setup("real passphrase"); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}

	// Wrong passphrase gets the same generic error.
	if _, err := auth.Login("wrong passphrase"); !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("Expected ErrAuthenticationFailed for wrong passphrase, got %v", err)
	}
	if keys.Len() != 0 {
		t.Error("Failed login left a key in custody")
	}
}

func TestRefreshRotation(t *testing.T) {
	auth, _, _ := newTestAuth(t)
	if err := auth.Setup("pw"); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	session, err := auth.Login("pw")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	rotated, err := auth.Refresh(session.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if rotated.ID != session.ID {
		t.Error("Refresh changed the session ID")
	}
	if rotated.RefreshToken == session.RefreshToken {
		t.Error("Refresh did not rotate the token")
	}

	// The old token is revoked by the rotation.
	if _, err := auth.Refresh(session.RefreshToken); !errors.Is(err, ErrSessionExpired) {
		t.Errorf("Expected ErrSessionExpired for spent token, got %v", err)
	}

	// Unknown tokens get the same error.
	if _, err := auth.Refresh("never-issued"); !errors.Is(err, ErrSessionExpired) {
		t.Errorf("Expected ErrSessionExpired for unknown token, got %v", err)
	}
}

func TestRefreshAfterKeySwept(t *testing.T) {
	auth, keys, _ := newTestAuth(t)
	if err := auth.Setup("pw"); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	session, err := auth.Login("pw")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	// Simulate the inactivity sweeper wiping the key. The refresh token
	// is still structurally valid, but without a resident key the
	// session is gone.
	keys.Wipe(session.ID)
	if _, err := auth.Refresh(session.RefreshToken); !errors.Is(err, ErrSessionExpired) {
		t.Errorf("Expected ErrSessionExpired after sweep, got %v", err)
	}
}

func TestLogout(t *testing.T) {
	auth, keys, _ := newTestAuth(t)
	if err := auth.Setup("pw"); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	session, err := auth.Login("pw")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	if err := auth.Logout(session.ID); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	if _, ok := keys.Get(session.ID); ok {
		t.Error("Key survived logout")
	}
	if _, err := auth.Refresh(session.RefreshToken); !errors.Is(err, ErrSessionExpired) {
		t.Errorf("Expected ErrSessionExpired after logout, got %v", err)
	}
	if _, err := auth.ServiceForSession(session.ID); !errors.Is(err, ErrSessionExpired) {
		t.Errorf("Expected ErrSessionExpired building service, got %v", err)
	}
}

func TestPurgeExpiredTokens(t *testing.T) {
	auth, _, _ := newTestAuth(t)
	if err := auth.Setup("pw"); err != nil {
		t.Fatalf("Setup failed: %v", err)
	}
	session, err := auth.Login("pw")
	if err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	// Nothing expired yet.
	purged, err := auth.PurgeExpiredTokens()
	if err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	if purged != 0 {
		t.Errorf("Expected nothing purged, got %d", purged)
	}

	// Logout revokes the token, making it purgeable.
	if err := auth.Logout(session.ID); err != nil {
		t.Fatalf("Logout failed: %v", err)
	}
	purged, err = auth.PurgeExpiredTokens()
	if err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	if purged != 1 {
		t.Errorf("Expected 1 token purged, got %d", purged)
	}
}

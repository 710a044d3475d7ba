package main

import (
	"crypto/hmac"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/memento-vault/memento/custodian/storage"
)

// authCheckLabel is the fixed label HMACed under the master key to form
// the verifier. Proves passphrase knowledge without the passphrase or
// master key ever being stored or transmitted.
const authCheckLabel = "auth_check"

const refreshTokenBytes = 32

// AuthManager owns the passphrase-derived custody flow: one-time setup,
// login, token refresh, and logout. It is the only component that turns
// a passphrase into a resident session key.
type AuthManager struct {
	store    *storage.SQLiteStorage
	keys     *SessionKeyStore
	tokenTTL time.Duration
	clock    func() time.Time
	log      zerolog.Logger
}

// Session is what a successful login or refresh hands back to the
// transport layer. RefreshToken carries the raw token; only its hash is
// persisted.
type Session struct {
	ID           string
	RefreshToken string
	ExpiresAt    time.Time
}

// NewAuthManager wires the auth flow to its storage and key custody.
func NewAuthManager(store *storage.SQLiteStorage, keys *SessionKeyStore, tokenTTL time.Duration) *AuthManager {
	return &AuthManager{
		store:    store,
		keys:     keys,
		tokenTTL: tokenTTL,
		clock:    time.Now,
		log:      log.With().Str("component", "auth").Logger(),
	}
}

// Setup derives a master key from the passphrase with a fresh salt and
// persists the verifier row. One-time: a second call fails with
// ErrAlreadyInitialized.
func (a *AuthManager) Setup(passphrase string) error {
	existing, err := a.store.GetAuthVerifier()
	if err != nil {
		return err
	}
	if existing != nil {
		return ErrAlreadyInitialized
	}

	salt, err := generateSalt()
	if err != nil {
		return err
	}
	key := deriveMasterKey(passphrase, salt)
	defer zeroBytes(key)

	verifier := &storage.AuthVerifier{
		VerifierHMAC: hmacHex(key, []byte(authCheckLabel)),
		Salt:         salt,
		CreatedAt:    a.clock().Unix(),
	}
	if err := a.store.SaveAuthVerifier(verifier); err != nil {
		return err
	}
	a.log.Info().Msg("Auth verifier initialized")
	return nil
}

// Salt returns the stored Argon2id salt so a client can derive the
// master key before authenticating. Nil if setup has not run.
func (a *AuthManager) Salt() ([]byte, error) {
	v, err := a.store.GetAuthVerifier()
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return v.Salt, nil
}

// Login verifies the passphrase against the stored verifier and, on
// success, places the derived master key into session custody and
// issues a refresh token. Failure is a generic ErrAuthenticationFailed;
// the caller learns nothing about which part was wrong.
func (a *AuthManager) Login(passphrase string) (*Session, error) {
	v, err := a.store.GetAuthVerifier()
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, ErrAuthenticationFailed
	}

	key := deriveMasterKey(passphrase, v.Salt)
	defer zeroBytes(key)

	if !hmac.Equal([]byte(hmacHex(key, []byte(authCheckLabel))), []byte(v.VerifierHMAC)) {
		a.log.Warn().Msg("Login failed: verifier mismatch")
		return nil, ErrAuthenticationFailed
	}

	sessionID := uuid.New().String()
	a.keys.Store(sessionID, key)

	session, err := a.issueToken(sessionID)
	if err != nil {
		a.keys.Wipe(sessionID)
		return nil, err
	}
	a.log.Info().Str("session_id", sessionID).Msg("Login succeeded")
	return session, nil
}

// Refresh rotates a refresh token: the presented token is revoked and a
// new one issued for the same session. Unknown, revoked, or expired
// tokens - and sessions whose key has already been swept - fail with
// ErrSessionExpired.
func (a *AuthManager) Refresh(rawToken string) (*Session, error) {
	row, err := a.store.GetRefreshToken(sha256Hex([]byte(rawToken)))
	if err != nil {
		return nil, err
	}
	now := a.clock()
	if row == nil || row.Revoked || now.Unix() >= row.ExpiresAt {
		return nil, ErrSessionExpired
	}
	if !a.keys.Touch(row.SessionID) {
		return nil, ErrSessionExpired
	}

	if err := a.store.RevokeRefreshToken(row.TokenHash); err != nil {
		return nil, err
	}
	return a.issueToken(row.SessionID)
}

// Logout revokes the session's tokens and wipes its key from memory.
func (a *AuthManager) Logout(sessionID string) error {
	if err := a.store.RevokeSessionTokens(sessionID); err != nil {
		return err
	}
	a.keys.Wipe(sessionID)
	a.log.Info().Str("session_id", sessionID).Msg("Logged out")
	return nil
}

// ServiceForSession builds an EncryptionService from the session's key.
// Absence of the key means the session expired.
func (a *AuthManager) ServiceForSession(sessionID string) (*EncryptionService, error) {
	key, ok := a.keys.Get(sessionID)
	if !ok {
		return nil, ErrSessionExpired
	}
	defer zeroBytes(key)
	a.keys.Touch(sessionID)
	return NewEncryptionService(key)
}

// PurgeExpiredTokens garbage-collects expired and revoked token rows.
func (a *AuthManager) PurgeExpiredTokens() (int64, error) {
	return a.store.DeleteExpiredRefreshTokens(a.clock().Unix())
}

func (a *AuthManager) issueToken(sessionID string) (*Session, error) {
	raw, err := generateToken(refreshTokenBytes)
	if err != nil {
		return nil, err
	}
	now := a.clock()
	expires := now.Add(a.tokenTTL)
	err = a.store.InsertRefreshToken(&storage.RefreshToken{
		TokenHash: sha256Hex([]byte(raw)),
		SessionID: sessionID,
		ExpiresAt: expires.Unix(),
		CreatedAt: now.Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("issue refresh token: %w", err)
	}
	return &Session{ID: sessionID, RefreshToken: raw, ExpiresAt: expires}, nil
}

package main

import (
	"crypto/hmac"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/memento-vault/memento/custodian/slip39"
	"github.com/memento-vault/memento/custodian/storage"
)

// Heir-mode audit actions.
const (
	AuditSharesGenerated   = "shares_generated"
	AuditHeirModeActivated = "heir_mode_activated"
	AuditActivationFailed  = "heir_activation_failed"
)

const heirGrantTTL = 30 * 24 * time.Hour

// TestamentManager owns share generation for heirs and the activation
// path that turns a reconstructed key into scoped, audited access.
// Activation is the only way the master key re-enters the process
// outside the passphrase flow, and it is gated twice: the heartbeat
// switch must be overdue, and the reconstructed key must match the
// stored verifier.
type TestamentManager struct {
	store     *storage.SQLiteStorage
	keys      *SessionKeyStore
	heartbeat *HeartbeatSwitch
	clock     func() time.Time
	log       zerolog.Logger
}

// HeirInfo describes an heir at share-generation time. Notes are
// envelope-encrypted by the caller before they get here.
type HeirInfo struct {
	Name           string
	Contact        string
	EncryptedNotes string
}

// AccessGrant is the scoped credential minted on successful activation.
// Token is CBOR payload + HMAC, signed under the history sub-key of the
// reconstructed master key; SessionID addresses the key now held in
// session custody for heir-scoped use.
type AccessGrant struct {
	Token     string
	SessionID string
	Scope     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// GrantClaims is the CBOR-encoded token body.
type GrantClaims struct {
	GrantID   string `cbor:"grant_id"`
	Scope     string `cbor:"scope"`
	IssuedAt  int64  `cbor:"issued_at"`
	ExpiresAt int64  `cbor:"expires_at"`
}

const grantScopeHeir = "heir"

// NewTestamentManager wires testament state to storage, key custody,
// and the heartbeat switch.
func NewTestamentManager(store *storage.SQLiteStorage, keys *SessionKeyStore, heartbeat *HeartbeatSwitch) *TestamentManager {
	return &TestamentManager{
		store:     store,
		keys:      keys,
		heartbeat: heartbeat,
		clock:     time.Now,
		log:       log.With().Str("component", "testament").Logger(),
	}
}

// SetClock replaces the time source for tests.
func (t *TestamentManager) SetClock(clock func() time.Time) {
	t.clock = clock
}

// GenerateShares splits the master key into threshold-of-total mnemonic
// shares, one per heir, and records the configuration. The shares are
// returned for out-of-band distribution and never persisted.
func (t *TestamentManager) GenerateShares(masterKey []byte, threshold, total int, passphrase string, heirs []HeirInfo) ([]string, error) {
	if len(heirs) != total {
		return nil, fmt.Errorf("need one heir per share: %d heirs for %d shares", len(heirs), total)
	}

	shares, err := slip39.Split(masterKey, threshold, total, passphrase)
	if err != nil {
		return nil, err
	}

	now := t.clock().Unix()
	cfg := &storage.TestamentConfig{
		Threshold:       threshold,
		TotalShares:     total,
		SharesGenerated: true,
		GeneratedAt:     now,
	}
	if err := t.store.SaveTestamentConfig(cfg); err != nil {
		return nil, err
	}
	for i, h := range heirs {
		err := t.store.InsertHeir(&storage.Heir{
			Name:           h.Name,
			Contact:        h.Contact,
			EncryptedNotes: h.EncryptedNotes,
			ShareIndex:     i + 1,
			CreatedAt:      now,
		})
		if err != nil {
			return nil, err
		}
	}
	if err := t.appendAudit(AuditSharesGenerated, fmt.Sprintf("%d-of-%d", threshold, total)); err != nil {
		return nil, err
	}

	t.log.Info().Int("threshold", threshold).Int("total", total).Msg("Recovery shares generated")
	return shares, nil
}

// Activate reconstructs a candidate master key from heir shares and
// verifies it against the stored verifier HMAC before accepting it. The
// reconstruction itself cannot fail on a wrong passphrase - it silently
// yields a wrong key - so the verifier check is the only thing standing
// between heirs and worthless key material.
//
// Failures are a generic ErrAuthenticationFailed: the caller cannot
// distinguish wrong shares from a wrong passphrase. Failed attempts are
// audited too.
func (t *TestamentManager) Activate(shares []string, passphrase string) (*AccessGrant, error) {
	cfg, err := t.store.GetTestamentConfig()
	if err != nil {
		return nil, err
	}
	if cfg == nil || !cfg.SharesGenerated {
		return nil, ErrTestamentNotReady
	}

	status, err := t.heartbeat.Status()
	if err != nil {
		return nil, err
	}
	if !status.IsOverdue {
		t.log.Warn().Str("level", string(status.AlertLevel)).Msg("Activation attempted before trigger")
		return nil, ErrTestamentNotReady
	}

	candidate, err := slip39.Reconstruct(shares, passphrase)
	if err != nil {
		t.log.Warn().Err(err).Msg("Share reconstruction failed")
		if auditErr := t.appendAudit(AuditActivationFailed, "reconstruction"); auditErr != nil {
			return nil, auditErr
		}
		return nil, ErrAuthenticationFailed
	}
	defer zeroBytes(candidate)

	verifier, err := t.store.GetAuthVerifier()
	if err != nil {
		return nil, err
	}
	if verifier == nil {
		return nil, ErrAuthenticationFailed
	}
	if !hmac.Equal([]byte(hmacHex(candidate, []byte(authCheckLabel))), []byte(verifier.VerifierHMAC)) {
		t.log.Warn().Msg("Reconstructed key failed verifier check")
		if auditErr := t.appendAudit(AuditActivationFailed, "verifier"); auditErr != nil {
			return nil, auditErr
		}
		return nil, ErrAuthenticationFailed
	}

	svc, err := NewEncryptionService(candidate)
	if err != nil {
		return nil, err
	}

	now := t.clock()
	payload := GrantClaims{
		GrantID:   uuid.New().String(),
		Scope:     grantScopeHeir,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(heirGrantTTL).Unix(),
	}
	encoded, err := cbor.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode grant: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(encoded) + "." + svc.SignGrant(encoded)

	// The verified key goes into ordinary session custody so heir
	// requests follow the same get-key-build-service path as the owner,
	// including inactivity expiry.
	t.keys.Store(payload.GrantID, candidate)

	cfg.HeirModeActive = true
	cfg.ActivatedAt = now.Unix()
	if err := t.store.SaveTestamentConfig(cfg); err != nil {
		t.keys.Wipe(payload.GrantID)
		return nil, err
	}
	if err := t.appendAudit(AuditHeirModeActivated, payload.GrantID); err != nil {
		t.keys.Wipe(payload.GrantID)
		return nil, err
	}

	t.log.Info().Str("grant_id", payload.GrantID).Msg("Heir mode activated")
	return &AccessGrant{
		Token:     token,
		SessionID: payload.GrantID,
		Scope:     grantScopeHeir,
		IssuedAt:  now,
		ExpiresAt: now.Add(heirGrantTTL),
	}, nil
}

// ParseGrant decodes and verifies a grant token against the service
// built from the session's key. Expired or tampered grants fail.
func (t *TestamentManager) ParseGrant(token string, svc *EncryptionService) (*GrantClaims, error) {
	dot := strings.LastIndexByte(token, '.')
	if dot < 0 {
		return nil, ErrAuthenticationFailed
	}
	encoded, err := base64.RawURLEncoding.DecodeString(token[:dot])
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	if !svc.VerifyGrant(encoded, token[dot+1:]) {
		return nil, ErrAuthenticationFailed
	}
	var payload GrantClaims
	if err := cbor.Unmarshal(encoded, &payload); err != nil {
		return nil, ErrAuthenticationFailed
	}
	if t.clock().Unix() >= payload.ExpiresAt {
		return nil, ErrSessionExpired
	}
	return &payload, nil
}

// RecordHeirAction appends an audit entry for an heir-mode action. This
// is a hard requirement, not best-effort logging: heir mode is its own
// trust boundary, and callers must abort the action if the append
// fails.
func (t *TestamentManager) RecordHeirAction(action, detail string) error {
	return t.appendAudit(action, detail)
}

// HeirModeActive reports whether heir mode has been activated.
func (t *TestamentManager) HeirModeActive() (bool, error) {
	cfg, err := t.store.GetTestamentConfig()
	if err != nil {
		return false, err
	}
	return cfg != nil && cfg.HeirModeActive, nil
}

func (t *TestamentManager) appendAudit(action, detail string) error {
	return t.store.AppendHeirAudit(&storage.HeirAuditEntry{
		Action:    action,
		Detail:    detail,
		CreatedAt: t.clock().Unix(),
	})
}

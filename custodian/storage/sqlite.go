// Package storage provides SQLite persistence for the custody core's
// tables: the auth verifier, refresh tokens, heartbeat state, and the
// testament configuration with its heirs and audit log. Nothing stored
// here contains key material - only hashes, HMAC verifiers, and
// envelope-encrypted fields produced by the layers above.
package storage

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStorage wraps the custody database. All methods are safe for
// concurrent use.
type SQLiteStorage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// NewSQLiteStorage opens (or creates) the database at path. Use
// ":memory:" for tests.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	s := &SQLiteStorage{db: db, dbPath: path}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStorage) initSchema() error {
	schema := `
	-- Auth verifier: HMAC of a fixed label under the master key plus the
	-- Argon2id salt. Exactly one row (id is pinned to 1).
	CREATE TABLE IF NOT EXISTS auth_verifier (
		id INTEGER PRIMARY KEY CHECK(id = 1),
		verifier_hmac TEXT NOT NULL,
		salt BLOB NOT NULL,
		created_at INTEGER NOT NULL
	);

	-- Refresh tokens: only the hash of the raw token is ever stored.
	CREATE TABLE IF NOT EXISTS refresh_tokens (
		token_hash TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		expires_at INTEGER NOT NULL,
		revoked INTEGER DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_refresh_session ON refresh_tokens(session_id);

	-- Single-use heartbeat challenges.
	CREATE TABLE IF NOT EXISTS heartbeat_challenges (
		challenge TEXT PRIMARY KEY,
		expires_at INTEGER NOT NULL,
		used INTEGER DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	-- Append-only check-in history.
	CREATE TABLE IF NOT EXISTS heartbeats (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		checked_in_at INTEGER NOT NULL,
		method TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_heartbeats_at ON heartbeats(checked_in_at DESC);

	-- Append-only alert dispatch history. A row exists whether or not
	-- delivery succeeded.
	CREATE TABLE IF NOT EXISTS heartbeat_alerts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		alert_type TEXT NOT NULL,
		days_since INTEGER NOT NULL,
		recipient TEXT NOT NULL,
		delivered INTEGER NOT NULL,
		delivery_error TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_alerts_type ON heartbeat_alerts(alert_type, days_since);

	-- Testament configuration. Exactly one row (id is pinned to 1).
	CREATE TABLE IF NOT EXISTS testament_config (
		id INTEGER PRIMARY KEY CHECK(id = 1),
		threshold INTEGER NOT NULL,
		total_shares INTEGER NOT NULL,
		shares_generated INTEGER DEFAULT 0,
		generated_at INTEGER,
		heir_mode_active INTEGER DEFAULT 0,
		activated_at INTEGER
	);

	-- Heir identities. Notes and the DEK placeholder are
	-- envelope-encrypted before they reach this table.
	CREATE TABLE IF NOT EXISTS heirs (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		contact TEXT NOT NULL,
		encrypted_notes TEXT,
		encrypted_dek TEXT,
		share_index INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);

	-- Append-only audit log of every heir-mode action.
	CREATE TABLE IF NOT EXISTS heir_audit_log (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		detail TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_heir_audit_at ON heir_audit_log(created_at DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// --- auth verifier ---

// AuthVerifier proves passphrase knowledge without storing the
// passphrase or master key.
type AuthVerifier struct {
	VerifierHMAC string
	Salt         []byte
	CreatedAt    int64
}

// SaveAuthVerifier inserts the single verifier row. Fails if one
// already exists; setup is a one-time operation.
func (s *SQLiteStorage) SaveAuthVerifier(v *AuthVerifier) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO auth_verifier (id, verifier_hmac, salt, created_at) VALUES (1, ?, ?, ?)`,
		v.VerifierHMAC, v.Salt, v.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save auth verifier: %w", err)
	}
	return nil
}

// GetAuthVerifier returns the verifier row, or nil if setup has not run.
func (s *SQLiteStorage) GetAuthVerifier() (*AuthVerifier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var v AuthVerifier
	err := s.db.QueryRow(
		`SELECT verifier_hmac, salt, created_at FROM auth_verifier WHERE id = 1`,
	).Scan(&v.VerifierHMAC, &v.Salt, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get auth verifier: %w", err)
	}
	return &v, nil
}

// --- refresh tokens ---

// RefreshToken is the persisted form of a session refresh token.
type RefreshToken struct {
	TokenHash string
	SessionID string
	ExpiresAt int64
	Revoked   bool
	CreatedAt int64
}

// InsertRefreshToken stores a new token row.
func (s *SQLiteStorage) InsertRefreshToken(t *RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO refresh_tokens (token_hash, session_id, expires_at, revoked, created_at) VALUES (?, ?, ?, 0, ?)`,
		t.TokenHash, t.SessionID, t.ExpiresAt, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert refresh token: %w", err)
	}
	return nil
}

// GetRefreshToken looks a token up by hash, or nil if unknown.
func (s *SQLiteStorage) GetRefreshToken(tokenHash string) (*RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var t RefreshToken
	var revoked int
	err := s.db.QueryRow(
		`SELECT token_hash, session_id, expires_at, revoked, created_at FROM refresh_tokens WHERE token_hash = ?`,
		tokenHash,
	).Scan(&t.TokenHash, &t.SessionID, &t.ExpiresAt, &revoked, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}
	t.Revoked = revoked != 0
	return &t, nil
}

// RevokeRefreshToken marks a single token revoked.
func (s *SQLiteStorage) RevokeRefreshToken(tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE refresh_tokens SET revoked = 1 WHERE token_hash = ?`, tokenHash)
	if err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return nil
}

// RevokeSessionTokens revokes every token belonging to a session.
func (s *SQLiteStorage) RevokeSessionTokens(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`UPDATE refresh_tokens SET revoked = 1 WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("failed to revoke session tokens: %w", err)
	}
	return nil
}

// DeleteExpiredRefreshTokens garbage-collects expired and revoked rows.
func (s *SQLiteStorage) DeleteExpiredRefreshTokens(now int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`DELETE FROM refresh_tokens WHERE expires_at < ? OR revoked = 1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired refresh tokens: %w", err)
	}
	return res.RowsAffected()
}

// --- heartbeat challenges ---

// HeartbeatChallenge is a persisted single-use liveness challenge.
type HeartbeatChallenge struct {
	Challenge string
	ExpiresAt int64
	Used      bool
	CreatedAt int64
}

// InsertChallenge stores a freshly issued challenge.
func (s *SQLiteStorage) InsertChallenge(c *HeartbeatChallenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO heartbeat_challenges (challenge, expires_at, used, created_at) VALUES (?, ?, 0, ?)`,
		c.Challenge, c.ExpiresAt, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert challenge: %w", err)
	}
	return nil
}

// GetChallenge looks a challenge up, or nil if unknown.
func (s *SQLiteStorage) GetChallenge(challenge string) (*HeartbeatChallenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var c HeartbeatChallenge
	var used int
	err := s.db.QueryRow(
		`SELECT challenge, expires_at, used, created_at FROM heartbeat_challenges WHERE challenge = ?`,
		challenge,
	).Scan(&c.Challenge, &c.ExpiresAt, &used, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get challenge: %w", err)
	}
	c.Used = used != 0
	return &c, nil
}

// ConsumeChallenge marks a challenge used. It reports false if the
// challenge was already consumed, making the mark-used step atomic.
func (s *SQLiteStorage) ConsumeChallenge(challenge string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(
		`UPDATE heartbeat_challenges SET used = 1 WHERE challenge = ? AND used = 0`,
		challenge,
	)
	if err != nil {
		return false, fmt.Errorf("failed to consume challenge: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// DeleteExpiredChallenges garbage-collects expired challenge rows.
func (s *SQLiteStorage) DeleteExpiredChallenges(now int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`DELETE FROM heartbeat_challenges WHERE expires_at < ?`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired challenges: %w", err)
	}
	return res.RowsAffected()
}

// --- heartbeats and alerts ---

// Heartbeat is one successful check-in.
type Heartbeat struct {
	ID          int64
	CheckedInAt int64
	Method      string
}

// InsertHeartbeat appends a check-in row.
func (s *SQLiteStorage) InsertHeartbeat(checkedInAt int64, method string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO heartbeats (checked_in_at, method) VALUES (?, ?)`,
		checkedInAt, method,
	)
	if err != nil {
		return fmt.Errorf("failed to insert heartbeat: %w", err)
	}
	return nil
}

// LastHeartbeat returns the most recent check-in, or nil if none exist.
func (s *SQLiteStorage) LastHeartbeat() (*Heartbeat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var h Heartbeat
	err := s.db.QueryRow(
		`SELECT id, checked_in_at, method FROM heartbeats ORDER BY checked_in_at DESC, id DESC LIMIT 1`,
	).Scan(&h.ID, &h.CheckedInAt, &h.Method)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last heartbeat: %w", err)
	}
	return &h, nil
}

// HeartbeatAlert records one alert dispatch attempt.
type HeartbeatAlert struct {
	ID            int64
	AlertType     string
	DaysSince     int
	Recipient     string
	Delivered     bool
	DeliveryError string
	CreatedAt     int64
}

// InsertAlert appends an alert dispatch row.
func (s *SQLiteStorage) InsertAlert(a *HeartbeatAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delivered := 0
	if a.Delivered {
		delivered = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO heartbeat_alerts (alert_type, days_since, recipient, delivered, delivery_error, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		a.AlertType, a.DaysSince, a.Recipient, delivered, a.DeliveryError, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

// HasAlert reports whether an alert of this type was already dispatched
// for this days-since value - the idempotency key for escalation.
func (s *SQLiteStorage) HasAlert(alertType string, daysSince int, recipient string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM heartbeat_alerts WHERE alert_type = ? AND days_since = ? AND recipient = ?`,
		alertType, daysSince, recipient,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to query alerts: %w", err)
	}
	return n > 0, nil
}

// ListAlerts returns the most recent alert rows, newest first.
func (s *SQLiteStorage) ListAlerts(limit int) ([]HeartbeatAlert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(
		`SELECT id, alert_type, days_since, recipient, delivered, COALESCE(delivery_error, ''), created_at
		 FROM heartbeat_alerts ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list alerts: %w", err)
	}
	defer rows.Close()

	var alerts []HeartbeatAlert
	for rows.Next() {
		var a HeartbeatAlert
		var delivered int
		if err := rows.Scan(&a.ID, &a.AlertType, &a.DaysSince, &a.Recipient, &delivered, &a.DeliveryError, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Delivered = delivered != 0
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

// --- testament ---

// TestamentConfig is the single-row heir recovery configuration.
type TestamentConfig struct {
	Threshold       int
	TotalShares     int
	SharesGenerated bool
	GeneratedAt     int64
	HeirModeActive  bool
	ActivatedAt     int64
}

// SaveTestamentConfig upserts the config row.
func (s *SQLiteStorage) SaveTestamentConfig(c *TestamentConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	generated, active := 0, 0
	if c.SharesGenerated {
		generated = 1
	}
	if c.HeirModeActive {
		active = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO testament_config (id, threshold, total_shares, shares_generated, generated_at, heir_mode_active, activated_at)
		 VALUES (1, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			threshold = excluded.threshold,
			total_shares = excluded.total_shares,
			shares_generated = excluded.shares_generated,
			generated_at = excluded.generated_at,
			heir_mode_active = excluded.heir_mode_active,
			activated_at = excluded.activated_at`,
		c.Threshold, c.TotalShares, generated, c.GeneratedAt, active, c.ActivatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save testament config: %w", err)
	}
	return nil
}

// GetTestamentConfig returns the config row, or nil if never configured.
func (s *SQLiteStorage) GetTestamentConfig() (*TestamentConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var c TestamentConfig
	var generated, active int
	var generatedAt, activatedAt sql.NullInt64
	err := s.db.QueryRow(
		`SELECT threshold, total_shares, shares_generated, generated_at, heir_mode_active, activated_at FROM testament_config WHERE id = 1`,
	).Scan(&c.Threshold, &c.TotalShares, &generated, &generatedAt, &active, &activatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get testament config: %w", err)
	}
	c.SharesGenerated = generated != 0
	c.HeirModeActive = active != 0
	c.GeneratedAt = generatedAt.Int64
	c.ActivatedAt = activatedAt.Int64
	return &c, nil
}

// Heir is one configured heir identity.
type Heir struct {
	ID             string
	Name           string
	Contact        string
	EncryptedNotes string
	EncryptedDEK   string
	ShareIndex     int
	CreatedAt      int64
}

// InsertHeir stores an heir row.
func (s *SQLiteStorage) InsertHeir(h *Heir) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h.ID == "" {
		h.ID = uuid.New().String()
	}
	_, err := s.db.Exec(
		`INSERT INTO heirs (id, name, contact, encrypted_notes, encrypted_dek, share_index, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.Name, h.Contact, h.EncryptedNotes, h.EncryptedDEK, h.ShareIndex, h.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert heir: %w", err)
	}
	return nil
}

// ListHeirs returns all heirs ordered by share index.
func (s *SQLiteStorage) ListHeirs() ([]Heir, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(
		`SELECT id, name, contact, COALESCE(encrypted_notes, ''), COALESCE(encrypted_dek, ''), share_index, created_at
		 FROM heirs ORDER BY share_index`)
	if err != nil {
		return nil, fmt.Errorf("failed to list heirs: %w", err)
	}
	defer rows.Close()

	var heirs []Heir
	for rows.Next() {
		var h Heir
		if err := rows.Scan(&h.ID, &h.Name, &h.Contact, &h.EncryptedNotes, &h.EncryptedDEK, &h.ShareIndex, &h.CreatedAt); err != nil {
			return nil, err
		}
		heirs = append(heirs, h)
	}
	return heirs, rows.Err()
}

// HeirAuditEntry is one append-only heir-mode audit record.
type HeirAuditEntry struct {
	ID        string
	Action    string
	Detail    string
	CreatedAt int64
}

// AppendHeirAudit appends an audit entry. There is no update or delete
// path for this table.
func (s *SQLiteStorage) AppendHeirAudit(e *HeirAuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	_, err := s.db.Exec(
		`INSERT INTO heir_audit_log (id, action, detail, created_at) VALUES (?, ?, ?, ?)`,
		e.ID, e.Action, e.Detail, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append heir audit entry: %w", err)
	}
	return nil
}

// ListHeirAudit returns audit entries, newest first.
func (s *SQLiteStorage) ListHeirAudit(limit int) ([]HeirAuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.Query(
		`SELECT id, action, COALESCE(detail, ''), created_at FROM heir_audit_log ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list heir audit log: %w", err)
	}
	defer rows.Close()

	var entries []HeirAuditEntry
	for rows.Next() {
		var e HeirAuditEntry
		if err := rows.Scan(&e.ID, &e.Action, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

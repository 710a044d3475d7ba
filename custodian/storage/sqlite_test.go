package storage

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()
	s, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "custody.db"))
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAuthVerifierSingleRow(t *testing.T) {
	s := newTestStorage(t)

	v, err := s.GetAuthVerifier()
	if err != nil {
		t.Fatalf("Failed to get verifier: %v", err)
	}
	if v != nil {
		t.Fatal("Expected nil verifier before setup")
	}

	now := time.Now().Unix()
	err = s.SaveAuthVerifier(&AuthVerifier{
		VerifierHMAC: "abc123",
		Salt:         []byte("salty"),
		CreatedAt:    now,
	})
	if err != nil {
		t.Fatalf("Failed to save verifier: %v", err)
	}

	v, err = s.GetAuthVerifier()
	if err != nil {
		t.Fatalf("Failed to get verifier: %v", err)
	}
	if v == nil || v.VerifierHMAC != "abc123" || string(v.Salt) != "salty" || v.CreatedAt != now {
		t.Error("Verifier round trip mismatch")
	}

	// The row is pinned: a second insert fails.
	err = s.SaveAuthVerifier(&AuthVerifier{VerifierHMAC: "other", Salt: []byte("x"), CreatedAt: now})
	if err == nil {
		t.Error("Expected error inserting a second verifier row")
	}
}

func TestRefreshTokenLifecycle(t *testing.T) {
	s := newTestStorage(t)
	now := time.Now().Unix()

	err := s.InsertRefreshToken(&RefreshToken{
		TokenHash: "hash-1",
		SessionID: "session-1",
		ExpiresAt: now + 3600,
		CreatedAt: now,
	})
	if err != nil {
		t.Fatalf("Failed to insert token: %v", err)
	}

	tok, err := s.GetRefreshToken("hash-1")
	if err != nil {
		t.Fatalf("Failed to get token: %v", err)
	}
	if tok == nil || tok.SessionID != "session-1" || tok.Revoked {
		t.Fatal("Token round trip mismatch")
	}

	unknown, err := s.GetRefreshToken("no-such-hash")
	if err != nil {
		t.Fatalf("Lookup of unknown token errored: %v", err)
	}
	if unknown != nil {
		t.Error("Expected nil for unknown token")
	}

	if err := s.RevokeRefreshToken("hash-1"); err != nil {
		t.Fatalf("Failed to revoke token: %v", err)
	}
	tok, err = s.GetRefreshToken("hash-1")
	if err != nil {
		t.Fatalf("Failed to get token: %v", err)
	}
	if !tok.Revoked {
		t.Error("Token not marked revoked")
	}

	deleted, err := s.DeleteExpiredRefreshTokens(now)
	if err != nil {
		t.Fatalf("Failed to delete tokens: %v", err)
	}
	if deleted != 1 {
		t.Errorf("Expected 1 row deleted, got %d", deleted)
	}
}

func TestRevokeSessionTokens(t *testing.T) {
	s := newTestStorage(t)
	now := time.Now().Unix()

	for _, hash := range []string{"a", "b"} {
		err := s.InsertRefreshToken(&RefreshToken{
			TokenHash: hash, SessionID: "session-1", ExpiresAt: now + 3600, CreatedAt: now,
		})
		if err != nil {
			t.Fatalf("Failed to insert token: %v", err)
		}
	}
	err := s.InsertRefreshToken(&RefreshToken{
		TokenHash: "c", SessionID: "session-2", ExpiresAt: now + 3600, CreatedAt: now,
	})
	if err != nil {
		t.Fatalf("Failed to insert token: %v", err)
	}

	if err := s.RevokeSessionTokens("session-1"); err != nil {
		t.Fatalf("Failed to revoke session tokens: %v", err)
	}

	for _, hash := range []string{"a", "b"} {
		tok, _ := s.GetRefreshToken(hash)
		if !tok.Revoked {
			t.Errorf("Token %s not revoked", hash)
		}
	}
	other, _ := s.GetRefreshToken("c")
	if other.Revoked {
		t.Error("Unrelated session's token revoked")
	}
}

func TestChallengeConsumeOnce(t *testing.T) {
	s := newTestStorage(t)
	now := time.Now().Unix()

	err := s.InsertChallenge(&HeartbeatChallenge{
		Challenge: "nonce-1",
		ExpiresAt: now + 900,
		CreatedAt: now,
	})
	if err != nil {
		t.Fatalf("Failed to insert challenge: %v", err)
	}

	c, err := s.GetChallenge("nonce-1")
	if err != nil {
		t.Fatalf("Failed to get challenge: %v", err)
	}
	if c == nil || c.Used {
		t.Fatal("Fresh challenge missing or already used")
	}

	consumed, err := s.ConsumeChallenge("nonce-1")
	if err != nil {
		t.Fatalf("Failed to consume challenge: %v", err)
	}
	if !consumed {
		t.Fatal("First consume reported failure")
	}

	consumed, err = s.ConsumeChallenge("nonce-1")
	if err != nil {
		t.Fatalf("Second consume errored: %v", err)
	}
	if consumed {
		t.Error("Challenge consumed twice")
	}

	deleted, err := s.DeleteExpiredChallenges(now + 1000)
	if err != nil {
		t.Fatalf("Failed to delete challenges: %v", err)
	}
	if deleted != 1 {
		t.Errorf("Expected 1 challenge deleted, got %d", deleted)
	}
}

func TestHeartbeatHistory(t *testing.T) {
	s := newTestStorage(t)

	last, err := s.LastHeartbeat()
	if err != nil {
		t.Fatalf("Failed to get last heartbeat: %v", err)
	}
	if last != nil {
		t.Fatal("Expected nil with no heartbeats")
	}

	base := time.Now().Unix()
	for i := int64(0); i < 3; i++ {
		if err := s.InsertHeartbeat(base+i, "challenge"); err != nil {
			t.Fatalf("Failed to insert heartbeat: %v", err)
		}
	}

	last, err = s.LastHeartbeat()
	if err != nil {
		t.Fatalf("Failed to get last heartbeat: %v", err)
	}
	if last.CheckedInAt != base+2 {
		t.Errorf("Expected newest check-in %d, got %d", base+2, last.CheckedInAt)
	}
}

func TestAlertIdempotencyKey(t *testing.T) {
	s := newTestStorage(t)
	now := time.Now().Unix()

	has, err := s.HasAlert("warning", 14, "owner@example.com")
	if err != nil {
		t.Fatalf("HasAlert failed: %v", err)
	}
	if has {
		t.Fatal("Alert reported before any exist")
	}

	err = s.InsertAlert(&HeartbeatAlert{
		AlertType: "warning",
		DaysSince: 14,
		Recipient: "owner@example.com",
		Delivered: true,
		CreatedAt: now,
	})
	if err != nil {
		t.Fatalf("Failed to insert alert: %v", err)
	}

	has, err = s.HasAlert("warning", 14, "owner@example.com")
	if err != nil {
		t.Fatalf("HasAlert failed: %v", err)
	}
	if !has {
		t.Error("Inserted alert not found by idempotency key")
	}

	// Different level, day, or recipient does not match.
	for _, probe := range []struct {
		level     string
		days      int
		recipient string
	}{
		{"critical", 14, "owner@example.com"},
		{"warning", 15, "owner@example.com"},
		{"warning", 14, "backup@example.com"},
	} {
		has, err := s.HasAlert(probe.level, probe.days, probe.recipient)
		if err != nil {
			t.Fatalf("HasAlert failed: %v", err)
		}
		if has {
			t.Errorf("Probe %v unexpectedly matched", probe)
		}
	}

	alerts, err := s.ListAlerts(10)
	if err != nil {
		t.Fatalf("Failed to list alerts: %v", err)
	}
	if len(alerts) != 1 || !alerts[0].Delivered {
		t.Error("Alert list round trip mismatch")
	}
}

func TestTestamentConfigUpsert(t *testing.T) {
	s := newTestStorage(t)

	cfg, err := s.GetTestamentConfig()
	if err != nil {
		t.Fatalf("Failed to get config: %v", err)
	}
	if cfg != nil {
		t.Fatal("Expected nil config before setup")
	}

	now := time.Now().Unix()
	err = s.SaveTestamentConfig(&TestamentConfig{
		Threshold:       3,
		TotalShares:     5,
		SharesGenerated: true,
		GeneratedAt:     now,
	})
	if err != nil {
		t.Fatalf("Failed to save config: %v", err)
	}

	cfg, err = s.GetTestamentConfig()
	if err != nil {
		t.Fatalf("Failed to get config: %v", err)
	}
	if cfg.Threshold != 3 || cfg.TotalShares != 5 || !cfg.SharesGenerated || cfg.HeirModeActive {
		t.Error("Config round trip mismatch")
	}

	// Upsert flips heir mode on the same row.
	cfg.HeirModeActive = true
	cfg.ActivatedAt = now + 100
	if err := s.SaveTestamentConfig(cfg); err != nil {
		t.Fatalf("Failed to update config: %v", err)
	}
	cfg, err = s.GetTestamentConfig()
	if err != nil {
		t.Fatalf("Failed to get config: %v", err)
	}
	if !cfg.HeirModeActive || cfg.ActivatedAt != now+100 {
		t.Error("Upsert did not update the row")
	}
}

func TestHeirsAndAudit(t *testing.T) {
	s := newTestStorage(t)
	now := time.Now().Unix()

	for i := 1; i <= 3; i++ {
		err := s.InsertHeir(&Heir{
			Name:       "heir",
			Contact:    "heir@example.com",
			ShareIndex: i,
			CreatedAt:  now,
		})
		if err != nil {
			t.Fatalf("Failed to insert heir: %v", err)
		}
	}

	heirs, err := s.ListHeirs()
	if err != nil {
		t.Fatalf("Failed to list heirs: %v", err)
	}
	if len(heirs) != 3 {
		t.Fatalf("Expected 3 heirs, got %d", len(heirs))
	}
	for i, h := range heirs {
		if h.ShareIndex != i+1 {
			t.Errorf("Heir %d out of order: share index %d", i, h.ShareIndex)
		}
		if h.ID == "" {
			t.Error("Heir ID not assigned")
		}
	}

	for i := int64(0); i < 2; i++ {
		err := s.AppendHeirAudit(&HeirAuditEntry{
			Action:    "record_read",
			Detail:    "entry",
			CreatedAt: now + i,
		})
		if err != nil {
			t.Fatalf("Failed to append audit: %v", err)
		}
	}

	audit, err := s.ListHeirAudit(10)
	if err != nil {
		t.Fatalf("Failed to list audit: %v", err)
	}
	if len(audit) != 2 {
		t.Fatalf("Expected 2 audit entries, got %d", len(audit))
	}
	if audit[0].CreatedAt < audit[1].CreatedAt {
		t.Error("Audit entries not newest-first")
	}
}

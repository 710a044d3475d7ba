package main

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SessionKeyStore holds master keys for authenticated sessions in
// process memory. It is the only path by which a master key enters or
// leaves memory, and the one piece of truly shared mutable state in the
// core: every access is serialized by a single mutex so a wipe can never
// interleave with a read into a use-after-wipe. Keys are never
// serialized anywhere.
type SessionKeyStore struct {
	mu      sync.Mutex
	entries map[string]*sessionEntry
	clock   func() time.Time
	log     zerolog.Logger
}

type sessionEntry struct {
	key        []byte
	lastActive time.Time
}

// NewSessionKeyStore creates an empty store using the wall clock.
func NewSessionKeyStore() *SessionKeyStore {
	return &SessionKeyStore{
		entries: make(map[string]*sessionEntry),
		clock:   time.Now,
		log:     log.With().Str("component", "session_keys").Logger(),
	}
}

// SetClock replaces the time source. Tests use this to drive expiry.
func (s *SessionKeyStore) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}

// Store inserts or replaces the key for a session, copying it into a
// buffer the store owns. The buffer is locked into RAM where the
// platform supports it so it cannot be swapped to disk.
func (s *SessionKeyStore) Store(sessionID string, key []byte) {
	buf := make([]byte, len(key))
	copy(buf, key)
	if err := lockMemory(buf); err != nil {
		s.log.Debug().Err(err).Msg("mlock unavailable for session key")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[sessionID]; ok {
		s.eraseLocked(old)
	}
	s.entries[sessionID] = &sessionEntry{key: buf, lastActive: s.clock()}
}

// Get returns a copy of the session's key, or false if the session is
// absent. Absence is not an error: the caller must treat it as
// "re-authentication required". Returning a copy guarantees a get that
// races a wipe observes either the whole key or nothing.
func (s *SessionKeyStore) Get(sessionID string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[sessionID]
	if !ok {
		return nil, false
	}
	key := make([]byte, len(entry.key))
	copy(key, entry.key)
	return key, true
}

// Touch refreshes the session's last-activity time on authenticated use.
func (s *SessionKeyStore) Touch(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[sessionID]
	if !ok {
		return false
	}
	entry.lastActive = s.clock()
	return true
}

// Wipe removes the session and overwrites its key buffer with zeros.
// After Wipe returns, the byte pattern that held the key is no longer
// readable from that memory region.
func (s *SessionKeyStore) Wipe(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[sessionID]
	if !ok {
		return false
	}
	s.eraseLocked(entry)
	delete(s.entries, sessionID)
	return true
}

// SweepExpired wipes every session whose last activity is older than
// timeout and returns the count wiped. A timeout of zero wipes all
// currently stored sessions.
func (s *SessionKeyStore) SweepExpired(timeout time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	wiped := 0
	for id, entry := range s.entries {
		if now.Sub(entry.lastActive) >= timeout {
			s.eraseLocked(entry)
			delete(s.entries, id)
			wiped++
		}
	}
	return wiped
}

// WipeAll unconditionally wipes every session. Called on every shutdown
// path so no key material survives process exit.
func (s *SessionKeyStore) WipeAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	wiped := len(s.entries)
	for id, entry := range s.entries {
		s.eraseLocked(entry)
		delete(s.entries, id)
	}
	return wiped
}

// Len reports the number of live sessions.
func (s *SessionKeyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *SessionKeyStore) eraseLocked(entry *sessionEntry) {
	zeroBytes(entry.key)
	if err := unlockMemory(entry.key); err != nil {
		s.log.Debug().Err(err).Msg("munlock failed")
	}
	entry.key = nil
}

// RunSweeper wipes expired sessions on a fixed interval until ctx is
// cancelled, then performs one unconditional WipeAll. Sweep failures
// cannot abort the loop; it only ever exits through cancellation.
func (s *SessionKeyStore) RunSweeper(ctx context.Context, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wiped := s.WipeAll()
			s.log.Info().Int("wiped", wiped).Msg("Session sweeper stopped, all keys wiped")
			return
		case <-ticker.C:
			if wiped := s.SweepExpired(timeout); wiped > 0 {
				s.log.Info().Int("wiped", wiped).Msg("Expired sessions wiped")
			}
		}
	}
}

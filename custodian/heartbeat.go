package main

import (
	"context"
	"crypto/hmac"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/memento-vault/memento/custodian/storage"
)

// AlertLevel is the overdue ladder position, driven purely by elapsed
// time since the last successful check-in.
type AlertLevel string

const (
	AlertOK       AlertLevel = "ok"
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
	AlertOverdue  AlertLevel = "overdue"
)

const challengeBytes = 16

// HeartbeatSwitch implements the challenge/response liveness protocol
// and its escalation ladder. A challenge is consumed by exactly one
// valid check-in; elapsed time past the configured trigger makes the
// system eligible for testament activation.
type HeartbeatSwitch struct {
	store *storage.SQLiteStorage
	cfg   HeartbeatConfig
	clock func() time.Time
	log   zerolog.Logger
}

// HeartbeatStatus is a pure read of the switch's state.
type HeartbeatStatus struct {
	LastCheckin time.Time
	HasCheckin  bool
	DaysSince   int
	NextDue     time.Time
	IsOverdue   bool
	AlertLevel  AlertLevel
	Alerts      []storage.HeartbeatAlert
}

// NewHeartbeatSwitch wires the switch to storage and configuration.
func NewHeartbeatSwitch(store *storage.SQLiteStorage, cfg HeartbeatConfig) *HeartbeatSwitch {
	return &HeartbeatSwitch{
		store: store,
		cfg:   cfg,
		clock: time.Now,
		log:   log.With().Str("component", "heartbeat").Logger(),
	}
}

// SetClock replaces the time source. Tests use this to walk the ladder.
func (h *HeartbeatSwitch) SetClock(clock func() time.Time) {
	h.clock = clock
}

// GenerateChallenge creates and persists a single-use random challenge
// with a short expiry.
func (h *HeartbeatSwitch) GenerateChallenge() (*storage.HeartbeatChallenge, error) {
	token, err := generateToken(challengeBytes)
	if err != nil {
		return nil, err
	}
	now := h.clock()
	challenge := &storage.HeartbeatChallenge{
		Challenge: token,
		ExpiresAt: now.Add(time.Duration(h.cfg.ChallengeTTLMinutes) * time.Minute).Unix(),
		CreatedAt: now.Unix(),
	}
	if err := h.store.InsertChallenge(challenge); err != nil {
		return nil, err
	}
	h.log.Debug().Str("challenge", token).Msg("Challenge issued")
	return challenge, nil
}

// VerifyCheckin validates a check-in: the challenge must be known,
// unexpired, and unused, and responseHex must equal
// HMAC-SHA256(masterKey, challenge). On success the challenge is
// consumed, a heartbeat row is recorded, and the overdue ladder resets.
func (h *HeartbeatSwitch) VerifyCheckin(challenge, responseHex string, masterKey []byte) error {
	row, err := h.store.GetChallenge(challenge)
	if err != nil {
		return err
	}
	now := h.clock()
	if row == nil || row.Used || now.Unix() >= row.ExpiresAt {
		return ErrChallengeInvalid
	}

	expected := hmacHex(masterKey, []byte(challenge))
	if !hmac.Equal([]byte(expected), []byte(responseHex)) {
		h.log.Warn().Msg("Check-in rejected: response mismatch")
		return ErrAuthenticationFailed
	}

	// Consume atomically so two concurrent check-ins cannot both
	// succeed on one challenge.
	consumed, err := h.store.ConsumeChallenge(challenge)
	if err != nil {
		return err
	}
	if !consumed {
		return ErrChallengeInvalid
	}
	if err := h.store.InsertHeartbeat(now.Unix(), "challenge"); err != nil {
		return err
	}
	h.log.Info().Msg("Check-in recorded")
	return nil
}

// Status derives the current switch state from persisted history and
// the configured thresholds. No side effects.
func (h *HeartbeatSwitch) Status() (*HeartbeatStatus, error) {
	last, err := h.store.LastHeartbeat()
	if err != nil {
		return nil, err
	}
	alerts, err := h.store.ListAlerts(20)
	if err != nil {
		return nil, err
	}

	status := &HeartbeatStatus{Alerts: alerts}
	now := h.clock()

	var since time.Time
	if last != nil {
		since = time.Unix(last.CheckedInAt, 0)
		status.LastCheckin = since
		status.HasCheckin = true
	} else {
		// No check-in ever: the ladder starts at daemon setup time,
		// approximated by the verifier row's creation.
		v, err := h.store.GetAuthVerifier()
		if err != nil {
			return nil, err
		}
		if v == nil {
			status.AlertLevel = AlertOK
			return status, nil
		}
		since = time.Unix(v.CreatedAt, 0)
	}

	status.DaysSince = int(now.Sub(since).Hours() / 24)
	status.NextDue = since.Add(time.Duration(h.cfg.WarningDays) * 24 * time.Hour)
	status.AlertLevel = h.levelFor(status.DaysSince)
	status.IsOverdue = status.AlertLevel == AlertOverdue
	return status, nil
}

func (h *HeartbeatSwitch) levelFor(daysSince int) AlertLevel {
	switch {
	case daysSince >= h.cfg.TriggerDays:
		return AlertOverdue
	case daysSince >= h.cfg.CriticalDays:
		return AlertCritical
	case daysSince >= h.cfg.WarningDays:
		return AlertWarning
	default:
		return AlertOK
	}
}

// EvaluateEscalation compares elapsed time to the thresholds and
// dispatches alerts for the current level. An alert row is recorded
// whether or not delivery succeeded, and dispatch is idempotent per
// (level, days-since, recipient) so an external retrying scheduler is
// safe. Dispatch failures never block escalation.
func (h *HeartbeatSwitch) EvaluateEscalation(ctx context.Context, notifier Notifier, recipients []string) error {
	status, err := h.Status()
	if err != nil {
		return err
	}
	if status.AlertLevel == AlertOK {
		return nil
	}

	for _, recipient := range recipients {
		already, err := h.store.HasAlert(string(status.AlertLevel), status.DaysSince, recipient)
		if err != nil {
			return err
		}
		if already {
			continue
		}

		delivered, deliveryErr := notifier.Notify(ctx, recipient, string(status.AlertLevel), status.DaysSince)
		alert := &storage.HeartbeatAlert{
			AlertType: string(status.AlertLevel),
			DaysSince: status.DaysSince,
			Recipient: recipient,
			Delivered: delivered,
			CreatedAt: h.clock().Unix(),
		}
		if deliveryErr != nil {
			alert.DeliveryError = deliveryErr.Error()
			h.log.Warn().Err(deliveryErr).Str("recipient", recipient).Msg("Alert delivery failed")
		}
		if err := h.store.InsertAlert(alert); err != nil {
			return err
		}
		h.log.Info().
			Str("level", string(status.AlertLevel)).
			Int("days_since", status.DaysSince).
			Str("recipient", recipient).
			Bool("delivered", delivered).
			Msg("Alert dispatched")
	}
	return nil
}

// RunEscalation evaluates the ladder on a fixed interval until ctx is
// cancelled. Evaluation failures are logged and do not stop the loop.
func (h *HeartbeatSwitch) RunEscalation(ctx context.Context, interval time.Duration, notifier Notifier, recipients []string) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.log.Info().Msg("Escalation loop stopped")
			return
		case <-ticker.C:
			if err := h.EvaluateEscalation(ctx, notifier, recipients); err != nil {
				h.log.Error().Err(err).Msg("Escalation evaluation failed")
			}
		}
	}
}

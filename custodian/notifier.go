package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Notifier delivers an escalation alert to a recipient. Implementations
// report whether delivery happened; the switch records an alert row
// either way.
type Notifier interface {
	Notify(ctx context.Context, recipient, alertType string, daysOverdue int) (delivered bool, err error)
}

// alertMessage is the wire payload published for each alert.
type alertMessage struct {
	Recipient   string `json:"recipient"`
	AlertType   string `json:"alert_type"`
	DaysOverdue int    `json:"days_overdue"`
	Timestamp   int64  `json:"timestamp"`
}

// NATSNotifier publishes alerts to a NATS subject for downstream
// delivery (mail, SMS, push - whatever subscribes).
type NATSNotifier struct {
	conn    *nats.Conn
	subject string
	log     zerolog.Logger
}

// NewNATSNotifier connects to NATS with the configured reconnect
// behavior.
func NewNATSNotifier(cfg NATSConfig) (*NATSNotifier, error) {
	opts := []nats.Option{
		nats.Name("memento-custodian"),
		nats.ReconnectWait(time.Duration(cfg.ReconnectWait) * time.Millisecond),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); err == nil {
			opts = append(opts, nats.UserCredentials(cfg.CredentialsFile))
		}
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATSNotifier{
		conn:    conn,
		subject: cfg.Subject,
		log:     log.With().Str("component", "nats_notifier").Logger(),
	}, nil
}

// Notify publishes the alert and flushes so delivered means the server
// accepted it.
func (n *NATSNotifier) Notify(ctx context.Context, recipient, alertType string, daysOverdue int) (bool, error) {
	payload, err := json.Marshal(alertMessage{
		Recipient:   recipient,
		AlertType:   alertType,
		DaysOverdue: daysOverdue,
		Timestamp:   time.Now().Unix(),
	})
	if err != nil {
		return false, err
	}
	if err := n.conn.Publish(n.subject, payload); err != nil {
		return false, err
	}
	if err := n.conn.FlushWithContext(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Close drains the connection.
func (n *NATSNotifier) Close() {
	n.conn.Close()
}

// LogNotifier writes alerts to the log only. Used when no NATS URL is
// configured and in tests.
type LogNotifier struct {
	log zerolog.Logger
}

// NewLogNotifier returns a log-only notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{log: log.With().Str("component", "log_notifier").Logger()}
}

// Notify logs the alert and reports it delivered.
func (n *LogNotifier) Notify(ctx context.Context, recipient, alertType string, daysOverdue int) (bool, error) {
	n.log.Warn().
		Str("recipient", recipient).
		Str("alert_type", alertType).
		Int("days_overdue", daysOverdue).
		Msg("Heartbeat alert")
	return true, nil
}

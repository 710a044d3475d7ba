// Package main implements the custody daemon for the Memento personal
// data store: passphrase-derived key custody, envelope encryption,
// encrypted blob storage, and the dead-man's-switch recovery protocol.
// The REST transport and the relational content schema live elsewhere;
// this process owns everything that touches key material.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/memento-vault/memento/custodian/storage"
)

// Version is set at build time
var Version = "dev"

func main() {
	configPath := flag.String("config", "", "Path to YAML configuration")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log.Info().Str("version", Version).Str("data_dir", cfg.DataDir).Msg("Custodian starting")

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		log.Fatal().Err(err).Msg("Failed to create data directory")
	}

	store, err := storage.NewSQLiteStorage(cfg.DatabasePath())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open storage")
	}
	defer store.Close()

	identity, err := LoadOrCreateIdentity(cfg.IdentityPath())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load vault identity")
	}
	vault, err := NewVaultStore(cfg.VaultRoot, identity)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open vault store")
	}

	keys := NewSessionKeyStore()
	auth := NewAuthManager(store, keys, time.Duration(cfg.Session.RefreshTokenTTLHours)*time.Hour)
	heartbeat := NewHeartbeatSwitch(store, cfg.Heartbeat)
	testament := NewTestamentManager(store, keys, heartbeat)

	// Startup housekeeping: stale tokens and challenges accumulate
	// while the process is down.
	if purged, err := auth.PurgeExpiredTokens(); err != nil {
		log.Warn().Err(err).Msg("Token purge failed")
	} else if purged > 0 {
		log.Info().Int64("purged", purged).Msg("Expired refresh tokens purged")
	}
	if purged, err := store.DeleteExpiredChallenges(time.Now().Unix()); err != nil {
		log.Warn().Err(err).Msg("Challenge purge failed")
	} else if purged > 0 {
		log.Info().Int64("purged", purged).Msg("Expired challenges purged")
	}

	if active, err := testament.HeirModeActive(); err != nil {
		log.Fatal().Err(err).Msg("Failed to read testament state")
	} else if active {
		log.Warn().Msg("Heir mode is active: access is scoped and audited")
	}

	log.Info().Str("vault_root", vault.Root()).Msg("Custody core ready")

	var notifier Notifier
	if cfg.NATS.URL != "" {
		natsNotifier, err := NewNATSNotifier(cfg.NATS)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect alert notifier")
		}
		defer natsNotifier.Close()
		notifier = natsNotifier
	} else {
		log.Warn().Msg("No NATS URL configured, alerts are log-only")
		notifier = NewLogNotifier()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		keys.RunSweeper(ctx,
			time.Duration(cfg.Session.SweepIntervalSeconds)*time.Second,
			time.Duration(cfg.Session.TimeoutMinutes)*time.Minute)
	}()
	go func() {
		defer wg.Done()
		heartbeat.RunEscalation(ctx,
			time.Duration(cfg.Heartbeat.EscalationIntervalMinutes)*time.Minute,
			notifier, cfg.Heartbeat.Recipients)
	}()

	<-ctx.Done()
	wg.Wait()

	// The sweeper wipes on cancellation, but shutdown must not depend
	// on which goroutine won the race.
	if wiped := keys.WipeAll(); wiped > 0 {
		log.Info().Int("wiped", wiped).Msg("Residual session keys wiped at shutdown")
	}
	log.Info().Msg("Custodian shutdown complete")
}

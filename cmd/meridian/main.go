package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/meridian-im/meridian-core/call"
	"github.com/meridian-im/meridian-core/config"
	"github.com/meridian-im/meridian-core/keyring"
	"github.com/meridian-im/meridian-core/msgsync"
	"github.com/meridian-im/meridian-core/signaling"
	"github.com/meridian-im/meridian-core/storage"
)

// Version is set at build time
var Version = "dev"

const identityKey = "identity"

func main() {
	configPath := flag.String("config", "meridian.yaml", "Path to configuration file")
	natsURL := flag.String("nats-url", "", "NATS server URL (overrides config)")
	userID := flag.String("user", "", "Local user id (overrides config)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if *natsURL != "" {
		cfg.NATS.URL = *natsURL
	}
	if *userID != "" {
		cfg.UserID = *userID
	}
	config.SetupLogging(cfg.Log)

	log.Info().
		Str("version", Version).
		Str("config", *configPath).
		Str("user_id", cfg.UserID).
		Msg("Meridian core starting")

	if cfg.UserID == "" {
		log.Fatal().Msg("No user id configured")
	}

	store := openStore(cfg.Storage)
	defer store.Close()

	identity, err := loadOrCreateIdentity(store, cfg.UserID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load identity")
	}
	log.Info().Str("fingerprint", keyring.Fingerprint(identity.Public)).Msg("Identity ready")

	client, err := signaling.NewClient(cfg.NATS)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect signaling transport")
	}
	defer client.Close()

	docs := signaling.NewNATSStore(client)
	keys := keyring.NewCache(cfg.Sync.KeyCacheSize)

	engine := msgsync.NewEngine(identity, store, docs, keys, msgsync.Options{
		PageSize: cfg.Sync.PageSize,
	})
	ctx := context.Background()
	if err := engine.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start sync engine")
	}
	defer engine.Close()
	client.OnOnlineChange(engine.SetOnline)

	calls := call.NewManager(cfg.UserID, docs, &nullMedia{}, call.Options{
		RingTimeout:        secondsToDuration(cfg.Call.RingTimeoutSecs),
		AmplitudeThreshold: cfg.Call.AmplitudeThreshold,
	})
	if err := calls.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start call manager")
	}
	defer calls.Close()

	log.Info().Msg("Meridian core running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")
}

// openStore opens the SQLite store, degrading to the JSON fallback when it
// cannot.
func openStore(cfg config.StorageConfig) storage.Store {
	store, err := storage.NewSQLiteStore(cfg.Path)
	if err == nil {
		return store
	}
	log.Error().Err(err).Str("path", cfg.Path).Msg("SQLite store unavailable")

	fallback, ferr := storage.NewFallbackStore(cfg.FallbackPath)
	if ferr != nil {
		log.Fatal().Err(ferr).Msg("Fallback store unavailable")
	}
	return fallback
}

// loadOrCreateIdentity restores the device identity keys or generates them
// on first run.
func loadOrCreateIdentity(store storage.Store, userID string) (*keyring.Identity, error) {
	data, err := store.GetValue(identityKey)
	if err == nil {
		var identity keyring.Identity
		if err := json.Unmarshal(data, &identity); err != nil {
			return nil, err
		}
		if identity.UserID != userID {
			return nil, errors.New("stored identity belongs to a different user")
		}
		return &identity, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	identity, err := keyring.GenerateIdentityKeys(userID)
	if err != nil {
		return nil, err
	}
	data, err = json.Marshal(identity)
	if err != nil {
		return nil, err
	}
	if err := store.SetValue(identityKey, data); err != nil {
		return nil, err
	}
	log.Info().Str("user_id", userID).Msg("Generated new identity keys")
	return identity, nil
}

func secondsToDuration(secs int) time.Duration {
	return time.Duration(secs) * time.Second
}

// nullMedia stands in when no platform media stack is linked; calls can be
// signaled but not answered with audio.
type nullMedia struct{}

func (nullMedia) AcquireAudio(ctx context.Context) (call.Track, error) {
	return nil, &call.MediaError{Cause: call.MediaNotFound, Err: errors.New("no media stack linked")}
}

func (nullMedia) AcquireVideo(ctx context.Context) (call.Track, error) {
	return nil, &call.MediaError{Cause: call.MediaNotFound, Err: errors.New("no media stack linked")}
}

func (nullMedia) NewSession(ctx context.Context, tracks ...call.Track) (call.Session, error) {
	return nil, &call.MediaError{Cause: call.MediaNotFound, Err: errors.New("no media stack linked")}
}

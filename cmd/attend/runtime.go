package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/davidahmann/attend/core/attendance"
	coreerrors "github.com/davidahmann/attend/core/errors"
	"github.com/davidahmann/attend/core/ledger"
	"github.com/davidahmann/attend/core/ledgerstore"
	"github.com/davidahmann/attend/core/projectconfig"
	"github.com/davidahmann/attend/core/sign"
	"github.com/davidahmann/attend/core/timeline"
	"github.com/davidahmann/attend/internal/log"
)

// engineRuntime is the engine assembled from project configuration plus the
// resources it must release.
type engineRuntime struct {
	config projectconfig.Config
	engine *attendance.Engine
	store  ledgerstore.Store
	logger zerolog.Logger
	warns  []string
}

func (r *engineRuntime) Close() error {
	if r == nil || r.store == nil {
		return nil
	}
	return r.store.Close()
}

// loadConfig reads the project config. The default path may be absent; an
// explicit path must exist.
func loadConfig(path string) (projectconfig.Config, error) {
	trimmed := strings.TrimSpace(path)
	allowMissing := trimmed == "" || trimmed == projectconfig.DefaultPath
	if trimmed == "" {
		trimmed = projectconfig.DefaultPath
	}
	configuration, err := projectconfig.Load(trimmed, allowMissing)
	if err != nil {
		return projectconfig.Config{}, coreerrors.Invalid(err, "invalid_config")
	}
	return configuration, nil
}

func configureLogging(configuration projectconfig.Config) {
	cfg := log.Config{Level: configuration.Log.Level, Service: "attend", Version: version}
	if configuration.Log.Output == "stdout" {
		cfg.Output = os.Stdout
	}
	log.Configure(cfg)
}

// openRuntime wires the reconciler, ledger store, signer and attendance
// engine, then replays the timeline journal when one is configured.
func openRuntime(ctx context.Context, configPath string) (*engineRuntime, error) {
	configuration, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	configureLogging(configuration)
	logger := log.WithComponent("cli")

	var journal *timeline.Journal
	if configuration.Timeline.JournalPath != "" {
		journal, err = timeline.OpenJournal(configuration.Timeline.JournalPath)
		if err != nil {
			return nil, coreerrors.Invalid(err, "invalid_config")
		}
	}
	meetings := timeline.NewStaticDirectory(configuration.Meetings...)
	reconciler := timeline.NewReconciler(timeline.NewStore(), timeline.Options{
		HeartbeatPeriod: configuration.HeartbeatPeriod(),
		Journal:         journal,
		Meetings:        meetings,
	})

	signer, verifier, warnings, err := buildSigner(configuration)
	if err != nil {
		return nil, err
	}

	store, err := openStore(configuration)
	if err != nil {
		return nil, err
	}
	ledgerEngine, err := ledger.NewEngine(ledger.Options{Store: store, Signer: signer, Verifier: verifier})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	engine, err := attendance.New(attendance.Options{
		Reconciler: reconciler,
		Ledger:     ledgerEngine,
		Policies:   attendance.StaticPolicy(configuration.AttendancePolicy()),
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if journal != nil {
		stats, err := engine.Replay(ctx)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		logger.Debug().
			Int("events", stats.Events).
			Int("orphans", stats.Orphans).
			Int("finalized", stats.Finalized).
			Int("results", stats.Results).
			Msg("replayed timeline journal")
	}
	return &engineRuntime{config: configuration, engine: engine, store: store, logger: logger, warns: warnings}, nil
}

func openStore(configuration projectconfig.Config) (ledgerstore.Store, error) {
	var (
		store ledgerstore.Store
		err   error
	)
	switch configuration.Ledger.Backend {
	case projectconfig.BackendMemory:
		store = ledgerstore.NewMemory()
	case projectconfig.BackendJSONL:
		store, err = ledgerstore.NewJSONL(configuration.Ledger.Path)
	case projectconfig.BackendSQLite:
		store, err = ledgerstore.OpenSQLite(configuration.Ledger.Path, ledgerstore.DefaultSQLiteConfig())
	case projectconfig.BackendRedis:
		store, err = ledgerstore.OpenRedis(ledgerstore.RedisConfig{
			Addr:   configuration.Ledger.RedisAddr,
			DB:     configuration.Ledger.RedisDB,
			Prefix: configuration.Ledger.RedisPrefix,
		})
	default:
		err = fmt.Errorf("unsupported ledger backend %q", configuration.Ledger.Backend)
	}
	if err != nil {
		return nil, coreerrors.Wrap(err, coreerrors.CategoryDependencyMissing, coreerrors.CodeStoreFailure, "check the ledger backend settings", true)
	}
	return store, nil
}

// buildSigner combines the ed25519 key (if configured) with the shared
// secret. Either one alone is enough; with both, the secret is the fallback.
func buildSigner(configuration projectconfig.Config) (*sign.Signer, *sign.Verifier, []string, error) {
	keyConfig := configuration.KeyConfig()
	secret, err := sign.LoadSharedSecret(keyConfig)
	if err != nil {
		return nil, nil, nil, coreerrors.Invalid(err, "invalid_signing_config")
	}
	timeout, err := configuration.ProviderTimeout()
	if err != nil {
		return nil, nil, nil, coreerrors.Invalid(err, "invalid_config")
	}

	var (
		provider sign.KeyProvider
		warnings []string
	)
	hasKey := keyConfig.Mode == sign.ModeDev || keyConfig.PrivateKeyPath != "" || keyConfig.PrivateKeyEnv != ""
	verifier := sign.NewVerifier(secret)
	if hasKey {
		keyPair, keyWarnings, err := sign.LoadSigningKey(keyConfig)
		if err != nil {
			return nil, nil, nil, coreerrors.Invalid(err, "invalid_signing_config")
		}
		warnings = append(warnings, keyWarnings...)
		provider = sign.StaticKey(keyPair.Private)
		verifier.AddPublicKey(keyPair.Public)
	} else if keyConfig.PublicKeyPath != "" || keyConfig.PublicKeyEnv != "" {
		public, err := sign.LoadVerifyKey(keyConfig)
		if err != nil {
			return nil, nil, nil, coreerrors.Invalid(err, "invalid_signing_config")
		}
		verifier.AddPublicKey(public)
	}
	if provider == nil && len(secret) == 0 {
		return nil, nil, nil, coreerrors.Wrap(
			errors.New("no signing key or shared secret configured"),
			coreerrors.CategoryDependencyMissing,
			coreerrors.CodeSigningUnavailable,
			"set signing.private_key, signing.private_key_env or signing.shared_secret_env",
			false,
		)
	}
	signer, err := sign.NewSigner(sign.SignerOptions{Provider: provider, Secret: secret, Timeout: timeout})
	if err != nil {
		return nil, nil, nil, coreerrors.Invalid(err, "invalid_signing_config")
	}
	return signer, verifier, warnings, nil
}

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/castellan-io/castellan/pkg/admission"
	"github.com/castellan-io/castellan/pkg/api"
	"github.com/castellan-io/castellan/pkg/audit"
	"github.com/castellan-io/castellan/pkg/authz"
	"github.com/castellan-io/castellan/pkg/config"
	"github.com/castellan-io/castellan/pkg/consensus"
	"github.com/castellan-io/castellan/pkg/contracts"
	"github.com/castellan-io/castellan/pkg/index"
	"github.com/castellan-io/castellan/pkg/ledger"
	"github.com/castellan-io/castellan/pkg/manifest"
	"github.com/castellan-io/castellan/pkg/observability"
	"github.com/castellan-io/castellan/pkg/payload"
	"github.com/castellan-io/castellan/pkg/policy"
	"github.com/castellan-io/castellan/pkg/tiers"
)

// tokenRealm scopes the HKDF token key derivation.
const tokenRealm = "participants"

func runServer(stdout, stderr io.Writer) int {
	ctx := context.Background()
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel, stdout)
	slog.SetDefault(logger)

	log, cleanupLedger, err := openLedger(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "ledger init failed: %v\n", err)
		return 1
	}
	defer cleanupLedger()

	idx, cleanupIndex, err := openIndex(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "index init failed: %v\n", err)
		return 1
	}
	defer cleanupIndex()

	verifier := authz.NewVerifier()
	roster, trialCfg, err := loadGovernance(cfg, verifier, logger)
	if err != nil {
		fmt.Fprintf(stderr, "governance profile load failed: %v\n", err)
		return 1
	}

	disputes := consensus.NewEngine(trialCfg, log)
	observer := admission.NewObserver(logger)
	engine, err := admission.NewEngine(admission.Config{
		EngineVersion: cfg.EngineVersion,
		Roster:        roster,
	}, idx, verifier, disputes, log, observer)
	if err != nil {
		fmt.Fprintf(stderr, "admission engine init failed: %v\n", err)
		return 1
	}

	validator, err := manifest.NewValidator()
	if err != nil {
		fmt.Fprintf(stderr, "manifest validator init failed: %v\n", err)
		return 1
	}

	policies, err := policy.NewEngine()
	if err != nil {
		fmt.Fprintf(stderr, "policy engine init failed: %v\n", err)
		return 1
	}
	if err := policies.Load(policy.DefaultPolicyID, policy.DefaultContestPredicate); err != nil {
		fmt.Fprintf(stderr, "policy load failed: %v\n", err)
		return 1
	}

	store, err := payload.NewStoreFromEnv(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "payload store init failed: %v\n", err)
		return 1
	}
	vault := payload.NewVault(store)
	logger.Info("payload store ready")

	obs, err := observability.New(ctx, observabilityConfig(cfg))
	if err != nil {
		logger.Warn("observability init failed, continuing without", "error", err)
	}
	if obs != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = obs.Shutdown(shutdownCtx)
		}()
	}

	server, err := api.NewServer(api.ServerConfig{
		Validator: validator,
		Engine:    engine,
		Disputes:  disputes,
		Index:     idx,
		Policies:  policies,
		Log:       log,
		Vault:     vault,
		Exporter:  audit.NewExporter(log, store),
		AuditLog:  audit.NewLogger(),
		Obs:       obs,
	})
	if err != nil {
		fmt.Fprintf(stderr, "server init failed: %v\n", err)
		return 1
	}

	handler, err := buildMiddleware(cfg, logger, server.Routes())
	if err != nil {
		fmt.Fprintf(stderr, "middleware init failed: %v\n", err)
		return 1
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("castellan listening", "port", cfg.Port, "engine_version", cfg.EngineVersion)
		errCh <- httpServer.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		fmt.Fprintf(stderr, "server error: %v\n", err)
		return 1
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(stderr, "shutdown error: %v\n", err)
		return 1
	}
	return 0
}

func newLogger(level string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// openLedger selects a governance log backend: Postgres when
// DATABASE_URL is set, SQLite when LEDGER_PATH is set, otherwise
// in-memory. Persisted chains are replayed and re-verified on start.
func openLedger(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*ledger.Log, func(), error) {
	log := ledger.New()

	var backend *ledger.SQLBackend
	var err error
	switch {
	case cfg.DatabaseURL != "":
		backend, err = ledger.OpenPostgresBackend(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("governance log backend ready", "backend", "postgres")
	case cfg.LedgerPath != "":
		backend, err = ledger.OpenSQLiteBackend(cfg.LedgerPath)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("governance log backend ready", "backend", "sqlite", "path", cfg.LedgerPath)
	default:
		logger.Warn("no ledger backend configured, governance log is in-memory only")
		return log, func() {}, nil
	}

	entries, err := backend.Load(ctx)
	if err != nil {
		_ = backend.Close()
		return nil, nil, err
	}
	if err := log.Restore(entries); err != nil {
		_ = backend.Close()
		return nil, nil, fmt.Errorf("persisted chain rejected: %w", err)
	}
	logger.Info("governance log restored", "entries", len(entries), "head", log.Head())

	log.WithBackend(backend)
	return log, func() { _ = backend.Close() }, nil
}

func openIndex(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*index.Index, func(), error) {
	idx := index.New()
	if cfg.IndexPath == "" {
		logger.Warn("no index path configured, trust index is in-memory only")
		return idx, func() {}, nil
	}

	store, err := index.OpenSQLiteStore(cfg.IndexPath)
	if err != nil {
		return nil, nil, err
	}
	if err := store.Restore(ctx, idx, "restore"); err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	idx.WithStore(store)
	logger.Info("trust index restored", "entries", idx.Len(), "path", cfg.IndexPath)
	return idx, func() { _ = store.Close() }, nil
}

// loadGovernance registers every profile's signers with the verifier
// and returns the default profile's roster and trial policy.
func loadGovernance(cfg *config.Config, verifier *authz.Verifier, logger *slog.Logger) ([]consensus.Participant, consensus.Config, error) {
	trialCfg := consensus.DefaultConfig()
	trialCfg.TrialWindow = cfg.TrialWindow

	profiles, err := config.LoadAllProfiles(cfg.ProfileDir)
	if err != nil {
		return nil, trialCfg, err
	}
	if len(profiles) == 0 {
		logger.Warn("no governance profiles found, starting with empty roster", "dir", cfg.ProfileDir)
		return nil, trialCfg, nil
	}

	var roster []consensus.Participant
	for code, p := range profiles {
		for _, s := range p.Signers {
			record := authz.KeyPairRecord{
				SignerID:      s.SignerID,
				PrimaryKey:    s.PrimaryKey,
				SecondaryKey:  s.SecondaryKey,
				PrimaryTier:   tiers.Tier(s.PrimaryTier),
				SecondaryTier: tiers.Tier(s.SecondaryTier),
			}
			if err := verifier.Register(record); err != nil {
				return nil, trialCfg, fmt.Errorf("profile %q signer %q: %w", code, s.SignerID, err)
			}
		}
		logger.Info("governance profile loaded", "code", code, "signers", len(p.Signers), "voters", len(p.Roster))
	}

	// The default profile drives the roster and trial policy; others
	// only contribute signers.
	active, ok := profiles["default"]
	if !ok {
		for _, p := range profiles {
			active = p
			break
		}
	}
	for _, v := range active.Roster {
		weight := v.Weight
		if weight == 0 {
			weight = 1
		}
		roster = append(roster, consensus.Participant{ID: v.ID, Weight: weight, Capability: v.Capability})
	}
	if active.TrialPolicy.Window > 0 {
		trialCfg.TrialWindow = active.TrialPolicy.Window
	}
	if active.TrialPolicy.DefaultOutcome == "ADMIT" {
		trialCfg.DefaultOutcome = contracts.OutcomeAdmit
	}
	if active.TrialPolicy.Revision == "drop_non_voters" {
		trialCfg.Revision = consensus.DropNonVoters
	}
	return roster, trialCfg, nil
}

func buildMiddleware(cfg *config.Config, logger *slog.Logger, mux http.Handler) (http.Handler, error) {
	var validator *api.TokenValidator
	if cfg.TokenSecret != "" {
		key, err := authz.DeriveTokenKey([]byte(cfg.TokenSecret), tokenRealm)
		if err != nil {
			return nil, err
		}
		validator = api.NewTokenValidator(key)
	} else {
		logger.Warn("TOKEN_SECRET not set, all authenticated endpoints will refuse requests")
	}

	var limiter api.Limiter
	if cfg.RedisURL != "" {
		redisLimiter, err := api.NewRedisLimiter(cfg.RedisURL, cfg.RatePerSecond, cfg.RateBurst)
		if err != nil {
			return nil, err
		}
		limiter = redisLimiter
		logger.Info("rate limiter ready", "kind", "redis")
	} else {
		limiter = api.NewIPRateLimiter(cfg.RatePerSecond, cfg.RateBurst)
		logger.Info("rate limiter ready", "kind", "in-process")
	}

	handler := api.AuthMiddleware(validator)(mux)
	handler = api.RateLimitMiddleware(limiter)(handler)
	return handler, nil
}

func observabilityConfig(cfg *config.Config) *observability.Config {
	oc := observability.DefaultConfig()
	oc.ServiceVersion = cfg.EngineVersion
	oc.Enabled = os.Getenv("OTEL_ENABLED") == "true"
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		oc.OTLPEndpoint = endpoint
	}
	if env := os.Getenv("ENVIRONMENT"); env != "" {
		oc.Environment = env
	}
	return oc
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"intentbook/gateway/middleware"
	"intentbook/native/common"
	"intentbook/native/lightclient"
	"intentbook/native/matching"
	"intentbook/native/orderbook"
	"intentbook/native/settlement"
	"intentbook/observability"
	"intentbook/observability/logging"
	telemetry "intentbook/observability/otel"
	"intentbook/services/intentd/config"
	"intentbook/services/intentd/server"
	"intentbook/services/intentd/signer"
	"intentbook/services/intentd/solver"
	journal "intentbook/services/intentd/storage"
	"intentbook/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/intentd/config.yaml", "path to intentd configuration file (.yaml or .toml)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("intentd: load config: %v", err)
	}

	logger, logCloser := logging.SetupWithFile("intentd", cfg.Environment, logging.FileConfig{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.FromEnv("intentd", cfg.Environment, os.Getenv))
	if err != nil {
		log.Fatalf("intentd: init telemetry: %v", err)
	}

	code := 0
	if err := run(cfg, logger); err != nil {
		logger.Error("intentd stopped", slog.Any("error", err))
		code = 1
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := shutdownTelemetry(ctx); err != nil {
		logger.Warn("telemetry shutdown", slog.Any("error", err))
	}
	cancel()
	_ = logCloser.Close()
	os.Exit(code)
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dsn, err := journal.FileDSN(cfg.JournalPath)
	if err != nil {
		return fmt.Errorf("resolve journal DSN: %w", err)
	}
	db, err := journal.Open(dsn)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer journal.Close(db)
	events := journal.NewJournal(db, logger)

	snapDB, err := openSnapshotDB(cfg.SnapshotPath)
	if err != nil {
		return err
	}
	defer snapDB.Close()
	snapshots := storage.NewSnapshots(snapDB, cfg.SnapshotRetain)

	verifier, heights, err := buildLightClient(cfg.LightClient)
	if err != nil {
		return err
	}

	requester, async, err := buildRequester(cfg.Signer, logger)
	if err != nil {
		return err
	}

	pauses := common.NewPauses()
	book := orderbook.New(orderbook.Config{
		Matching: matching.Config{
			MaxBatch:         cfg.Matching.MaxBatch,
			LiquidityAccount: cfg.Matching.LiquidityAccount,
		},
		WithdrawalQuota:  cfg.Withdrawals.Quota(),
		DepositAddresses: config.Chains(cfg.DepositAddresses),
	}, verifier,
		orderbook.WithRequester(requester),
		orderbook.WithEmitter(events),
		orderbook.WithPauses(pauses),
		orderbook.WithLogger(logger),
		orderbook.WithMetrics(observability.OrderBook()),
	)
	if err := restoreSnapshot(book, snapshots, logger); err != nil {
		return err
	}
	book.ResumeSigning(ctx)

	limits := make(map[string]middleware.RateLimit, len(cfg.RateLimits))
	for name, rl := range cfg.RateLimits {
		limits[name] = middleware.RateLimit{
			RatePerSecond: rl.RatePerSecond,
			Burst:         rl.Burst,
			DefaultTokens: rl.DefaultTokens,
			Tokens:        rl.Tokens,
		}
	}
	auth := middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled:       cfg.Auth.Enabled,
		HMACSecret:    cfg.Auth.HMACSecret,
		Issuer:        cfg.Auth.Issuer,
		Audience:      cfg.Auth.Audience,
		ScopeClaim:    cfg.Auth.ScopeClaim,
		OptionalPaths: []string{"/healthz", "/metrics"},
		ClockSkew:     cfg.Auth.ClockSkew.Duration,
	}, logger)

	srv, err := server.New(server.Config{
		ListenAddress: cfg.ListenAddress,
		Book:          book,
		Pauses:        pauses,
		Heights:       heights,
		Journal:       events,
		DB:            db,
		Auth:          auth,
		OperatorScope: cfg.Auth.OperatorScope,
		RateLimits:    limits,
		LogRequests:   true,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("build server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error {
		snapshotLoop(gctx, book, snapshots, cfg.SnapshotInterval.Duration, logger)
		return nil
	})
	if cfg.Solver.Enabled {
		chain, _ := common.ParseChain(cfg.Solver.Chain)
		s, err := solver.New(solver.Config{
			Account:   cfg.Solver.Account,
			AssetA:    cfg.Solver.AssetA,
			AssetB:    cfg.Solver.AssetB,
			Chain:     chain,
			Interval:  cfg.Solver.Interval.Duration,
			MaxBatch:  cfg.Solver.MaxBatch,
			PageLimit: cfg.Solver.PageLimit,
		}, book, logger.With(slog.String("component", "solver")))
		if err != nil {
			return fmt.Errorf("build solver: %w", err)
		}
		g.Go(func() error {
			if err := s.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	err = g.Wait()
	if async != nil {
		async.Wait()
	}
	if seq, saveErr := saveSnapshot(book, snapshots); saveErr != nil {
		logger.Error("final snapshot failed", slog.Any("error", saveErr))
	} else {
		logger.Info("final snapshot saved", slog.Uint64("seq", seq))
	}
	return err
}

func openSnapshotDB(path string) (storage.Database, error) {
	if strings.TrimSpace(path) == "" {
		slog.Warn("snapshot path not configured; state will not survive restarts")
		return storage.NewMemDB(), nil
	}
	db, err := storage.NewLevelDB(path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}
	return db, nil
}

// buildLightClient returns the verifier and, for the embedded stub, the
// handle operators use to advance finalized heights.
func buildLightClient(cfg config.LightClientConfig) (lightclient.Verifier, *lightclient.Stub, error) {
	if strings.TrimSpace(cfg.Endpoint) != "" {
		client, err := lightclient.NewClient(cfg.Endpoint, cfg.Timeout.Duration)
		if err != nil {
			return nil, nil, fmt.Errorf("light client: %w", err)
		}
		return client, nil, nil
	}
	stub := lightclient.NewStub()
	for chain, height := range config.Chains(cfg.FinalizedHeights) {
		stub.SetFinalizedHeight(chain, height)
	}
	return stub, stub, nil
}

// buildRequester maps the signer mode onto a settlement requester. The Async
// pool is returned separately so shutdown can drain in-flight requests.
func buildRequester(cfg config.SignerConfig, logger *slog.Logger) (settlement.Requester, *signer.Async, error) {
	var backend settlement.Signer
	switch cfg.Mode {
	case "local":
		local, err := signer.NewLocal(cfg.MasterKey)
		if err != nil {
			return nil, nil, err
		}
		backend = local
	case "remote":
		remote, err := signer.NewRemote(signer.RemoteConfig{
			BaseURL:    cfg.Endpoint,
			CACertPath: cfg.CACert,
			ClientCert: cfg.ClientCert,
			ClientKey:  cfg.ClientKey,
			Timeout:    cfg.Timeout.Duration,
		})
		if err != nil {
			return nil, nil, err
		}
		backend = remote
	case "external":
		return signer.External{}, nil, nil
	default:
		logger.Warn("signing disabled; matched legs stay pending")
		return nil, nil, nil
	}
	async := signer.NewAsync(backend,
		signer.WithConcurrency(cfg.Concurrency),
		signer.WithTimeout(cfg.Timeout.Duration),
		signer.WithMaxAttempts(cfg.MaxAttempts),
		signer.WithLogger(logger.With(slog.String("component", "signer"))),
	)
	return async, async, nil
}

func restoreSnapshot(book *orderbook.Book, snapshots *storage.Snapshots, logger *slog.Logger) error {
	seq, blob, err := snapshots.Latest()
	if errors.Is(err, storage.ErrNotFound) {
		logger.Info("no snapshot found; starting empty")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	var st orderbook.State
	if err := json.Unmarshal(blob, &st); err != nil {
		return fmt.Errorf("decode snapshot %d: %w", seq, err)
	}
	if err := book.Restore(st); err != nil {
		return fmt.Errorf("restore snapshot %d: %w", seq, err)
	}
	logger.Info("state restored", slog.Uint64("seq", seq), slog.Int("intents", len(st.Intents)))
	return nil
}

func saveSnapshot(book *orderbook.Book, snapshots *storage.Snapshots) (uint64, error) {
	blob, err := json.Marshal(book.Snapshot())
	if err != nil {
		return 0, fmt.Errorf("encode snapshot: %w", err)
	}
	return snapshots.Save(blob)
}

func snapshotLoop(ctx context.Context, book *orderbook.Book, snapshots *storage.Snapshots, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := saveSnapshot(book, snapshots); err != nil {
				logger.Warn("periodic snapshot failed", slog.Any("error", err))
			}
		}
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/loanlife/loanledger/internal/covenant"
	"github.com/loanlife/loanledger/internal/custody"
	"github.com/loanlife/loanledger/internal/esg"
	"github.com/loanlife/loanledger/internal/events"
	"github.com/loanlife/loanledger/internal/governance"
	"github.com/loanlife/loanledger/internal/identity"
	"github.com/loanlife/loanledger/internal/integrity"
	"github.com/loanlife/loanledger/internal/ledger"
	"github.com/loanlife/loanledger/internal/monitor"
	"github.com/loanlife/loanledger/internal/notify"
	"github.com/loanlife/loanledger/internal/orchestrator"
	"github.com/loanlife/loanledger/internal/server"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("governd exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
	viper.SetConfigName("governd")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.cors_origins", []string{"http://localhost:3000"})
	viper.SetDefault("server.rate_limit_rps", 20)
	viper.SetDefault("server.idempotency_ttl", "24h")
	viper.SetDefault("database.url", "")
	viper.SetDefault("redis.url", "")
	viper.SetDefault("wallet.dir", "wallet")
	viper.SetDefault("wallet.password", "")
	viper.SetDefault("identity.issuer_url", "")
	viper.SetDefault("identity.token_ttl_seconds", 3600)
	viper.SetDefault("orchestrator.max_attempts", 4)
	viper.SetDefault("orchestrator.base_backoff", "500ms")
	viper.SetDefault("orchestrator.anchor_interval", "10m")
	viper.SetDefault("monitor.check_interval", "5m")
	viper.SetDefault("monitor.fail_threshold", 3)

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
		logger.Warn("no config file found, using defaults and env vars")
	}

	// ── Audit ledger and covenant store ──────────────────────────────────────
	var (
		audit       ledger.Ledger
		covStore    covenant.Store
		notifyStore notify.Store
	)
	startCtx := context.Background()
	if dbURL := viper.GetString("database.url"); dbURL != "" {
		db, err := pgxpool.New(startCtx, dbURL)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		defer db.Close()
		if err := db.Ping(startCtx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to postgres")

		pgLedger := ledger.NewPostgresLedger(db, logger)
		if err := pgLedger.EnsureSchema(startCtx); err != nil {
			return fmt.Errorf("audit ledger schema: %w", err)
		}
		audit = pgLedger

		pgCov := covenant.NewPostgresStore(db)
		if err := pgCov.EnsureSchema(startCtx); err != nil {
			return fmt.Errorf("covenant schema: %w", err)
		}
		covStore = pgCov

		pgNotify := notify.NewPostgresStore(db)
		if err := pgNotify.EnsureSchema(startCtx); err != nil {
			return fmt.Errorf("notify schema: %w", err)
		}
		notifyStore = pgNotify
	} else {
		logger.Warn("no database configured, using in-memory state")
		audit = ledger.New()
		covStore = covenant.NewMemoryStore()
		notifyStore = notify.NewMemoryStore()
	}

	if err := audit.VerifyChain(startCtx); err != nil {
		logger.Warn("audit ledger integrity check FAILED", zap.Error(err))
	} else {
		n, _ := audit.Len(startCtx)
		root, _ := audit.Root(startCtx)
		logger.Info("audit ledger verified",
			zap.Int("entries", n),
			zap.String("root", root),
		)
	}

	// ── Wallet ───────────────────────────────────────────────────────────────
	var custodian *custody.Custodian
	var tokens *identity.TokenIssuer
	if password := viper.GetString("wallet.password"); password != "" {
		custodian = custody.NewCustodian(viper.GetString("wallet.dir"))
		if err := custodian.LoadOrCreate(password); err != nil {
			return fmt.Errorf("wallet setup: %w", err)
		}
		logger.Info("wallet ready", zap.String("address", custodian.Address()))

		issuerURL := viper.GetString("identity.issuer_url")
		if issuerURL == "" {
			issuerURL = fmt.Sprintf("http://localhost:%d", viper.GetInt("server.port"))
		}
		tokenTTL := time.Duration(viper.GetInt("identity.token_ttl_seconds")) * time.Second
		tokens = identity.NewTokenIssuer(custodian.PrivateKey(), issuerURL, tokenTTL)
	} else {
		logger.Warn("no wallet password configured, actor tokens disabled")
	}

	// ── Events, orchestrator ─────────────────────────────────────────────────
	bus := events.NewBus(logger)
	defer bus.Close()

	baseBackoff, _ := time.ParseDuration(viper.GetString("orchestrator.base_backoff"))
	transport := orchestrator.NewSimTransport()
	orch := orchestrator.New(transport, orchestrator.Config{
		MaxAttempts: viper.GetInt("orchestrator.max_attempts"),
		BaseBackoff: baseBackoff,
	}, bus, logger)

	// ── Domain services ──────────────────────────────────────────────────────
	covenants := covenant.NewRegistry(covStore, audit, bus, logger)
	engine := governance.NewEngine(audit, bus, logger)
	esgSvc := esg.NewService(audit, bus, logger)

	notifySvc := notify.NewService(notifyStore, logger)
	notifySvc.BindBus(bus)

	bus.On(events.BreachDetected, func(ev events.Event) {
		if b, ok := ev.Payload.(*governance.Breach); ok {
			server.RecordBreach(string(b.Severity))
		}
	})
	bus.On(events.ESGAlertTriggered, func(events.Event) {
		server.RecordESGAlert()
	})

	// ── Idempotency store ────────────────────────────────────────────────────
	var idem server.IdempotencyStore
	if redisURL := viper.GetString("redis.url"); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(startCtx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		defer rdb.Close()
		idem = server.NewRedisIdempotencyStore(rdb)
		logger.Info("redis idempotency store configured")
	} else {
		idem = server.NewMemoryIdempotencyStore()
		logger.Info("idempotency store: in-memory")
	}

	// ── HTTP Router ──────────────────────────────────────────────────────────
	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	idemTTL, _ := time.ParseDuration(viper.GetString("server.idempotency_ttl"))
	router := server.NewRouter(server.Config{
		CORSOrigins:    viper.GetStringSlice("server.cors_origins"),
		RateLimitRPS:   viper.GetInt("server.rate_limit_rps"),
		IdempotencyTTL: idemTTL,
	}, server.Deps{
		Covenants:   covenants,
		Governance:  engine,
		ESG:         esgSvc,
		Ledger:      audit,
		Tokens:      tokens,
		Custodian:   custodian,
		Transport:   transport,
		Idempotency: idem,
		Notify:      notifySvc,
		Logger:      logger,
	})

	httpPort := viper.GetInt("server.port")
	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", httpPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	stopping := make(chan struct{})

	// ── Background: integrity monitor ────────────────────────────────────────
	checkInterval, _ := time.ParseDuration(viper.GetString("monitor.check_interval"))
	mon := monitor.New(monitor.Config{
		CheckInterval: checkInterval,
		FailThreshold: viper.GetInt("monitor.fail_threshold"),
	}, bus, logger)
	mon.AddProbe(monitor.LedgerProbe(audit))
	mon.AddProbe(monitor.TransportProbe(transport))
	go mon.Start(stopping)

	// ── Background: anchor the trail's Merkle root periodically ──────────────
	if custodian != nil {
		anchorInterval, _ := time.ParseDuration(viper.GetString("orchestrator.anchor_interval"))
		if anchorInterval <= 0 {
			anchorInterval = 10 * time.Minute
		}
		go func() {
			ticker := time.NewTicker(anchorInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
					anchorTrailRoot(ctx, audit, orch, custodian.Address(), logger)
					cancel()
				case <-stopping:
					return
				}
			}
		}()
	}

	go func() {
		logger.Info("governd HTTP listening", zap.Int("port", httpPort))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP listen error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	<-quit
	close(stopping)
	logger.Info("shutting down governd...")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}

	logger.Info("governd stopped")
	return nil
}

// anchorTrailRoot publishes the Merkle root of the full audit trail so
// external verifiers can check the chain against an anchored root.
func anchorTrailRoot(ctx context.Context, audit ledger.Ledger, orch *orchestrator.Orchestrator, account string, logger *zap.Logger) {
	n, err := audit.Len(ctx)
	if err != nil || n < 2 {
		return
	}
	leaves, err := audit.LeafHashes(ctx, 0, int64(n-1))
	if err != nil {
		logger.Warn("anchor: leaf hashes", zap.Error(err))
		return
	}
	res := orch.Submit(ctx, account, orchestrator.AnchorAuditRoot{
		StartID:    0,
		EndID:      int64(n - 1),
		MerkleRoot: integrity.MerkleRoot(leaves),
	})
	server.RecordWrite(res.OK)
	if !res.OK {
		logger.Warn("anchor: submit failed", zap.Error(res.Err))
		return
	}
	logger.Info("audit root anchored",
		zap.Int64("end_id", int64(n-1)),
		zap.String("tx_hash", res.TxHash),
	)
}

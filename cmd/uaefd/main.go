package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/r3e-network/agent-trust-layer/internal/agents"
	"github.com/r3e-network/agent-trust-layer/internal/auth"
	"github.com/r3e-network/agent-trust-layer/internal/compliance"
	icrypto "github.com/r3e-network/agent-trust-layer/internal/crypto"
	"github.com/r3e-network/agent-trust-layer/internal/dispatch"
	"github.com/r3e-network/agent-trust-layer/internal/httputil"
	"github.com/r3e-network/agent-trust-layer/internal/ledger"
	"github.com/r3e-network/agent-trust-layer/internal/policy"
	"github.com/r3e-network/agent-trust-layer/internal/settlement"
	"github.com/r3e-network/agent-trust-layer/internal/workflow"
	"github.com/r3e-network/agent-trust-layer/pkg/config"
	"github.com/r3e-network/agent-trust-layer/pkg/logger"
	"github.com/r3e-network/agent-trust-layer/pkg/metrics"
	"github.com/r3e-network/agent-trust-layer/pkg/version"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file (JSON or YAML)")
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.FullVersion())
		return
	}

	if trimmed := strings.TrimSpace(*configPath); trimmed != "" {
		os.Setenv("CONFIG_FILE", trimmed)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})

	rootCtx := context.Background()

	stores, closeDB, err := openStores(rootCtx, cfg, log)
	if err != nil {
		log.WithField("error", err.Error()).Fatal("open stores")
	}
	if closeDB != nil {
		defer closeDB()
	}

	events := ledger.NewEventService(stores.ledger, log)
	verification := ledger.NewVerificationService(stores.ledger, log)
	blockCutter := ledger.NewBlockCutter(verification, stores.ledger, log)
	complianceSvc := compliance.NewService(stores.ledger, log)

	registry := agents.NewRegistry()
	if key := strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")); key != "" {
		registry.Register("claude", agents.NewClaudeAdapter(key, cfg.Agent.DefaultModel))
	}
	registry.Register("webhook", agents.NewWebhookAdapter(
		time.Duration(cfg.Agent.TaskTimeoutSeconds)*time.Second, "content"))

	agentsSvc := agents.NewService(stores.agents, events, registry, log, cfg.Agent.HealthCacheSize)
	if key := strings.TrimSpace(cfg.Security.EncryptionKey); key != "" {
		agentsSvc = agentsSvc.WithEncryption(icrypto.NewEncryptionService(key))
	}
	settlementSvc := settlement.NewService(stores.settlement, events, log)
	policySvc := policy.NewService(stores.policy, log)

	workflowSvc := workflow.NewService(stores.workflow, agentsSvc, events, settlementSvc, policySvc, cfg.Agent.MaxRetries, log)
	if guard := newIdempotencyGuard(cfg); guard != nil {
		workflowSvc = workflowSvc.WithIdempotency(guard)
	}

	authMgr := auth.NewManager(cfg.Security.JWTSecret)

	runScheduler(rootCtx, stores.workflow, workflowSvc, log)
	runBlockCutter(rootCtx, blockCutter, cfg.Ledger.CheckpointInterval, log)

	router := buildRouter(routerDeps{
		cfg:           cfg,
		log:           log,
		authMgr:       authMgr,
		workflowSvc:   workflowSvc,
		agentsSvc:     agentsSvc,
		complianceSvc: complianceSvc,
	})

	listenAddr := strings.TrimSpace(*addr)
	if listenAddr == "" {
		listenAddr = fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	}
	server := &http.Server{Addr: listenAddr, Handler: router}

	go func() {
		log.WithField("addr", listenAddr).Info("uaefd listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithField("error", err.Error()).Fatal("http server")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithField("error", err.Error()).Error("graceful shutdown failed")
	}
}

// serviceStores bundles each domain's store implementation, either all
// Postgres-backed or all in-memory depending on whether a DSN is
// configured.
type serviceStores struct {
	ledger     ledger.Store
	agents     agents.Store
	workflow   workflow.Store
	settlement settlement.Store
	policy     policy.Store
}

func openStores(ctx context.Context, cfg *config.Config, log *logger.Logger) (serviceStores, func(), error) {
	dsn := strings.TrimSpace(cfg.Database.DSN)
	if dsn == "" {
		log.Warn("no DB_URL configured, using in-memory storage")
		return serviceStores{
			ledger:     ledger.NewMemoryStore(),
			agents:     agents.NewMemoryStore(),
			workflow:   workflow.NewMemoryStore(),
			settlement: settlement.NewMemoryStore(),
			policy:     policy.NewMemoryStore(),
		}, nil, nil
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return serviceStores{}, nil, fmt.Errorf("open postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return serviceStores{}, nil, fmt.Errorf("ping postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.PoolSize + cfg.Database.MaxOverflow)
	db.SetMaxIdleConns(cfg.Database.PoolSize)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.PoolRecycleSecs) * time.Second)

	ledgerStore := ledger.NewPostgresStore(db)
	settlementStore := settlement.NewPostgresStore(db)
	if err := ledgerStore.EnsureSchema(ctx); err != nil {
		db.Close()
		return serviceStores{}, nil, fmt.Errorf("ensure ledger schema: %w", err)
	}
	if err := settlementStore.EnsureSchema(ctx); err != nil {
		db.Close()
		return serviceStores{}, nil, fmt.Errorf("ensure settlement schema: %w", err)
	}

	sqlxDB := sqlx.NewDb(db, "postgres")
	agentsStore := agents.NewPostgresStore(sqlxDB)
	if err := agentsStore.EnsureSchema(ctx); err != nil {
		db.Close()
		return serviceStores{}, nil, fmt.Errorf("ensure agents schema: %w", err)
	}
	workflowStore := workflow.NewPostgresStore(sqlxDB)
	if err := workflowStore.EnsureSchema(ctx); err != nil {
		db.Close()
		return serviceStores{}, nil, fmt.Errorf("ensure workflow schema: %w", err)
	}
	policyStore := policy.NewPostgresStore(sqlxDB)
	if err := policyStore.EnsureSchema(ctx); err != nil {
		db.Close()
		return serviceStores{}, nil, fmt.Errorf("ensure policy schema: %w", err)
	}

	return serviceStores{
		ledger:     ledgerStore,
		agents:     agentsStore,
		workflow:   workflowStore,
		settlement: settlementStore,
		policy:     policyStore,
	}, func() { db.Close() }, nil
}

func newIdempotencyGuard(cfg *config.Config) *dispatch.Guard {
	addr := strings.TrimSpace(cfg.Dispatch.RedisAddr)
	if addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ttl := time.Duration(cfg.Dispatch.ClaimTTLSecs) * time.Second
	return dispatch.NewGuard(client, ttl)
}

// runScheduler polls every running execution on an interval and advances
// whichever of its tasks have become ready, since task completion (in
// particular an async agent dispatch or a pending approval) can unblock
// downstream tasks outside of any single request's call stack.
func runScheduler(ctx context.Context, store workflow.Store, svc *workflow.Service, log *logger.Logger) {
	ticker := time.NewTicker(2 * time.Second)
	go func() {
		defer ticker.Stop()
		for range ticker.C {
			running, err := store.ListRunningExecutions(ctx)
			if err != nil {
				log.WithField("error", err.Error()).Warn("scheduler poll failed")
				continue
			}
			for _, execution := range running {
				if _, err := svc.ExecuteNextTasks(ctx, execution.ID); err != nil {
					log.WithField("execution_id", execution.ID).WithField("error", err.Error()).Warn("advance execution failed")
				}
			}
		}
	}()
}

func runBlockCutter(ctx context.Context, cutter *ledger.BlockCutter, eventTarget int, log *logger.Logger) {
	if eventTarget <= 0 {
		eventTarget = 100
	}
	ticker := time.NewTicker(5 * time.Minute)
	go func() {
		defer ticker.Stop()
		for range ticker.C {
			if _, err := cutter.CutBlock(ctx, eventTarget); err != nil {
				log.WithField("error", err.Error()).Warn("block cut failed")
			}
		}
	}()
}

type routerDeps struct {
	cfg           *config.Config
	log           *logger.Logger
	authMgr       *auth.Manager
	workflowSvc   *workflow.Service
	agentsSvc     *agents.Service
	complianceSvc *compliance.Service
}

// buildRouter assembles the ops HTTP surface: liveness, Prometheus
// metrics, and the human-approval callback authenticated operators use to
// resolve a paused workflow. A full REST dashboard over every domain
// operation is out of scope; workflows are driven by an embedding
// service calling the internal packages directly, not this process's
// HTTP API.
func buildRouter(deps routerDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1/approvals/{approvalID}", func(r chi.Router) {
		r.Post("/resolve", requireBearer(deps.authMgr, deps.log, resolveApprovalHandler(deps)))
	})

	return r
}

type resolveApprovalRequest struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason"`
}

func resolveApprovalHandler(deps routerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		approvalID := chi.URLParam(r, "approvalID")
		var body resolveApprovalRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			httputil.BadRequest(w, "invalid request body")
			return
		}
		decidedBy, _ := r.Context().Value(ctxKeyOperator{}).(string)
		if err := deps.workflowSvc.ResolveApproval(r.Context(), approvalID, body.Approved, decidedBy, body.Reason); err != nil {
			deps.log.WithField("approval_id", approvalID).WithField("error", err.Error()).Warn("resolve approval failed")
			httputil.BadRequest(w, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type ctxKeyOperator struct{}

func requireBearer(mgr *auth.Manager, log *logger.Logger, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" || token == header {
			httputil.Unauthorized(w, "missing bearer token")
			return
		}
		claims, err := mgr.Validate(token)
		if err != nil {
			httputil.Unauthorized(w, "invalid token")
			return
		}
		ctx := context.WithValue(r.Context(), ctxKeyOperator{}, claims.Subject)
		next(w, r.WithContext(ctx))
	}
}

// Command clasper runs the governance control plane. With no arguments it
// starts the HTTP server; subcommands operate on a store directly for
// offline audit verification, export, and policy seeding.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/clasperhq/clasper/pkg/api"
	"github.com/clasperhq/clasper/pkg/approval"
	"github.com/clasperhq/clasper/pkg/audit"
	"github.com/clasperhq/clasper/pkg/auth"
	"github.com/clasperhq/clasper/pkg/budget"
	"github.com/clasperhq/clasper/pkg/config"
	"github.com/clasperhq/clasper/pkg/decision"
	"github.com/clasperhq/clasper/pkg/observability"
	"github.com/clasperhq/clasper/pkg/policy"
	"github.com/clasperhq/clasper/pkg/registry"
	"github.com/clasperhq/clasper/pkg/risk"
	"github.com/clasperhq/clasper/pkg/secrets"
	"github.com/clasperhq/clasper/pkg/store"
	"github.com/clasperhq/clasper/pkg/telemetry"
	"github.com/clasperhq/clasper/pkg/tooltoken"
	"github.com/clasperhq/clasper/pkg/trace"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands; exported for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServer(stderr)
	}
	switch args[1] {
	case "server", "serve":
		return runServer(stderr)
	case "verify":
		return runVerify(args[2:], stdout, stderr)
	case "export":
		return runExport(args[2:], stdout, stderr)
	case "seed":
		return runSeed(args[2:], stdout, stderr)
	case "health":
		return runHealth(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if strings.HasPrefix(args[1], "-") {
			return runServer(stderr)
		}
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `clasper - governance control plane for agent execution

Usage:
  clasper [server]             start the HTTP server (default)
  clasper verify -tenant <id>  verify a tenant's audit chain offline
  clasper export -tenant <id>  export a tenant's audit chain as JSON
  clasper seed -file <yaml>    load policies from a seed file
  clasper health               probe the local server`)
}

func setupLogging(cfg *config.Config) {
	level := slog.LevelInfo
	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
}

func runServer(stderr io.Writer) int {
	cfg := config.Load()
	setupLogging(cfg)
	logger := slog.Default().With("component", "main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DBPath, cfg.PostgresDSN)
	if err != nil {
		fmt.Fprintf(stderr, "open store: %v\n", err)
		return 1
	}
	defer db.Close()
	if err := store.Migrate(ctx, db); err != nil {
		fmt.Fprintf(stderr, "migrate: %v\n", err)
		return 1
	}

	master := []byte(cfg.AgentJWTSecret)
	toolSecret, err := secrets.Resolve(cfg.ToolTokenSecret, master, secrets.PurposeToolToken)
	if err != nil {
		fmt.Fprintf(stderr, "resolve tool token secret: %v\n", err)
		return 1
	}
	decisionSecret, err := secrets.Resolve(cfg.DecisionTokenSecret, master, secrets.PurposeDecisionToken)
	if err != nil {
		fmt.Fprintf(stderr, "resolve decision token secret: %v\n", err)
		return 1
	}

	provider, err := observability.New(ctx, observability.Config{
		ServiceName:    "clasper",
		ServiceVersion: version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Insecure:       cfg.Environment != "production",
	})
	if err != nil {
		fmt.Fprintf(stderr, "observability: %v\n", err)
		return 1
	}

	auditLog := audit.NewLog(db)
	adapters := registry.New(db)
	policies := policy.NewEngine(db)
	budgets := budget.NewStore(db)
	traces := trace.NewStore(db)
	queue := approval.NewQueue(db, auditLog, decisionSecret, cfg.ApprovalTTL)
	tokens := tooltoken.NewService(db, toolSecret)
	ingest := telemetry.NewService(db, adapters, traces, auditLog, budgets,
		cfg.TelemetrySignatureMode, cfg.TelemetryMaxSkew)
	decisions := decision.NewOrchestrator(adapters, risk.NewScorer(risk.DefaultWeights()),
		policies, budgets, queue, auditLog, decision.Options{
			SafetyFactor: cfg.SafetyFactor,
			GrantTTL:     cfg.GrantTTL,
		})

	if cfg.PolicyPath != "" {
		n, err := policies.LoadSeed(ctx, cfg.PolicyPath)
		if err != nil {
			fmt.Fprintf(stderr, "load policy seed: %v\n", err)
			return 1
		}
		logger.Info("policy seed loaded", "path", cfg.PolicyPath, "policies", n)
	}

	var jwks *auth.JWKSCache
	if cfg.OpsOIDCJWKSURL != "" {
		jwks = auth.NewJWKSCache(cfg.OpsOIDCJWKSURL, 15*time.Minute)
	}
	verifier := auth.NewVerifier([]byte(cfg.AdapterJWTSecret), master, jwks,
		cfg.OpsOIDCIssuer, cfg.OpsOIDCAudience)

	var limiter auth.LimiterStore = auth.NewLocalLimiterStore()
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			fmt.Fprintf(stderr, "parse redis url: %v\n", err)
			return 1
		}
		limiter = auth.NewRedisLimiterStore(redis.NewClient(opt))
	}

	srv := api.NewServer(api.Services{
		DB:        db,
		Decisions: decisions,
		Queue:     queue,
		Tokens:    tokens,
		Ingest:    ingest,
		Audit:     auditLog,
		Policies:  policies,
		Adapters:  adapters,
		Traces:    traces,
		Budgets:   budgets,
	})
	handler := srv.Handler(
		api.Metrics(provider),
		auth.Middleware(verifier, cfg.DevBypassAllowed(), api.WriteError),
		auth.RateLimitMiddleware(limiter, auth.LimiterPolicy{RPM: 600, Burst: 100}, writeRateLimited),
	)

	go queue.RunSweeper(ctx, cfg.SweeperInterval)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "port", cfg.Port, "environment", cfg.Environment,
			"telemetry_mode", cfg.TelemetrySignatureMode, "dev_bypass", cfg.DevBypassAllowed())
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(stderr, "serve: %v\n", err)
			return 1
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", "error", err)
		}
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Error("observability shutdown", "error", err)
		}
	}
	return 0
}

var version = "dev"

func writeRateLimited(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(api.ProblemDetail{
		Type:   "https://clasper.dev/errors/rate_limited",
		Title:  "rate_limited",
		Status: http.StatusTooManyRequests,
		Detail: fmt.Sprintf("rate limit exceeded, retry after %ds", retryAfterSecs),
	})
}

func runVerify(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	dbPath := fs.String("db", config.Load().DBPath, "store path")
	tenant := fs.String("tenant", "", "tenant id")
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *tenant == "" {
		fmt.Fprintln(stderr, "verify: -tenant is required")
		return 2
	}

	ctx := context.Background()
	db, err := store.Open(ctx, *dbPath, os.Getenv("POSTGRES_DSN"))
	if err != nil {
		fmt.Fprintf(stderr, "open store: %v\n", err)
		return 1
	}
	defer db.Close()

	report, err := audit.NewLog(db).VerifyChain(ctx, *tenant)
	if err != nil {
		fmt.Fprintf(stderr, "verify: %v\n", err)
		return 1
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(report)
	if !report.OK {
		return 1
	}
	return 0
}

func runExport(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	dbPath := fs.String("db", config.Load().DBPath, "store path")
	tenant := fs.String("tenant", "", "tenant id")
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *tenant == "" {
		fmt.Fprintln(stderr, "export: -tenant is required")
		return 2
	}

	ctx := context.Background()
	db, err := store.Open(ctx, *dbPath, os.Getenv("POSTGRES_DSN"))
	if err != nil {
		fmt.Fprintf(stderr, "open store: %v\n", err)
		return 1
	}
	defer db.Close()

	bundle, err := audit.NewLog(db).Export(ctx, *tenant)
	if err != nil {
		fmt.Fprintf(stderr, "export: %v\n", err)
		return 1
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(bundle)
	return 0
}

func runSeed(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("seed", flag.ContinueOnError)
	dbPath := fs.String("db", config.Load().DBPath, "store path")
	file := fs.String("file", "", "policy seed file")
	fs.SetOutput(stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *file == "" {
		fmt.Fprintln(stderr, "seed: -file is required")
		return 2
	}

	ctx := context.Background()
	db, err := store.Open(ctx, *dbPath, os.Getenv("POSTGRES_DSN"))
	if err != nil {
		fmt.Fprintf(stderr, "open store: %v\n", err)
		return 1
	}
	defer db.Close()
	if err := store.Migrate(ctx, db); err != nil {
		fmt.Fprintf(stderr, "migrate: %v\n", err)
		return 1
	}

	n, err := policy.NewEngine(db).LoadSeed(ctx, *file)
	if err != nil {
		fmt.Fprintf(stderr, "seed: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "loaded %d policies\n", n)
	return 0
}

func runHealth(stdout, stderr io.Writer) int {
	cfg := config.Load()
	resp, err := http.Get("http://localhost:" + cfg.Port + "/health")
	if err != nil {
		fmt.Fprintf(stderr, "health: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	fmt.Fprintln(stdout, strings.TrimSpace(string(body)))
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

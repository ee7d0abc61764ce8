// Command gatewayd runs the zero-trust agent gateway: the administrative
// HTTP surface (agent/token lifecycle, credential admin) and the
// /api/proxy-request data path that mediates every agent-to-tool call
// through a short-lived, scope-bound token instead of a raw upstream
// credential.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/mindburn-labs/agent-gateway/pkg/adapters"
	"github.com/mindburn-labs/agent-gateway/pkg/agents"
	"github.com/mindburn-labs/agent-gateway/pkg/api"
	"github.com/mindburn-labs/agent-gateway/pkg/audit"
	"github.com/mindburn-labs/agent-gateway/pkg/auth"
	"github.com/mindburn-labs/agent-gateway/pkg/breaker"
	"github.com/mindburn-labs/agent-gateway/pkg/cache"
	"github.com/mindburn-labs/agent-gateway/pkg/config"
	"github.com/mindburn-labs/agent-gateway/pkg/httpapi"
	"github.com/mindburn-labs/agent-gateway/pkg/identity"
	"github.com/mindburn-labs/agent-gateway/pkg/kms"
	"github.com/mindburn-labs/agent-gateway/pkg/metrics"
	"github.com/mindburn-labs/agent-gateway/pkg/policy"
	"github.com/mindburn-labs/agent-gateway/pkg/proxy"
	"github.com/mindburn-labs/agent-gateway/pkg/quota"
	"github.com/mindburn-labs/agent-gateway/pkg/retry"
	"github.com/mindburn-labs/agent-gateway/pkg/secrets"
	"github.com/mindburn-labs/agent-gateway/pkg/storage"
	"github.com/mindburn-labs/agent-gateway/pkg/tokens"
	"github.com/mindburn-labs/agent-gateway/pkg/tooling"
)

func main() {
	os.Exit(run())
}

// run wires the gateway's process and blocks until shutdown, returning
// the exit code: 0 success, 2 configuration error, 3 runtime failure.
func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "gatewayd: %v\n", err)
		return 2
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.Open(ctx, cfg)
	if err != nil {
		logger.Error("storage: open failed", "error", err)
		return 3
	}
	defer store.Close()
	if store.LiteMode {
		logger.Info("storage: running in lite mode (embedded sqlite)")
	} else {
		logger.Info("storage: connected to postgres")
	}

	kekMgr, err := kms.LoadFromBase64(cfg.KEKBase64)
	if err != nil {
		logger.Error("kms: load KEK failed", "error", err)
		return 3
	}

	metricsRegistry := metrics.New()
	metricsRegistry.MarkProcessStart(time.Now())

	secretsStore := secrets.NewStore(store.Secrets, kekMgr)
	agentSvc := agents.NewService(store.Agents)
	tokenSvc := tokens.NewService(store.Tokens, agentSvc, cfg.TokenHMACSecret).WithMetrics(metricsRegistry)

	// FF_POLICY gates the optional enforcement layers (parameter
	// constraints, quotas, schedule windows); scope and role checks are
	// intrinsic to zero-trust token gating and always run.
	var (
		constraints []policy.ParamConstraint
		quotaLimiter *quota.Limiter
		quotaLimits map[string]quota.Limit
		schedule    policy.Schedule
	)
	if cfg.Features.Policy {
		constraintCfg := loadConstraints(logger)
		constraints = []policy.ParamConstraint{policy.NewURLConstraint(constraintCfg), policy.NewMailDomainConstraint(constraintCfg)}
		quotaCounter := quotaCounterFor(ctx, cfg, logger)
		quotaLimiter = quota.NewLimiter(quotaCounter)
		quotaLimits = defaultQuotaLimits()
		schedule = policy.Schedule{}
	} else {
		logger.Info("policy: FF_POLICY disabled, running with scope/role checks only")
	}
	policyEngine := policy.New(
		defaultRolePolicy(),
		constraints,
		quotaLimiter,
		quotaLimits,
		schedule,
	).WithMetrics(metricsRegistry)

	descriptors := tooling.NewRegistry()
	adapterRegistry := adapters.NewRegistry()
	wireAdapters(descriptors, adapterRegistry, cfg)

	auditRepo := audit.NewRingRepository(audit.QueueDepth)
	auditLogger := audit.NewRecordingLogger(audit.NewLogger(), auditRepo)
	defer auditLogger.Close()

	// FF_RETRY disables the backoff/retry loop down to a single attempt.
	retryPolicy := retry.DefaultPolicy
	if !cfg.Features.Retry {
		retryPolicy = retry.Policy{Base: retryPolicy.Base, Factor: retryPolicy.Factor, Cap: retryPolicy.Cap, MaxAttempts: 1}
	}

	// FF_BREAKERS raises the trip threshold out of reach instead of
	// removing the breaker machinery, so Admit/RecordFailure bookkeeping
	// (and its metrics) keep running uniformly.
	breakerCfg := breaker.DefaultConfig
	if !cfg.Features.Breakers {
		breakerCfg = breaker.Config{FailureThreshold: math.MaxInt32, WindowSize: breakerCfg.WindowSize, OpenDuration: breakerCfg.OpenDuration}
	}

	// FF_CACHE disables response caching by zeroing every tool's TTL.
	respCache := cache.New(4096, 64<<20).WithMaxWaiters(32)
	if !cfg.Features.Cache {
		descriptors = zeroCacheTTLs(descriptors)
	}

	pipeline := proxy.New(
		tokenSvc,
		policyEngine,
		agentSvc,
		descriptors,
		respCache,
		breaker.NewRegistry(breakerCfg),
		secretsStore,
		adapterRegistry,
		retryPolicy,
		metricsRegistry,
		auditLogger,
	)

	keySet, err := identity.NewInMemoryKeySet()
	if err != nil {
		logger.Error("identity: keyset init failed", "error", err)
		return 3
	}
	operatorAuth := identity.NewTokenManager(keySet)

	mux := http.NewServeMux()
	httpapi.Register(mux, &httpapi.Deps{
		Agents:  agentSvc,
		Tokens:  tokenSvc,
		Secrets: secretsStore,
		Proxy:   pipeline,
		Audit:   auditRepo,
		Ready:   func() bool { return store.DB.PingContext(ctx) == nil },
	})
	mux.Handle("/metrics", promhttp.HandlerFor(metricsRegistry.Registerer(), promhttp.HandlerOpts{}))

	var handler http.Handler = mux
	handler = auth.NewMiddleware(operatorAuth)(handler)
	handler = auth.CORSMiddleware(nil)(handler)
	handler = auth.RequestIDMiddleware(handler)
	rateLimiter := api.NewGlobalRateLimiter(50, 100)
	defer rateLimiter.Close()
	handler = rateLimiter.Middleware(handler)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  time.Duration(cfg.HTTPTimeoutMS) * time.Millisecond,
		WriteTimeout: time.Duration(cfg.HTTPTimeoutMS) * time.Millisecond,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gatewayd: listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		logger.Error("gatewayd: server failed", "error", err)
		return 3
	case <-sigCh:
		logger.Info("gatewayd: shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("gatewayd: graceful shutdown failed", "error", err)
		return 3
	}
	return 0
}

// quotaCounterFor returns a Redis-backed counter when REDIS_URL is
// configured, falling back to an in-process counter otherwise. A
// multi-replica deployment needs the shared backend; a single process
// or local run works fine on the in-memory one.
func quotaCounterFor(ctx context.Context, cfg *config.Config, logger *slog.Logger) quota.Counter {
	if cfg.RedisURL == "" {
		return quota.NewMemoryCounter()
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("quota: invalid REDIS_URL, falling back to in-memory counter", "error", err)
		return quota.NewMemoryCounter()
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("quota: redis ping failed, falling back to in-memory counter", "error", err)
		return quota.NewMemoryCounter()
	}
	return quota.NewRedisCounter(client)
}

// loadConstraints loads the parameter-constraint configuration from
// POLICY_CONSTRAINTS_PATH if set, otherwise runs with no domain
// allowlist (every http_fetch/mail destination is permitted; operators
// opt into restriction by supplying the file).
func loadConstraints(logger *slog.Logger) *policy.ConstraintConfig {
	path := os.Getenv("POLICY_CONSTRAINTS_PATH")
	if path == "" {
		return &policy.ConstraintConfig{}
	}
	cfg, err := policy.LoadConstraintConfig(path)
	if err != nil {
		logger.Warn("policy: failed to load constraint config, running unrestricted", "path", path, "error", err)
		return &policy.ConstraintConfig{}
	}
	return cfg
}

// defaultRolePolicy keeps the mail tool default-deny (it's in
// policy.SensitiveTools) unless a role is explicitly granted it.
func defaultRolePolicy() policy.RolePolicy {
	return policy.RolePolicy{
		Allow: map[string][]string{
			"admin": {"serpapi", "http_fetch", "llm_chat", "mail"},
		},
	}
}

// defaultQuotaLimits bounds every tool to a conservative per-minute
// ceiling; operators needing a different shape configure it themselves
// via a future config surface (see DESIGN.md's open-question note).
func defaultQuotaLimits() map[string]quota.Limit {
	limit := quota.Limit{Max: 60, WindowSize: time.Minute}
	return map[string]quota.Limit{
		"serpapi:search":    limit,
		"http_fetch:get":    limit,
		"llm_chat:complete": limit,
		"mail:send":         {Max: 10, WindowSize: time.Minute},
	}
}

// zeroCacheTTLs returns a registry with every descriptor's cache TTL
// forced to zero, used when FF_CACHE disables response caching: the
// cache still coalesces concurrent identical requests via single-flight,
// but nothing survives to serve a later cache hit.
func zeroCacheTTLs(src *tooling.Registry) *tooling.Registry {
	out := tooling.NewRegistry()
	for _, key := range src.Keys() {
		parts := splitToolAction(key)
		d, ok := src.Get(parts[0], parts[1])
		if !ok {
			continue
		}
		d.CostEnvelope.CacheTTLSeconds = 0
		_ = out.Register(d)
	}
	return out
}

func splitToolAction(key string) [2]string {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return [2]string{key[:i], key[i+1:]}
		}
	}
	return [2]string{key, ""}
}

// wireAdapters registers the descriptor (cost envelope) and adapter
// dispatch entries for every tool the gateway ships with. In mock mode
// (or when FF_CHAOS injects synthetic failures into live mode) every
// adapter synthesizes deterministic responses instead of calling a real
// upstream, for demos and tests without network access.
func wireAdapters(descriptors *tooling.Registry, registry *adapters.Registry, cfg *config.Config) {
	tools := []struct {
		tool          string
		action        string
		maxLatencyMs  int
		cacheTTLSecs  int
		maxConcurrency int
	}{
		{"serpapi", "search", 5000, 30, 10},
		{"http_fetch", "get", 10000, 0, 20},
		{"llm_chat", "complete", 30000, 0, 10},
		{"mail", "send", 10000, 0, 5},
	}

	client := &http.Client{Timeout: time.Duration(cfg.HTTPTimeoutMS) * time.Millisecond}

	for _, t := range tools {
		_ = descriptors.Register(tooling.Descriptor{
			Tool:   t.tool,
			Action: t.action,
			CostEnvelope: tooling.CostEnvelope{
				MaxLatencyMs:    t.maxLatencyMs,
				MaxConcurrency:  t.maxConcurrency,
				CacheTTLSeconds: t.cacheTTLSecs,
			},
		})

		if cfg.UpstreamMode == config.UpstreamModeMock {
			registry.Register(t.tool, []string{t.action}, adapters.NewMockAdapter(t.tool, 0, "gatewayd"))
			continue
		}

		if cfg.Features.Chaos {
			registry.Register(t.tool, []string{t.action}, adapters.NewMockAdapter(t.tool, 0.3, "gatewayd-chaos"))
			continue
		}

		switch t.tool {
		case "serpapi":
			registry.Register(t.tool, []string{t.action}, &adapters.SearchAdapter{Client: client, Endpoint: "https://serpapi.com/search"})
		case "http_fetch":
			registry.Register(t.tool, []string{t.action}, &adapters.HTTPFetchAdapter{Client: client})
		case "llm_chat":
			registry.Register(t.tool, []string{t.action}, &adapters.LLMChatAdapter{Client: client, Endpoint: os.Getenv("LLM_CHAT_ENDPOINT")})
		case "mail":
			registry.Register(t.tool, []string{t.action}, &adapters.MailAdapter{Client: client, Endpoint: os.Getenv("MAIL_ENDPOINT")})
		}
	}
}

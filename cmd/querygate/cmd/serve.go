package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alexedwards/argon2id"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/query-gate/querygate/internal/adapter/inbound/stdio"
	"github.com/query-gate/querygate/internal/adapter/outbound/auditlog"
	"github.com/query-gate/querygate/internal/adapter/outbound/sqldb"
	"github.com/query-gate/querygate/internal/config"
	"github.com/query-gate/querygate/internal/domain/audit"
	"github.com/query-gate/querygate/internal/domain/capability"
	"github.com/query-gate/querygate/internal/domain/quota"
	"github.com/query-gate/querygate/internal/domain/session"
	"github.com/query-gate/querygate/internal/domain/sqlguard"
	"github.com/query-gate/querygate/internal/port/outbound"
	"github.com/query-gate/querygate/internal/service"
	"github.com/query-gate/querygate/internal/telemetry"
)

// Environment contract. The launcher that spawns the server provides the
// session identity; it is never negotiated over the RPC stream.
const (
	envIdentity      = "MCP_SESSION_IDENTITY"
	envTenant        = "MCP_SESSION_TENANT"
	envSessionID     = "MCP_SESSION_ID"
	envCapabilities  = "MCP_CAPABILITIES"
	envAuditSecret   = "AUDIT_SECRET"
	envLauncherToken = "MCP_LAUNCHER_TOKEN"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve tool calls on stdio",
	Long: `Serve JSON-RPC tool calls on stdin/stdout for a single session.

The session identity comes from the environment:
  MCP_SESSION_IDENTITY  caller identity (required)
  MCP_SESSION_TENANT    tenant (required)
  MCP_SESSION_ID        session identifier (optional, generated when empty)
  MCP_CAPABILITIES      capability set as JSON (optional; absent means
                        everything is denied with DENIED_NO_CAPABILITIES)
  AUDIT_SECRET          fingerprint HMAC secret, at least 32 bytes (required)
  MCP_LAUNCHER_TOKEN    launcher token, verified against launcher.token_hash
                        when configured

Stdout carries only JSON-RPC responses. Logs, metrics, and the stderr audit
stream all go to stderr. Any startup failure exits with status 1.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(parentCtx context.Context) error {
	if err := config.ReadConfig(); err != nil {
		return fmt.Errorf("reading config: %w", err)
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.Server.LogLevel)

	if cfg.Launcher.TokenHash != "" {
		match, err := argon2id.ComparePasswordAndHash(os.Getenv(envLauncherToken), cfg.Launcher.TokenHash)
		if err != nil {
			return fmt.Errorf("verifying launcher token: %w", err)
		}
		if !match {
			return errors.New("launcher token mismatch")
		}
	}

	fingerprinter, err := audit.NewFingerprinter([]byte(os.Getenv(envAuditSecret)))
	if err != nil {
		return fmt.Errorf("%s: %w", envAuditSecret, err)
	}

	identity := strings.TrimSpace(os.Getenv(envIdentity))
	tenant := strings.TrimSpace(os.Getenv(envTenant))
	if identity == "" || tenant == "" {
		return fmt.Errorf("%s and %s are required", envIdentity, envTenant)
	}
	sessionID := strings.TrimSpace(os.Getenv(envSessionID))
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	ctx, stop := signal.NotifyContext(parentCtx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Telemetry: Prometheus registry plus the optional OTel stderr export.
	promReg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(promReg)
	provider, err := telemetry.NewProvider(cfg.Telemetry.MetricsIntervalDuration())
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = provider.Shutdown(shutdownCtx)
	}()
	stats := service.NewStatsService(metrics, provider.Meter("querygate"))

	// Audit trail: store, then the batching sink on top. The sink exists
	// before the session binding so binding violations are audited too.
	store, err := newAuditStore(cfg.Audit, logger)
	if err != nil {
		return fmt.Errorf("audit store: %w", err)
	}
	defer func() {
		_ = store.Close()
	}()

	auditSvc := service.NewAuditService(store, logger,
		service.WithBatchSize(cfg.Audit.BatchSize),
		service.WithFlushInterval(cfg.Audit.FlushIntervalDuration()),
		service.WithChannelSize(cfg.Audit.ChannelSize),
		service.WithSendTimeout(cfg.Audit.SendTimeoutDuration()),
	)
	auditSvc.Start(ctx)
	defer auditSvc.Stop()

	sess := session.NewContext()
	if err := service.BindSession(sess, auditSvc, logger, identity, tenant, sessionID); err != nil {
		return fmt.Errorf("binding session: %w", err)
	}
	if raw := os.Getenv(envCapabilities); raw != "" {
		caps, err := capability.Parse([]byte(raw))
		if err != nil {
			return fmt.Errorf("%s: %w", envCapabilities, err)
		}
		if err := service.AttachSessionCapabilities(sess, auditSvc, logger, caps); err != nil {
			return fmt.Errorf("attaching capabilities: %w", err)
		}
	}

	sessions := session.NewRegistry()
	sessions.Register(sess)

	guard := sqlguard.NewGuard(cfg.Tables.Allowed)
	validator := sqlguard.NewValidator(cfg.Validator.CacheSize)
	quotas := quota.NewEngine(cfg.Quota.Default.QuotaPolicy(), cfg.Quota.TenantPolicies())

	registryOpts := []service.RegistryOption{}
	if rules := cfg.GuardRules(); len(rules) > 0 {
		ruleSvc, err := service.NewRuleService(rules, logger)
		if err != nil {
			return fmt.Errorf("guard rules: %w", err)
		}
		registryOpts = append(registryOpts, service.WithRuleEngine(ruleSvc))
		logger.Info("guard rules loaded", "count", ruleSvc.RuleCount())
	}

	registry := service.NewRegistry(sessions, quotas, validator, guard,
		fingerprinter, auditSvc, stats, logger, registryOpts...)

	adapter, err := newAdapter(cfg, sessions, guard, logger)
	if err != nil {
		return err
	}
	defer func() {
		_ = adapter.Close()
	}()

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = adapter.Ping(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("backend unreachable: %w", err)
	}

	if err := service.RegisterBuiltinTools(registry, adapter, cfg.Tables.OrderBy); err != nil {
		return err
	}

	server := service.NewServerService(registry, sess, logger)
	transport := stdio.NewTransport(server)
	defer func() {
		_ = transport.Close()
	}()

	logger.Info("querygate serving",
		"backend", adapter.Name(),
		"tenant", tenant,
		"session_id", sessionID,
		"tables", len(cfg.Tables.Allowed),
	)

	if err := transport.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("serving: %w", err)
	}
	sessions.Unregister(sess)
	logger.Info("querygate stopped")
	return nil
}

// newLogger builds the stderr slog logger at the configured level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// newAuditStore builds the configured audit store. Stdout is never an
// option; it belongs to the JSON-RPC stream.
func newAuditStore(cfg config.AuditConfig, logger *slog.Logger) (audit.Store, error) {
	if strings.HasPrefix(cfg.Output, "file://") {
		dir := strings.TrimPrefix(cfg.Output, "file://")
		return auditlog.NewFileStore(auditlog.FileConfig{
			Dir:           dir,
			RetentionDays: cfg.RetentionDays,
			MaxFileSizeMB: cfg.MaxFileSizeMB,
		}, logger)
	}
	return auditlog.NewStreamStore(os.Stderr), nil
}

// newAdapter builds the configured database adapter.
func newAdapter(cfg *config.Config, sessions *session.Registry, guard *sqlguard.Guard, logger *slog.Logger) (outbound.DatabaseAdapter, error) {
	switch cfg.Adapter.Backend {
	case "sqlite":
		return sqldb.NewSQLite(cfg.Adapter.DSN, sessions, guard, logger)
	case "postgres":
		return sqldb.NewPostgres(cfg.Adapter.DSN, sessions, guard, logger)
	default:
		return nil, fmt.Errorf("unknown adapter backend %q", cfg.Adapter.Backend)
	}
}

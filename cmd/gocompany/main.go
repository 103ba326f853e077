package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/basket/go-company/internal/audit"
	"github.com/basket/go-company/internal/bus"
	"github.com/basket/go-company/internal/channels"
	"github.com/basket/go-company/internal/config"
	"github.com/basket/go-company/internal/cron"
	"github.com/basket/go-company/internal/delegation"
	"github.com/basket/go-company/internal/gateway"
	"github.com/basket/go-company/internal/ingress"
	"github.com/basket/go-company/internal/launcher"
	"github.com/basket/go-company/internal/orchestrator"
	otelPkg "github.com/basket/go-company/internal/otel"
	"github.com/basket/go-company/internal/persistence"
	"github.com/basket/go-company/internal/relay"
	"github.com/basket/go-company/internal/review"
	"github.com/basket/go-company/internal/session"
	"github.com/basket/go-company/internal/shared"
	"github.com/basket/go-company/internal/telemetry"
	"github.com/basket/go-company/internal/worktree"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Start the company daemon (foreground)
  %s daemon [--help]          Same as above

SUBCOMMANDS:
  %s status                   Show daemon health status (/healthz)
  %s doctor [-json]           Run diagnostic checks
  %s verify-audit             Verify the hash-chained ingress audit log

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  GOCOMPANY_HOME          Data directory (default: ~/.gocompany)
  GOCOMPANY_AUTH_TOKEN    Overrides the generated auth.token
`)
}

func main() {
	loadDotEnv(".env")

	quiet := flag.Bool("quiet", false, "write logs to the log file only")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "verify-audit":
			os.Exit(runVerifyAuditCommand(args[1:]))
		case "daemon":
			mode, err := parseDaemonSubcommandArgs(args[1:])
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(2)
			}
			if mode == daemonSubcommandHelp {
				printDaemonSubcommandUsage(os.Stdout)
				return
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	runDaemon(ctx, *quiet)
}

func runDaemon(ctx context.Context, quietLogs bool) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded")
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; browser websocket clients from other origins will be rejected", "bind_addr", cfg.BindAddr)
		}
	}

	if cfg.NeedsBootstrap {
		if err := config.WriteStarterConfig(cfg.HomeDir); err != nil {
			fatalStartup(logger, "E_CONFIG_WRITE", err)
		}
		logger.Info("config.yaml written with the starter organization", "home", cfg.HomeDir)
		cfg, err = config.Load()
		if err != nil {
			fatalStartup(logger, "E_CONFIG_RELOAD", err)
		}
	}

	authToken, err := loadAuthToken(cfg.HomeDir)
	if err != nil {
		fatalStartup(logger, "E_AUTH_TOKEN", err)
	}

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, cfg.Telemetry)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_METRICS", err)
	}

	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "gocompany.db"), eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated")

	chain, err := audit.OpenChain(audit.ChainOptions{
		LogDir: filepath.Join(cfg.HomeDir, "logs"),
		Seed:   cfg.Audit.ChainSeed,
		Key:    cfg.Audit.ChainKey,
	})
	if err != nil {
		fatalStartup(logger, "E_AUDIT_CHAIN", err)
	}

	launchers, err := launcher.NewRegistry(cfg.Providers)
	if err != nil {
		fatalStartup(logger, "E_LAUNCHERS", err)
	}
	worktrees := worktree.NewManager(worktree.Options{
		BranchPrefix: cfg.Execution.BranchPrefix,
		DirName:      cfg.Execution.WorktreeDir,
		Logger:       logger,
	})
	reviewEngine := review.NewEngine(review.Options{
		Store: store,
		Bus:   eventBus,
		Reviewer: &review.LauncherReviewer{
			Launchers: launchers,
			HomeDir:   cfg.HomeDir,
			Timeout:   time.Duration(cfg.Review.OpinionTimeoutSeconds) * time.Second,
			TailBytes: cfg.Execution.ResultTailChars,
		},
		Logger:               logger,
		PlanningDepartmentID: cfg.Directives.PlanningDepartmentID,
		MaxRounds:            cfg.Review.MaxRounds,
		MemoMaxPerDepartment: cfg.Review.MemoMaxPerDepartment,
		MemoMaxPerRound:      cfg.Review.MemoMaxPerRound,
	})
	queue := delegation.New(delegation.Options{
		Store:                store,
		Bus:                  eventBus,
		Logger:               logger,
		HandoffDelayMin:      shared.Millis(cfg.Delegation.HandoffDelayMinMs),
		HandoffDelayMax:      shared.Millis(cfg.Delegation.HandoffDelayMaxMs),
		FailureContinueDelay: shared.Millis(cfg.Delegation.FailureContinueDelayMs),
		FinalizeRetryDelay:   shared.Millis(cfg.Delegation.FinalizeRetryDelayMs),
	})
	defer queue.Close()

	orch := orchestrator.New(orchestrator.Options{
		Store:      store,
		Bus:        eventBus,
		Config:     cfg,
		Logger:     logger,
		Sessions:   session.NewManager(store),
		Worktrees:  worktrees,
		Launchers:  launchers,
		Review:     reviewEngine,
		Delegation: queue,
		Publisher:  githubPublisher(cfg.Hosting, logger),
		Metrics:    metrics,
	})
	defer orch.Close()

	if err := orch.SyncRoster(ctx, cfg); err != nil {
		fatalStartup(logger, "E_ROSTER_SYNC", err)
	}
	rep, err := orch.Recover(ctx)
	if err != nil {
		fatalStartup(logger, "E_TASK_RECOVERY", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed",
		"requeued", rep.Requeued, "agents_reset", rep.AgentsReset,
		"worktrees", rep.Worktrees, "queues", rep.Queues)

	in := ingress.New(ingress.Options{
		Store:       store,
		Bus:         eventBus,
		Chain:       chain,
		Logger:      logger,
		Metrics:     metrics,
		Tracer:      otelProvider.Tracer,
		OnDirective: orch.ScheduleDirective,
	})

	gw, err := gateway.New(gateway.Config{
		Store:        store,
		Bus:          eventBus,
		Orchestrator: orch,
		Ingress:      in,
		Settings:     cfg,
		AuthToken:    authToken,
		Metrics:      metrics,
		Tracer:       otelProvider.Tracer,
		Logger:       logger,
	})
	if err != nil {
		fatalStartup(logger, "E_GATEWAY_INIT", err)
	}

	targets, err := relay.Targets(cfg.Relay)
	if err != nil {
		logger.Warn("event relay disabled", "error", err)
	}
	eventRelay := relay.New(relay.Options{Bus: eventBus, Logger: logger, Targets: targets})
	eventRelay.Start(ctx)
	defer eventRelay.Close()

	jobs := append(cron.MaintenanceJobs(cfg.Maintenance, orch), cron.Job{
		Name: "rate_limit_eviction",
		Spec: "@every 5m",
		Run: func(context.Context) int {
			return gw.RateLimiter().EvictStale(10 * time.Minute)
		},
	})
	sched, err := cron.NewScheduler(cron.Config{Logger: logger, Jobs: jobs})
	if err != nil {
		fatalStartup(logger, "E_SCHEDULER_INIT", err)
	}
	sched.Start(ctx)
	defer sched.Stop()
	logger.Info("startup phase", "phase", "scheduler_started")

	if tg := cfg.Channels.Telegram; tg.Enabled {
		if tg.Token == "" {
			logger.Warn("telegram channel enabled but token is missing")
		} else {
			ch := channels.NewTelegramChannel(channels.TelegramOptions{
				Token:      tg.Token,
				AllowedIDs: tg.AllowedIDs,
				Ingress:    in,
				Decisions:  orch,
				Bus:        eventBus,
				Logger:     logger,
			})
			go func() { _ = channels.Run(ctx, logger, ch) }()
		}
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher disabled", "error", err)
	} else {
		go watchConfig(ctx, watcher, orch, gw, logger)
	}

	server := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, portOccupantHint(cfg.BindAddr)))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first, then let live runs wind down before the deferred
	// closes kill what is left.
	drainTimeout := time.Duration(cfg.DrainTimeoutSeconds) * time.Second
	if drainTimeout <= 0 {
		drainTimeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	waitForRuns(shutdownCtx, orch)
	if n := len(orch.Running()); n > 0 {
		logger.Warn("drain timeout reached, killing live runs", "running", n)
	}
	logger.Info("shutdown complete")
}

// watchConfig re-syncs the roster and swaps settings whenever config.yaml
// changes. A config that fails to load is ignored and the old one stays.
func watchConfig(ctx context.Context, w *config.Watcher, orch *orchestrator.Orchestrator, gw *gateway.Server, logger *slog.Logger) {
	for ev := range w.Events() {
		next, err := config.Load()
		if err != nil {
			logger.Error("config reload rejected", "path", ev.Path, "error", err)
			continue
		}
		if err := orch.Reload(ctx, next); err != nil {
			logger.Error("config reload failed", "error", err)
			continue
		}
		gw.SetConfig(next)
		audit.Record("allow", "config.reload", "config.yaml changed", shared.SystemActor, next.Fingerprint())
		logger.Info("config reloaded", "fingerprint", next.Fingerprint())
	}
}

func waitForRuns(ctx context.Context, orch *orchestrator.Orchestrator) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for len(orch.Running()) > 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// githubPublisher returns nil when no token is configured; approved work is
// then merged locally.
func githubPublisher(cfg config.HostingConfig, logger *slog.Logger) worktree.Publisher {
	if cfg.GitHubTokenEnv == "" {
		return nil
	}
	token := strings.TrimSpace(os.Getenv(cfg.GitHubTokenEnv))
	if token == "" {
		logger.Warn("github token env var is empty; pull requests disabled", "env", cfg.GitHubTokenEnv)
		return nil
	}
	p, err := worktree.NewGitHubPublisher(token, cfg.GitHubBaseURL)
	if err != nil {
		logger.Warn("github publisher disabled", "error", err)
		return nil
	}
	return p
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, "", message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		var sysErr *os.SyscallError
		if errors.As(opErr.Err, &sysErr) {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	out, err := execCommandFunc("lsof", "-ti", ":"+port).Output()
	if err == nil && strings.TrimSpace(string(out)) != "" {
		pids := strings.TrimSpace(string(out))
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

var execCommandFunc = exec.Command

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.Trim(strings.TrimSpace(line[eq+1:]), `"'`)
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

// loadAuthToken returns the daemon bearer token, generating auth.token on
// first run.
func loadAuthToken(homeDir string) (string, error) {
	if raw := strings.TrimSpace(os.Getenv("GOCOMPANY_AUTH_TOKEN")); raw != "" {
		return raw, nil
	}
	tokenPath := filepath.Join(homeDir, "auth.token")
	b, err := os.ReadFile(tokenPath)
	if err == nil {
		if tok := strings.TrimSpace(string(b)); tok != "" {
			return tok, nil
		}
	}
	token := uuid.NewString()
	if err := os.WriteFile(tokenPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist auth token: %w", err)
	}
	slog.Info("auth.token generated", "path", tokenPath)
	return token, nil
}

type daemonSubcommandMode int

const (
	daemonSubcommandRun daemonSubcommandMode = iota
	daemonSubcommandHelp
)

func parseDaemonSubcommandArgs(args []string) (daemonSubcommandMode, error) {
	if len(args) == 0 {
		return daemonSubcommandRun, nil
	}
	if len(args) == 1 && isHelpArg(args[0]) {
		return daemonSubcommandHelp, nil
	}
	return daemonSubcommandRun, fmt.Errorf("usage: gocompany daemon [--help]")
}

func isHelpArg(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "-h", "--help", "help":
		return true
	default:
		return false
	}
}

func printDaemonSubcommandUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: gocompany daemon [--help]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Runs the company daemon in the foreground: HTTP API, websocket feed,")
	fmt.Fprintln(w, "maintenance sweeps and any configured channels and relays.")
}

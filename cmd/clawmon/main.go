package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
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

	"github.com/mattn/go-isatty"

	"github.com/basket/clawmon/internal/bus"
	"github.com/basket/clawmon/internal/config"
	"github.com/basket/clawmon/internal/cron"
	"github.com/basket/clawmon/internal/forwarder"
	"github.com/basket/clawmon/internal/gateway"
	"github.com/basket/clawmon/internal/lifecycle"
	"github.com/basket/clawmon/internal/liveness"
	"github.com/basket/clawmon/internal/monitor"
	"github.com/basket/clawmon/internal/notify"
	otelx "github.com/basket/clawmon/internal/otel"
	"github.com/basket/clawmon/internal/persistence"
	"github.com/basket/clawmon/internal/replay"
	"github.com/basket/clawmon/internal/telemetry"
	"github.com/basket/clawmon/internal/tui"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.2-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

SERVER:
  %s serve                    Run the monitor server (default)

SUBCOMMANDS:
  %s tui                      Terminal dashboard against a running server
  %s status                   Show server health (/healthz)
  %s forward                  Forward one hook payload from stdin (used by injected hooks)
  %s inject [--remove]        Add or remove forwarder hooks in each agent's settings.json

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  CLAWMON_HOME            Data directory (default: ~/.clawmon)
  CLAWMON_PORT            Override the server port
  CLAWMON_TELEGRAM_TOKEN  Telegram bot token for offline alerts
`)
}

func main() {
	loadDotEnv(".env")

	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "serve":
			// Fall through to the server below.
		case "forward":
			os.Exit(runForwardCommand(ctx))
		case "inject":
			os.Exit(runInjectCommand(args[1:]))
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "tui":
			os.Exit(runTUICommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	runServe(ctx)
}

func runServe(ctx context.Context) {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "version", Version, "agents", len(cfg.Agents))

	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected (same-origin only)", "bind_addr", cfg.BindAddr)
		}
	}

	otelProvider, err := otelx.Init(ctx, cfg.OTel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelx.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	validator, err := lifecycle.NewValidator()
	if err != nil {
		fatalStartup(logger, "E_SCHEMA_COMPILE", err)
	}

	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db_path", cfg.DBPath)

	eventBus := bus.New()

	mon := monitor.New(store, eventBus, logger, monitor.Config{
		Validator: validator,
		Metrics:   metrics,
	})
	replayed, err := mon.Rehydrate(ctx)
	if err != nil {
		fatalStartup(logger, "E_REHYDRATE", err)
	}
	logger.Info("startup phase", "phase", "state_rehydrated", "events", replayed)

	notifier := buildNotifier(cfg, logger)

	sweeper := liveness.NewSweeper(liveness.Config{
		Store:     store,
		Monitor:   mon,
		Bus:       eventBus,
		Logger:    logger,
		Notifier:  notifier,
		Metrics:   metrics,
		Interval:  time.Duration(cfg.Liveness.IntervalSeconds) * time.Second,
		Threshold: time.Duration(cfg.Liveness.ThresholdSeconds) * time.Second,
	})
	sweeper.Start(ctx)
	defer sweeper.Stop()

	if cfg.Digest.Enabled {
		digest, err := cron.NewDigest(cron.Config{
			Store:    store,
			Bus:      eventBus,
			Logger:   logger,
			Notifier: notifier,
			Expr:     cfg.Digest.Cron,
		})
		if err != nil {
			fatalStartup(logger, "E_DIGEST_SCHEDULE", err)
		}
		digest.Start(ctx)
		defer digest.Stop()
	}

	gw := gateway.New(gateway.Config{
		Store:             store,
		Monitor:           mon,
		Bus:               eventBus,
		Logger:            logger,
		Metrics:           metrics,
		AllowOrigins:      cfg.AllowOrigins,
		WebDir:            filepath.Join(cfg.HomeDir, "web"),
		ConfigFingerprint: cfg.Fingerprint(),
		Roster:            cfg,
	})

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			logger.Info("config hot-reload event", "path", ev.Path, "op", ev.Op.String())
			newCfg, err := config.Load()
			if err != nil {
				logger.Error("config.yaml reload failed", "error", err)
				continue
			}
			gw.SetRoster(newCfg)
		}
	}()

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	ln, err := net.Listen("tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, portOccupantHint(cfg.BindAddr)))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	logger.Info("shutdown complete")
}

func buildNotifier(cfg config.Config, logger *slog.Logger) notify.Channel {
	var channels notify.Multi
	if cfg.Channels.Telegram.Enabled {
		if cfg.Channels.Telegram.Token == "" {
			logger.Warn("telegram channel enabled but token is missing")
		} else {
			tg, err := notify.NewTelegramChannel(cfg.Channels.Telegram.Token, cfg.Channels.Telegram.ChatID, logger)
			if err != nil {
				logger.Error("telegram channel init failed", "error", err)
			} else {
				channels = append(channels, tg)
				logger.Info("telegram alerts enabled", "chat_id", cfg.Channels.Telegram.ChatID)
			}
		}
	}
	if len(channels) == 0 {
		return nil
	}
	return channels
}

func runForwardCommand(ctx context.Context) int {
	// Errors are swallowed on purpose: a hook must never block its agent.
	_ = forwarder.Run(ctx, forwarder.FromEnv())
	return 0
}

func runTUICommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: clawmon tui")
		return 2
	}
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		fmt.Fprintln(os.Stderr, "clawmon tui requires a terminal")
		return 1
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	client := replay.New(replay.Config{
		BaseURL: serverBaseURL(cfg.BindAddr),
		Logger:  slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})),
	})
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = client.Run(runCtx) }()

	if err := tui.Run(runCtx, tui.FromClient(client)); err != nil && runCtx.Err() == nil {
		fmt.Fprintf(os.Stderr, "tui: %v\n", err)
		return 1
	}
	return 0
}

func serverBaseURL(bindAddr string) string {
	addr := strings.TrimSpace(bindAddr)
	if addr == "" {
		addr = "127.0.0.1:7777"
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"monitor","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
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
	out, err := exec.Command("lsof", "-ti", ":"+port).Output()
	if err == nil && strings.TrimSpace(string(out)) != "" {
		pids := strings.TrimSpace(string(out))
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

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
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

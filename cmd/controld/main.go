package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/webgfx/task-sub000/internal/agentrt"
	"github.com/webgfx/task-sub000/internal/audit"
	"github.com/webgfx/task-sub000/internal/bus"
	"github.com/webgfx/task-sub000/internal/collector"
	"github.com/webgfx/task-sub000/internal/config"
	"github.com/webgfx/task-sub000/internal/dispatch"
	"github.com/webgfx/task-sub000/internal/doctor"
	"github.com/webgfx/task-sub000/internal/httpapi"
	otelPkg "github.com/webgfx/task-sub000/internal/otel"
	"github.com/webgfx/task-sub000/internal/presence"
	"github.com/webgfx/task-sub000/internal/report"
	"github.com/webgfx/task-sub000/internal/room"
	"github.com/webgfx/task-sub000/internal/scheduler"
	"github.com/webgfx/task-sub000/internal/store"
	"github.com/webgfx/task-sub000/internal/subtasks"
	"github.com/webgfx/task-sub000/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s [command]

With no command, runs the controller daemon in the foreground.

COMMANDS:
  doctor [-json]    Run local self-checks (store reachable, bind address
                     free, schema present) and exit
  help               Show this message

ENVIRONMENT VARIABLES:
  CONTROLD_HOME           Data directory (default: ~/.controld)
  CONTROLD_BIND_ADDR      Override bind_addr from config.yaml
  CONTROLD_AUTH_TOKEN     Bearer token required on admin routes
`, os.Args[0])
}

func main() {
	if len(os.Args) > 1 {
		switch strings.ToLower(strings.TrimSpace(os.Args[1])) {
		case "help", "-h", "--help":
			printUsage()
			return
		case "doctor":
			os.Exit(runDoctorCommand(os.Args[2:]))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "config_load_failed", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "logger_init_failed", err)
	}
	defer closer.Close()

	if err := audit.Init(cfg.HomeDir); err != nil {
		logger.Warn("audit log unavailable", "error", err)
	}
	defer audit.Close()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{Enabled: false})
	if err != nil {
		fatalStartup(logger, "otel_init_failed", err)
	}
	defer otelProvider.Shutdown(context.Background())

	eventBus := bus.NewWithLogger(logger)

	st, err := store.Open(cfg.DBPath, eventBus)
	if err != nil {
		fatalStartup(logger, "store_open_failed", err)
	}
	defer st.Close()
	audit.SetDB(st.DB())

	registry := subtasks.DefaultRegistry()

	presenceTracker := presence.New(presence.Config{
		Store:   st,
		Bus:     eventBus,
		Logger:  logger,
		Timeout: time.Duration(cfg.HeartbeatTimeoutSeconds) * time.Second,

		ReapInterval: time.Duration(cfg.PresenceReapIntervalSeconds) * time.Second,
	})
	presenceTracker.Start(ctx)

	roomServer := room.New(nil, logger)
	roomServer.AllowOrigins = cfg.AllowOrigins

	col := collector.New(st, eventBus, report.NewLogReporter(logger), logger)

	disp := dispatch.New(st, roomServer, logger)

	sched := scheduler.New(scheduler.Config{
		Store:        st,
		Bus:          eventBus,
		Presence:     presenceTracker,
		Dispatcher:   disp,
		Transport:    roomServer,
		Completion:   col,
		Logger:       logger,
		TickInterval: time.Duration(cfg.SchedulerTickSeconds) * time.Second,
	})
	sched.Start(ctx)
	defer sched.Stop()

	api := httpapi.New(httpapi.Config{
		Store:     st,
		Subtasks:  registry,
		Collector: col,
		Scheduler: sched,
		Presence:  presenceTracker,
		Room:      roomServer,
		Executors: agentrt.DefaultExecutors(),
		AuthToken: cfg.AuthToken,
		Logger:    logger,
	})

	srv := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Handler(),
	}

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("controld: config watcher unavailable, auth_token changes require a restart", "error", err)
	} else {
		go watchConfigReloads(ctx, watcher, api, logger)
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("controld: listening", "addr", cfg.BindAddr)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("controld: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.DrainTimeoutSeconds)*time.Second)
		defer cancel()
		presenceTracker.Stop()
		_ = srv.Shutdown(shutdownCtx)
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			if isAddrInUse(err) {
				fatalStartup(logger, "bind_addr_in_use", fmt.Errorf("%s: %s", cfg.BindAddr, portOccupantHint(cfg.BindAddr)))
			}
			fatalStartup(logger, "listen_failed", err)
		}
	}
}

// watchConfigReloads consumes config file-change events and applies the
// subset of config.yaml that's safe to change without a restart: the
// admin auth_token. bind_addr, scheduler tick, and heartbeat timeout
// still require a restart since they're baked into already-running
// listeners/tickers.
func watchConfigReloads(ctx context.Context, watcher *config.Watcher, api *httpapi.Server, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events():
			if !ok {
				return
			}
			reloaded, err := config.Load()
			if err != nil {
				logger.Warn("controld: config reload failed, keeping previous settings", "path", ev.Path, "error", err)
				continue
			}
			api.SetAuthToken(reloaded.AuthToken)
			logger.Info("controld: reloaded auth_token from config.yaml", "path", ev.Path)
		}
	}
}

func runDoctorCommand(args []string) int {
	jsonOut := false
	for _, a := range args {
		if a == "-json" || a == "--json" {
			jsonOut = true
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "controld doctor: load config: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	diag := doctor.Run(ctx, &cfg, Version)
	if jsonOut {
		out, err := doctor.MarshalJSON(diag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "controld doctor: %v\n", err)
			return 1
		}
		fmt.Println(string(out))
	} else {
		doctor.PrintText(os.Stdout, diag)
	}

	for _, r := range diag.Results {
		if r.Status == "FAIL" {
			return 1
		}
	}
	return 0
}

func fatalStartup(logger interface {
	Error(msg string, args ...any)
}, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode, message)

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"controld","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano), reasonCode, message)
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
		return fmt.Sprintf("another process is using %s; stop it or change bind_addr in config.yaml", addr)
	}
	out, err := exec.Command("lsof", "-ti", ":"+port).Output()
	if err == nil && strings.TrimSpace(string(out)) != "" {
		pid := strings.TrimSpace(string(out))
		return fmt.Sprintf("port %s is occupied by pid %s; stop it with: kill %s", port, pid, pid)
	}
	return fmt.Sprintf("port %s is already in use; stop the existing process or change bind_addr in config.yaml", port)
}

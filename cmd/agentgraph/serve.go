package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/rendis/agentgraph/internal/gateway"
	"github.com/rendis/agentgraph/internal/logging"
	"github.com/rendis/agentgraph/internal/metrics"
	"github.com/rendis/agentgraph/internal/store"
	"github.com/rendis/agentgraph/internal/streaming"
	agentmcp "github.com/rendis/agentgraph/pkg/mcp"
)

const shutdownTimeout = 10 * time.Second

func runServe(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	listenAddr := fs.String("listen-addr", "", "TCP listen address (overrides config)")
	dbPath := fs.String("db-path", "", "database path (overrides config)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg := loadConfig()
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	level := new(slog.LevelVar)
	level.Set(logging.ParseLevel(cfg.LogLevel))
	logger := logging.NewLeveled(stderr, level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, level, logger); err != nil {
		logger.Error("server stopped", "error", err)
		return 1
	}
	return 0
}

// openStore opens and migrates the database, creating its directory.
func openStore(ctx context.Context, path string) (*store.LibSQLStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	st, err := store.NewLibSQLStore(path)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}
	return st, nil
}

func serve(ctx context.Context, cfg Config, level *slog.LevelVar, logger *slog.Logger) error {
	st, err := openStore(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewCollector("agentgraph", reg)
	hub := streaming.NewMemoryHub(streaming.WithHubMetrics(m))

	newGateway := func(c Config) (*gateway.Gateway, error) {
		opts := gateway.Options{
			Store:             st,
			Hub:               hub,
			Metrics:           m,
			Logger:            logger,
			KeepaliveInterval: c.keepaliveInterval(),
			ReplayWindow:      c.ReplayWindow,
			AuthToken:         c.AuthToken,
		}
		if c.Metrics {
			opts.Gatherer = reg
		}
		return gateway.New(opts)
	}
	gw, err := newGateway(cfg)
	if err != nil {
		return err
	}
	tools, err := agentmcp.NewServer(agentmcp.ServerDeps{Store: st, Status: gw, Metrics: m, Logger: logger})
	if err != nil {
		return err
	}
	go func() {
		if err := tools.WatchExecutions(ctx, hub); err != nil {
			logger.Warn("execution watch stopped", "error", err)
		}
	}()

	routes := newHandlerSwapper(gw.Handler())
	mux := http.NewServeMux()
	mux.Handle("/mcp", tools.HTTPHandler())
	mux.Handle("/", routes)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		// Streams end when the server context ends so Shutdown does not
		// wait on them.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	if err := os.WriteFile(pidPath(), []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		logger.Warn("cannot write pid file", "path", pidPath(), "error", err)
	} else {
		defer os.Remove(pidPath())
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("agentgraph listening", "addr", cfg.ListenAddr, "db", cfg.DBPath, "version", version)
		errCh <- srv.ListenAndServe()
	}()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			logger.Info("shutting down")
			return srv.Shutdown(shutdownCtx)
		case err := <-errCh:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-hup:
			next := loadConfig()
			next.ListenAddr, next.DBPath = cfg.ListenAddr, cfg.DBPath
			d := diffConfigs(cfg, next)
			if d.LogLevelChanged {
				level.Set(logging.ParseLevel(next.LogLevel))
			}
			if d.GatewayChanged {
				ngw, err := newGateway(next)
				if err != nil {
					logger.Error("reload gateway", "error", err)
					continue
				}
				routes.Swap(ngw.Handler())
			}
			if len(d.RestartNeeded) > 0 {
				logger.Warn("config changes need a restart", "fields", d.RestartNeeded)
			}
			logger.Info("configuration reloaded")
			cfg = next
		}
	}
}

// runMCP serves the MCP tools over stdio. Logs go to stderr; stdout carries
// the protocol.
func runMCP(args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("mcp", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dbPath := fs.String("db-path", "", "database path (overrides config)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	cfg := loadConfig()
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	logger := logging.New(stderr, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg.DBPath)
	if err != nil {
		logger.Error("open store", "error", err)
		return 1
	}
	defer st.Close()

	gw, err := gateway.New(gateway.Options{Store: st, Logger: logger})
	if err != nil {
		logger.Error("build gateway", "error", err)
		return 1
	}
	tools, err := agentmcp.NewServer(agentmcp.ServerDeps{Store: st, Status: gw, Logger: logger})
	if err != nil {
		logger.Error("build mcp server", "error", err)
		return 1
	}
	if err := tools.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("mcp server stopped", "error", err)
		return 1
	}
	return 0
}

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// runInstall writes settings.json from flags and asks a running server to
// reload it.
func runInstall(args []string, stdout, stderr io.Writer) int {
	def := defaultConfig()

	fs := flag.NewFlagSet("install", flag.ContinueOnError)
	fs.SetOutput(stderr)
	listenAddr := fs.String("listen-addr", def.ListenAddr, "TCP listen address")
	dbPath := fs.String("db-path", "", "database path (default: ~/.agentgraph/agentgraph.db)")
	logLevel := fs.String("log-level", def.LogLevel, "log level: debug, info, warn, error")
	heartbeat := fs.String("heartbeat-timeout", def.HeartbeatTimeout, "stream client watchdog timeout")
	keepalive := fs.String("keepalive-interval", def.KeepaliveInterval, "gateway heartbeat interval")
	replayWindow := fs.Int("replay-window", def.ReplayWindow, "events retained per execution (0 keeps all)")
	authToken := fs.String("auth-token", "", "bearer token required by the gateway")
	metricsFlag := fs.Bool("metrics", def.Metrics, "expose /metrics")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	dir := agentgraphDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		fmt.Fprintf(stderr, "Error: cannot create %s: %v\n", dir, err)
		return 1
	}

	cfg := Config{
		ListenAddr:        *listenAddr,
		DBPath:            *dbPath,
		LogLevel:          *logLevel,
		HeartbeatTimeout:  *heartbeat,
		KeepaliveInterval: *keepalive,
		ReplayWindow:      *replayWindow,
		AuthToken:         *authToken,
		Metrics:           *metricsFlag,
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(dir, "agentgraph.db")
	}
	if cfg.keepaliveInterval() >= cfg.heartbeatTimeout() {
		fmt.Fprintf(stderr, "Warning: keepalive interval %s is not below heartbeat timeout %s; clients will reconnect spuriously\n",
			cfg.keepaliveInterval(), cfg.heartbeatTimeout())
	}

	data, _ := json.MarshalIndent(cfg, "", "  ")
	path := settingsPath()
	// The file may hold the auth token.
	if err := os.WriteFile(path, data, 0o600); err != nil {
		fmt.Fprintf(stderr, "Error: cannot write %s: %v\n", path, err)
		return 1
	}
	fmt.Fprintf(stdout, "Config written to %s\n", path)

	if pid, ok := signalRunningServer(); ok {
		fmt.Fprintf(stdout, "Signaled running server (PID %d) to reload configuration\n", pid)
	}
	return 0
}

// signalRunningServer sends SIGHUP to a running agentgraph server (via pidfile).
func signalRunningServer() (int, bool) {
	data, err := os.ReadFile(pidPath())
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return 0, false
	}
	// Check if process is alive.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return 0, false
	}
	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return 0, false
	}
	return pid, true
}

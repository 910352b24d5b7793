package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"tracehost/internal/config"
	"tracehost/internal/control"
	"tracehost/internal/statusapi"
	"tracehost/pkg/logging"
)

// shutdownGrace bounds how long serve waits for backends and the status
// HTTP server to stop once interrupted.
const shutdownGrace = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the tracehost control-plane daemon.",
	Long: `Starts the configured backends (local, tether, TCP) and the read-only
status HTTP surface, and blocks until interrupted.

Only one serve instance may run against a given data directory at a time;
a second invocation fails fast rather than racing the first over the
loader callback socket.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		cfg = loaded
	}

	lockPath := filepath.Join(cfg.DataDir, "tracehost.lock")
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	fileLock := flock.New(lockPath)
	locked, err := fileLock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring daemon lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("tracehost already running against %s (lock held)", cfg.DataDir)
	}
	defer func() { _ = fileLock.Unlock() }()

	svc := control.Default(cfg.DataDir, cfg.TetherWatchDir, cfg.RemoteAddresses, cfg.ForwardAgentSessions)

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("starting backends: %w", err)
	}
	logging.Info("Serve", "tracehost started (data_dir=%s)", cfg.DataDir)

	var httpServer *http.Server
	if cfg.StatusAddr != "" {
		status := statusapi.NewServer(svc)
		httpServer = &http.Server{Addr: cfg.StatusAddr, Handler: status}
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logging.Warn("Serve", "status HTTP server exited: %v", err)
			}
		}()
		logging.Info("Serve", "status HTTP surface listening on %s", cfg.StatusAddr)
	}

	var hostSessionListener net.Listener
	if cfg.HostSessionAddr != "" {
		localProvider := svc.Provider("Local System")
		if localProvider == nil {
			return fmt.Errorf("host_session_addr configured but no Local System provider is running")
		}
		hs, err := localProvider.Create()
		if err != nil {
			return fmt.Errorf("creating local host session: %w", err)
		}

		hostSessionListener, err = net.Listen("tcp", cfg.HostSessionAddr)
		if err != nil {
			return fmt.Errorf("binding host_session listener: %w", err)
		}
		go func() {
			if err := control.ServeHostSession(ctx, hostSessionListener, hs); err != nil {
				logging.Warn("Serve", "host_session server exited: %v", err)
			}
		}()
		logging.Info("Serve", "host_session surface listening on %s", cfg.HostSessionAddr)
	}

	<-ctx.Done()
	logging.Info("Serve", "shutting down")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer stopCancel()

	if httpServer != nil {
		_ = httpServer.Shutdown(stopCtx)
	}
	return svc.Stop(stopCtx)
}

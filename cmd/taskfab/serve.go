package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/kylemclaren/taskfab/internal/api"
	"github.com/kylemclaren/taskfab/internal/config"
	"github.com/kylemclaren/taskfab/internal/db"
	"github.com/kylemclaren/taskfab/internal/engine"
	"github.com/kylemclaren/taskfab/internal/log"
	"github.com/kylemclaren/taskfab/internal/schedule"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

func doServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = log.ContextAttrs(ctx, slog.Group("taskfab",
		slog.String("cmd", "serve"),
		slog.Int("pid", os.Getpid()),
	))

	pidPath := filepath.Join(settings.DataDir, "taskfab.pid")
	if pid, running := isServerRunning(pidPath); running {
		return fmt.Errorf("server already running (PID %d)", pid)
	}
	if err := os.MkdirAll(settings.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer os.Remove(pidPath)

	defs, err := config.ReadDefinitions(settings.Definitions)
	if err != nil {
		return err
	}
	graph, err := defs.Graph()
	if err != nil {
		return fmt.Errorf("definitions %s: %w", settings.Definitions, err)
	}

	database, err := db.New(settings.DatabasePath())
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer database.Close()

	state := engine.NewState(graph, settings.EngineOptions(database))
	snap, err := database.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	if err := state.Restore(ctx, *snap); err != nil {
		return fmt.Errorf("restoring state: %w", err)
	}
	if err := defs.Seed(ctx, state); err != nil {
		return err
	}

	eng := engine.New(state, settings.Engine.Interval)
	runner := schedule.NewRunner(eng, eng.FireSchedule, settings.Schedule.SyncInterval)
	srv := &http.Server{
		Addr:              settings.Listen,
		Handler:           api.NewServer(eng, runner, version()).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.InfoContext(ctx, "taskfab server starting",
		"listen", settings.Listen,
		"database", settings.DatabasePath(),
		"definitions", settings.Definitions,
		"jobs", len(snap.Jobs),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return eng.Do(ctx)
	})
	g.Go(func() error {
		return runner.Run(ctx)
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// isServerRunning checks if a server is running by reading the PID file and
// checking the process.
func isServerRunning(pidPath string) (int, bool) {
	data, err := os.ReadFile(pidPath)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return 0, false
	}
	// On Unix, FindProcess always succeeds, so send signal 0 to check if alive
	if err := process.Signal(syscall.Signal(0)); err != nil {
		return 0, false
	}
	return pid, true
}

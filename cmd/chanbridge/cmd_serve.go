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
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/chanbridge/internal/behavior"
	"github.com/user/chanbridge/internal/config"
	"github.com/user/chanbridge/internal/delivery"
	"github.com/user/chanbridge/internal/gateway"
	"github.com/user/chanbridge/internal/metrics"
	"github.com/user/chanbridge/internal/plugin"
	"github.com/user/chanbridge/internal/plugin/matrix"
	"github.com/user/chanbridge/internal/plugin/rest"
	"github.com/user/chanbridge/internal/plugin/telegram"
	"github.com/user/chanbridge/internal/scheduler"
	"github.com/user/chanbridge/internal/server"
	"github.com/user/chanbridge/internal/session"
	"github.com/user/chanbridge/internal/state"
)

const (
	pidFileName     = "chanbridge.pid"
	shutdownTimeout = 15 * time.Second
	outboundTimeout = 30 * time.Second
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the chanbridge daemon",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func writePIDFile(dataDir string) (string, error) {
	pidPath := filepath.Join(dataDir, pidFileName)
	pid := os.Getpid()
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return "", fmt.Errorf("write PID file: %w", err)
	}
	return pidPath, nil
}

// app holds everything runServe starts, in the order it must be stopped.
type app struct {
	logger     *slog.Logger
	sessions   *session.Manager
	dispatcher *gateway.Dispatcher
	deliveries *delivery.Registry
	behaviors  *behavior.Registry
	server     *server.Server
	runners    []plugin.Runner
}

// buildApp wires storage, sessions, dispatch, behaviors and plugins from
// cfg. Nothing is started.
func buildApp(cfg *config.Config, sessions *session.Manager, logger *slog.Logger, recorder *metrics.Recorder) (*app, error) {
	a := &app{
		logger:     logger,
		sessions:   sessions,
		dispatcher: gateway.New(cfg.Dispatch, logger, recorder),
		deliveries: delivery.NewRegistry(),
		behaviors:  behavior.NewRegistry(),
	}
	a.server = server.New(a.sessions, logger)

	counter, err := behavior.NewTiktokenCounter(cfg.Behaviors.Echo.Model)
	if err != nil {
		return nil, fmt.Errorf("token counter: %w", err)
	}
	a.behaviors.Register("echo", behavior.NewEcho(cfg.Behaviors.Echo, a.sessions, a.deliveries, counter, recorder, logger))
	a.behaviors.Register("record", behavior.NewRecord(a.sessions))

	client := &http.Client{Timeout: outboundTimeout}
	for _, pc := range cfg.Plugins {
		b, err := a.behaviors.Get(pc.Behavior)
		if err != nil {
			return nil, fmt.Errorf("plugin %s: %w", pc.Name, err)
		}

		switch pc.Type {
		case config.TypeREST:
			p := rest.New(rest.Config{
				Name:         pc.Name,
				Route:        pc.Route,
				Methods:      pc.Methods,
				RequiredKeys: pc.RequiredKeys,
				MessageURL:   pc.MessageURL,
				ReactionURL:  pc.ReactionURL,
				HTMLText:     pc.HTMLText,
			}, b, a.dispatcher, plugin.NewPoster(pc.Name, client, logger, recorder), logger)
			path, methods := p.Route()
			a.server.Mount(path, methods, p)
			a.deliveries.Register(pc.Name, p)

		case config.TypeTelegram:
			p, err := telegram.New(telegram.Config{Name: pc.Name, Token: pc.Token}, b, a.dispatcher, a.sessions, logger)
			if err != nil {
				return nil, fmt.Errorf("plugin %s: %w", pc.Name, err)
			}
			a.server.Track(pc.Name)
			a.deliveries.Register(pc.Name, p)
			a.runners = append(a.runners, p)

		case config.TypeMatrix:
			p, err := matrix.New(matrix.Config{
				Name:         pc.Name,
				Homeserver:   pc.Homeserver,
				UserID:       pc.UserID,
				AccessToken:  pc.AccessToken,
				AllowedRooms: pc.AllowedRooms,
			}, b, a.dispatcher, logger)
			if err != nil {
				return nil, fmt.Errorf("plugin %s: %w", pc.Name, err)
			}
			a.server.Track(pc.Name)
			a.deliveries.Register(pc.Name, p)
			a.runners = append(a.runners, p)

		default:
			return nil, fmt.Errorf("plugin %s: unknown type %q", pc.Name, pc.Type)
		}
		logger.Info("plugin configured", "plugin", pc.Name, "type", pc.Type, "behavior", pc.Behavior)
	}
	return a, nil
}

// start launches the dispatcher, the plugin runners and the HTTP server.
// The returned WaitGroup completes when all of them have returned.
func (a *app) start(ctx context.Context, listen string) *sync.WaitGroup {
	a.dispatcher.Start(ctx)

	var wg sync.WaitGroup
	for _, r := range a.runners {
		wg.Add(1)
		go func(r plugin.Runner) {
			defer wg.Done()
			if err := r.Run(ctx); err != nil && ctx.Err() == nil {
				a.logger.Error("plugin stopped", "error", err)
			}
		}(r)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.server.Start(listen); err != nil {
			a.logger.Error("http server error", "error", err)
		}
	}()
	return &wg
}

// stop shuts the HTTP server first so no new work arrives, then drains
// the dispatcher.
func (a *app) stop(ctx context.Context) {
	if err := a.server.Shutdown(ctx); err != nil {
		a.logger.Warn("http shutdown", "error", err)
	}
	if err := a.dispatcher.Stop(ctx); err != nil {
		a.logger.Warn("dispatcher did not drain", "error", err)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	logger := setupLogging(cfg)

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownMetrics, err := metrics.Setup(ctx, cfg.Metrics)
	if err != nil {
		return fmt.Errorf("setup metrics: %w", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer scancel()
		if err := shutdownMetrics(sctx); err != nil {
			logger.Warn("metrics shutdown", "error", err)
		}
	}()
	recorder := metrics.Default()

	backend, closer, err := state.Open(cfg.Storage.Driver, cfg.Storage.Path, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer closer.Close()

	sessions := session.NewManager(backend, session.WithLogger(logger), session.WithRecorder(recorder))

	a, err := buildApp(cfg, sessions, logger, recorder)
	if err != nil {
		return err
	}

	idle, err := cfg.Sessions.IdleTimeoutDuration()
	if err != nil {
		return err
	}
	sched := scheduler.New(logger)
	if idle > 0 {
		if err := sched.Add("reap-idle-sessions", cfg.Sessions.ReapSchedule, scheduler.ReapIdleSessions(sessions, idle, logger)); err != nil {
			return fmt.Errorf("schedule reaper: %w", err)
		}
	}
	sched.Start(ctx)
	defer sched.Stop()

	wg := a.start(ctx, cfg.HTTP.Listen)

	logger.Info("chanbridge started",
		"data_dir", cfg.DataDir,
		"storage", cfg.Storage.Driver,
		"listen", cfg.HTTP.Listen,
		"max_concurrent", cfg.Dispatch.MaxConcurrent,
		"plugins", a.deliveries.Names(),
		"behaviors", a.behaviors.Names(),
		"pid_file", pidPath,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	sig := <-sigChan
	logger.Info("shutting down", "signal", sig)

	sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
	a.stop(sctx)
	scancel()
	cancel()
	wg.Wait()

	if sig == syscall.SIGHUP {
		return errRestart
	}
	return nil
}

// errRestart asks main to re-exec once every deferred cleanup has run.
var errRestart = errors.New("restart requested")

// reexec replaces the process with a fresh copy of itself.
func reexec() error {
	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("executable path: %w", err)
	}
	slog.Info("restarting", "exec", execPath)
	return syscall.Exec(execPath, os.Args, os.Environ())
}

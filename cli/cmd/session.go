// Package cmd wires configuration, transport, uploads, and state into one
// client session and exposes it as the CLI action.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/pithecene-io/pkgsync/cli/config"
	"github.com/pithecene-io/pkgsync/iox"
	"github.com/pithecene-io/pkgsync/log"
	"github.com/pithecene-io/pkgsync/metrics"
	"github.com/pithecene-io/pkgsync/runtime"
	"github.com/pithecene-io/pkgsync/state"
	"github.com/pithecene-io/pkgsync/transport"
	"github.com/pithecene-io/pkgsync/upload"
)

// Env is the process environment a session runs in.
type Env struct {
	// Args are the user's command-line arguments, without the program name.
	Args []string
	// Dir is where the project root search starts. Defaults to the working directory.
	Dir string
	// Getenv reads environment variables. Defaults to os.Getenv.
	Getenv config.Getenv
	// Stdout receives server messages and upload progress.
	Stdout io.Writer
	// Stderr receives logs and state warnings.
	Stderr io.Writer
	// Now is the clock used for event timestamps. Defaults to time.Now.
	Now func() time.Time
}

func (e *Env) defaults() error {
	if e.Dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("failed to get working directory: %w", err)
		}
		e.Dir = wd
	}
	if e.Getenv == nil {
		e.Getenv = os.Getenv
	}
	if e.Stdout == nil {
		e.Stdout = os.Stdout
	}
	if e.Stderr == nil {
		e.Stderr = os.Stderr
	}
	if e.Now == nil {
		e.Now = time.Now
	}
	return nil
}

// Session runs one client invocation: it locates the project, loads
// configuration and state, drives the command loop, then publishes the
// completion event and writes the optional report.
func Session(ctx context.Context, env Env) error {
	if err := env.defaults(); err != nil {
		return err
	}

	root, err := config.FindProjectRoot(env.Dir)
	if err != nil {
		return err
	}
	cfg, err := config.Resolve(root)
	if err != nil {
		return err
	}

	sessionID := uuid.NewString()
	var command string
	if len(env.Args) > 0 {
		command = env.Args[0]
	}

	logger, err := log.NewLogger(
		log.SessionMeta{SessionID: sessionID, Command: command},
		log.Options{
			Level:  cfg.ResolveLogLevel(env.Getenv),
			Format: cfg.LogFormat,
			Output: env.Stderr,
		},
	)
	if err != nil {
		return err
	}
	defer logger.Sync()

	server := cfg.ServerURL(env.Getenv)
	stdout := iox.LockedWriter(env.Stdout)
	collector := metrics.NewCollector(sessionID, server)

	client, err := transport.New(transport.Config{
		ServerURL: server,
		Timeout:   cfg.Timeout.Duration,
		Output:    stdout,
		Logger:    logger,
		Collector: collector,
	})
	if err != nil {
		return err
	}
	engine, err := upload.New(upload.Config{
		Transport: client,
		Output:    stdout,
		Logger:    logger,
		Collector: collector,
	})
	if err != nil {
		return err
	}

	orchestrator, err := runtime.NewOrchestrator(&runtime.Config{
		ProjectRoot: root,
		Transport:   client,
		Uploader:    engine,
		Store:       state.NewStore(state.PathFor(root), logger, env.Stderr),
		Logger:      logger,
		Collector:   collector,
	})
	if err != nil {
		return err
	}

	logger.Debug("session started", map[string]any{
		"project_root": root,
		"server":       server,
	})

	result, runErr := orchestrator.Run(ctx, env.Args)

	if cfg.Notify.Enabled() {
		event := buildEvent(sessionID, command, server, result, runErr, env.Now())
		notify(context.WithoutCancel(ctx), cfg.Notify, event, logger)
	}

	if cfg.Report != "" {
		report := runtime.BuildSessionReport(sessionID, command, result, runErr, ExitCode(runErr))
		if err := runtime.WriteSessionReport(report, reportPath(root, cfg.Report)); err != nil {
			logger.Warn("session report not written", map[string]any{"error": err.Error()})
		}
	}

	return runErr
}

// reportPath resolves a configured report path against the project root.
func reportPath(root, path string) string {
	if path == "-" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(root, path)
}

// SessionAction is the cli.App action. Every argument is forwarded to the
// server untouched.
func SessionAction(c *cli.Context) error {
	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	return ExitError(Session(ctx, Env{
		Args:   c.Args().Slice(),
		Stdout: c.App.Writer,
		Stderr: c.App.ErrWriter,
	}))
}

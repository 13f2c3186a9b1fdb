package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guseggert/termbridge/agent"
	"github.com/guseggert/termbridge/config"
	"github.com/guseggert/termbridge/internal/files"
	"github.com/guseggert/termbridge/session"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var serveCommand = &cli.Command{
	Name:  "serve",
	Usage: "run the session agent",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Usage:   "Path to a TOML config file. Defaults to the nearest " + configFileName + " in the working directory or its parents.",
			EnvVars: []string{"TERMBRIDGE_CONFIG"},
		},
		&cli.StringFlag{
			Name:  "host",
			Usage: "The address for the HTTP server to listen on.",
		},
		&cli.IntFlag{
			Name:    "port",
			Usage:   "The port for the HTTP server to listen on.",
			EnvVars: []string{"PORT"},
		},
		&cli.StringFlag{
			Name:    "use-pty",
			Usage:   "Whether sessions try a pseudo-terminal first. One of [auto,true,false].",
			EnvVars: []string{"USE_PTY"},
		},
		&cli.StringFlag{
			Name:    "sessions-dir",
			Usage:   "Directory for per-session working areas.",
			EnvVars: []string{"SESSIONS_DIR"},
		},
		&cli.StringFlag{
			Name:    "project-dir",
			Usage:   "Start sessions in this directory when it exists.",
			EnvVars: []string{"PROJECT_DIR", "PROJECTS_DIR"},
		},
		&cli.StringFlag{
			Name:    "session-timeout",
			Usage:   "Destroy sessions idle for this long, as a duration or milliseconds. 0 disables.",
			EnvVars: []string{"SESSION_TIMEOUT"},
		},
		&cli.StringFlag{
			Name:  "command",
			Usage: "The interactive program each session runs.",
		},
		&cli.StringSliceFlag{
			Name:  "origin",
			Usage: "Cross-origin host pattern allowed to attach. May be repeated.",
		},
	},
	Action: serve,
}

// configFileName is looked for in the working directory and its parents when --config isn't given.
const configFileName = "termbridge.toml"

func configPath(ctx *cli.Context) (string, error) {
	if path := ctx.String("config"); path != "" {
		return path, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting working directory: %w", err)
	}
	return files.FindUp(configFileName, wd)
}

func loadConfig(ctx *cli.Context) (config.Config, error) {
	cfg := config.Default()
	path, err := configPath(ctx)
	if err != nil {
		return config.Config{}, err
	}
	if path != "" {
		var unknown []string
		cfg, unknown, err = config.Load(path)
		if err != nil {
			return config.Config{}, err
		}
		if len(unknown) > 0 {
			fmt.Fprintf(os.Stderr, "ignoring unknown config keys: %v\n", unknown)
		}
	}

	if ctx.IsSet("host") {
		cfg.Host = ctx.String("host")
	}
	if ctx.IsSet("port") {
		cfg.Port = ctx.Int("port")
	}
	if ctx.IsSet("use-pty") {
		if err := cfg.UsePTY.UnmarshalText([]byte(ctx.String("use-pty"))); err != nil {
			return config.Config{}, err
		}
	}
	if ctx.IsSet("sessions-dir") {
		cfg.SessionsDir = ctx.String("sessions-dir")
	}
	if ctx.IsSet("project-dir") {
		cfg.ProjectDir = ctx.String("project-dir")
	}
	if ctx.IsSet("session-timeout") {
		d, err := config.ParseDuration(ctx.String("session-timeout"))
		if err != nil {
			return config.Config{}, fmt.Errorf("parsing session timeout: %w", err)
		}
		cfg.SessionTimeout = config.Duration(d)
	}
	if ctx.IsSet("command") {
		cfg.Command = ctx.String("command")
	}
	if ctx.IsSet("origin") {
		cfg.OriginPatterns = ctx.StringSlice("origin")
	}
	return cfg, cfg.Validate()
}

func serve(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger, err := buildLogger(ctx)
	if err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Sugar()

	env := config.DetectEnvironment(os.Getenv)
	sessionCfg := cfg.SessionConfig(env)
	log.Infow("starting",
		"Command", cfg.Command,
		"SessionsDir", cfg.SessionsDir,
		"Fly", env.Fly,
		"Docker", env.Docker,
		"DisablePTY", sessionCfg.DisablePTY,
		"SessionTimeout", sessionCfg.IdleTimeout,
	)

	registry := session.NewRegistry(sessionCfg, session.WithLogger(log))
	a, err := agent.New(registry,
		agent.WithLogger(logger),
		agent.WithListenAddr(cfg.ListenAddr()),
		agent.WithOriginPatterns(cfg.OriginPatterns...),
	)
	if err != nil {
		return fmt.Errorf("building agent: %w", err)
	}

	sigCtx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(sigCtx)
	group.Go(a.Run)
	group.Go(func() error { return registry.Run(groupCtx) })
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return shutdown(shutdownCtx, log, a, registry)
	})
	return group.Wait()
}

// shutdown stops accepting requests before destroying sessions, so none are created after the sweep.
func shutdown(ctx context.Context, log *zap.SugaredLogger, a *agent.SessionAgent, registry *session.Registry) error {
	log.Info("shutting down")
	err := a.Shutdown(ctx)
	if closeErr := registry.Close(ctx); closeErr != nil {
		log.Warnw("error closing sessions", "Error", closeErr)
	}
	return err
}

package main

import (
	"fmt"
	"log"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "termbridge",
		Usage: "run interactive CLI sessions and attach to them over WebSockets",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Minimum log level. One of [debug,info,warn,error].",
				Value: "info",
			},
			&cli.BoolFlag{
				Name:  "dev-log",
				Usage: "Use human-friendly development logging.",
			},
			&cli.StringFlag{
				Name:    "url",
				Usage:   "The base URL of the agent, for client commands.",
				Value:   "http://localhost:3000",
				EnvVars: []string{"TERMBRIDGE_URL"},
			},
		},
		Commands: []*cli.Command{
			serveCommand,
			createCommand,
			listCommand,
			getCommand,
			deleteCommand,
			attachCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func buildLogger(ctx *cli.Context) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(ctx.String("log-level"))
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	if ctx.Bool("dev-log") {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}

package main

import (
	"errors"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/hupe1980/chronos"
)

// env is the state shared by all commands, filled in by Before.
type env struct {
	cfg    chronos.Config
	logger *chronos.Logger
}

func newApp() *cli.App {
	e := &env{}
	return &cli.App{
		Name:                 "chronos",
		Usage:                "replicated bi-temporal vector store node",
		EnableBashCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "YAML configuration file",
				EnvVars: []string{"CHRONOS_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "dir",
				Aliases: []string{"d"},
				Usage:   "data directory, overrides the configuration",
				EnvVars: []string{"CHRONOS_DIR"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "text or json",
			},
		},
		Before: func(c *cli.Context) error {
			return e.load(c)
		},
		Commands: []*cli.Command{
			profileCommand(e),
			inspectCommand(e),
			verifyCommand(e),
			snapshotCommand(e),
			restoreCommand(e),
			compactCommand(e),
			serveCommand(e),
		},
	}
}

func (e *env) load(c *cli.Context) error {
	cfg := chronos.DefaultConfig()
	if path := c.String("config"); path != "" {
		loaded, err := chronos.LoadConfig(path)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if dir := c.String("dir"); dir != "" {
		cfg.Dir = dir
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	if f := c.String("log-format"); f != "" {
		cfg.LogFormat = f
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.cfg = cfg
	e.logger = chronos.NewLoggerFromConfig(cfg)
	return nil
}

// openDB opens the configured data directory.
func (e *env) openDB(optFns ...chronos.Option) (*chronos.DB, error) {
	if _, err := os.Stat(e.cfg.Dir); errors.Is(err, os.ErrNotExist) {
		e.logger.Info("creating data directory", "dir", e.cfg.Dir)
	}
	return chronos.Open(e.cfg, append([]chronos.Option{chronos.WithLogger(e.logger)}, optFns...)...)
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"bulksend/internal/app"
	"bulksend/internal/config"
	"bulksend/internal/transport/telegram"
	logx "bulksend/pkg/logx"
)

func newCLI() *cli.App {
	return &cli.App{
		Name:  "bulksend",
		Usage: "throttled bulk messaging with a persistent delivery ledger",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, EnvVars: []string{"BULKSEND_CONFIG"}, Usage: "JSON or YAML config file"},
			&cli.StringFlag{Name: "env-file", Usage: "dotenv file loaded before env overrides (default ./.env if present)"},
			&cli.BoolFlag{Name: "dry-run", Usage: "use the dry-run client; nothing is sent"},
			&cli.StringFlag{Name: "log-level", Usage: "trace, debug, info, warn or error"},
		},
		DefaultCommand: "run",
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "ingest the CSV file, probe new recipients and dispatch",
				Action: withApp(runCmd),
			},
			{
				Name:   "retry",
				Usage:  "dispatch failed recipients that are under the retry limit",
				Action: withApp(retryCmd),
			},
			{
				Name:   "watch",
				Usage:  "process every CSV dropped into the inbox directory",
				Action: withApp(watchCmd),
			},
			{
				Name:   "stats",
				Usage:  "print ledger and membership totals as JSON",
				Action: withApp(statsCmd),
			},
			{
				Name:  "cleanup",
				Usage: "purge sent records older than the retention age",
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: "max-age", Usage: "override retention.max_age"},
				},
				Action: withApp(cleanupCmd),
			},
			{
				Name:  "clear",
				Usage: "delete every record and membership entry",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "yes", Usage: "confirm"},
				},
				Action: withApp(clearCmd),
			},
		},
	}
}

type env struct {
	app  *app.App
	log  logx.Logger
	cfg  *config.Settings
	logs *logx.Service
}

func withApp(fn func(c *cli.Context, e *env) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		e, err := setup(c)
		if err != nil {
			return cli.Exit(err.Error(), 1)
		}
		defer func() {
			cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := e.app.Close(cctx); err != nil {
				e.log.Warn("shutdown incomplete", logx.Err(err))
			}
			_ = e.logs.Close()
		}()

		err = fn(c, e)
		switch {
		case err == nil:
			return nil
		case c.Context.Err() != nil && errors.Is(err, context.Canceled):
			e.log.Warn("interrupted, delivery state saved")
			return nil
		default:
			e.log.Error("command failed", logx.String("cmd", c.Command.Name), logx.Err(err))
			return cli.Exit("", 1)
		}
	}
}

func setup(c *cli.Context) (*env, error) {
	raw, err := config.Load(c.String("config"), c.String("env-file"))
	if err != nil {
		return nil, err
	}
	if c.Bool("dry-run") {
		raw.Client.Driver = "dryrun"
	}
	if lvl := strings.TrimSpace(c.String("log-level")); lvl != "" {
		raw.Logging.Level = lvl
	}
	cfg, err := config.Resolve(raw)
	if err != nil {
		return nil, err
	}

	var sender logx.Sender
	if cfg.Logging.Operator.Enabled {
		sink, err := telegram.New(telegram.Options{Token: cfg.Telegram.Token, ChatID: cfg.Telegram.ChatID, ThreadID: cfg.Telegram.ThreadID})
		if err != nil {
			return nil, fmt.Errorf("telegram log sink: %w", err)
		}
		sender = sink
	}
	logs, log := logx.New(cfg.Logging, sender)

	a, err := app.New(c.Context, cfg, app.Options{Log: log})
	if err != nil {
		_ = logs.Close()
		return nil, err
	}
	return &env{app: a, log: log.With(logx.String("comp", "cli")), cfg: cfg, logs: logs}, nil
}

// serveDebug runs the debug server next to a one-shot command.
func serveDebug(ctx context.Context, e *env) {
	if !e.cfg.Debug.Enabled {
		return
	}
	srv := e.app.DebugServer(nil)
	go func() {
		if err := srv.Serve(ctx); err != nil {
			e.log.Warn("debug server stopped", logx.Err(err))
		}
	}()
}

func runCmd(c *cli.Context, e *env) error {
	serveDebug(c.Context, e)
	_, err := e.app.Run(c.Context)
	return err
}

func retryCmd(c *cli.Context, e *env) error {
	serveDebug(c.Context, e)
	_, err := e.app.Retry(c.Context)
	return err
}

func watchCmd(c *cli.Context, e *env) error {
	return e.app.Watch(c.Context)
}

func statsCmd(c *cli.Context, e *env) error {
	rep, err := e.app.Stats(c.Context)
	if err != nil {
		return err
	}
	return printJSON(rep)
}

func cleanupCmd(c *cli.Context, e *env) error {
	res, err := e.app.Cleanup(c.Context, c.Duration("max-age"))
	if err != nil {
		return err
	}
	return printJSON(res)
}

func clearCmd(c *cli.Context, e *env) error {
	if !c.Bool("yes") {
		return errors.New("clear deletes all delivery state; pass --yes to confirm")
	}
	res, err := e.app.Clear(c.Context)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

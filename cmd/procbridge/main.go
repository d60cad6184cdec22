package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guseggert/procbridge/bridge"
	"github.com/guseggert/procbridge/client"
	"github.com/guseggert/procbridge/config"
	"github.com/guseggert/procbridge/server"
	"github.com/guseggert/procbridge/supervisor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

func main() {
	app := &cli.App{
		Name:  "procbridge",
		Usage: "share one long-lived worker process between many concurrent requests",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Path to a config file (yaml, json or toml).",
				EnvVars: []string{"PROCBRIDGE_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "One of [debug,info,warn,error]. Overrides the config file.",
			},
		},
		Commands: []*cli.Command{
			serveCommand,
			invokeCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

var serveCommand = &cli.Command{
	Name:      "serve",
	Usage:     "run the worker behind an HTTP server",
	ArgsUsage: "[-- worker-command [args...]]",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "listen-addr",
			Usage: "The address for the HTTP server to listen on.",
		},
		&cli.StringFlag{
			Name:  "dir",
			Usage: "Working directory for the worker.",
		},
		&cli.StringSliceFlag{
			Name:  "env",
			Usage: "KEY=VALUE added to the worker's environment. Repeatable.",
		},
		&cli.IntFlag{
			Name:  "max-fails",
			Usage: "Consecutive worker failures tolerated before exiting.",
		},
		&cli.DurationFlag{
			Name:  "restart-delay",
			Usage: "Delay between a worker crash and its replacement.",
		},
		&cli.DurationFlag{
			Name:  "invoke-timeout",
			Usage: "How long a request waits for its reply. 0 waits until the client disconnects.",
		},
	},
	Action: serve,
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if c.IsSet("log-level") {
		cfg.Logging.Level = c.String("log-level")
	}
	if c.IsSet("listen-addr") {
		cfg.Server.ListenAddr = c.String("listen-addr")
	}
	if c.IsSet("dir") {
		cfg.Worker.Dir = c.String("dir")
	}
	if c.IsSet("env") {
		cfg.Worker.Env = append(cfg.Worker.Env, c.StringSlice("env")...)
	}
	if c.IsSet("max-fails") {
		cfg.Supervisor.MaxFails = c.Int("max-fails")
	}
	if c.IsSet("restart-delay") {
		cfg.Supervisor.RestartDelay = c.Duration("restart-delay")
	}
	if c.IsSet("invoke-timeout") {
		cfg.Server.InvokeTimeout = c.Duration("invoke-timeout")
	}
	if c.Args().Present() {
		cfg.Worker.Command = c.Args().First()
		cfg.Worker.Args = c.Args().Tail()
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, config.ValidationErrors(errs)
	}
	return cfg, nil
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return logger, nil
}

func serve(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if cfg.Worker.Command == "" {
		return errors.New("no worker command, set worker.command or pass it after --")
	}
	logger, err := newLogger(cfg.Logging.Level)
	if err != nil {
		return err
	}
	defer logger.Sync()

	spawner := &supervisor.ExecSpawner{
		Command: cfg.Worker.Command,
		Args:    cfg.Worker.Args,
		Env:     cfg.Worker.Env,
		WD:      cfg.Worker.Dir,
	}
	b, err := bridge.New(spawner,
		bridge.WithLogger(logger),
		bridge.WithMaxFails(cfg.Supervisor.MaxFails),
		bridge.WithRestartDelay(cfg.Supervisor.RestartDelay),
		bridge.WithRegisterer(prometheus.DefaultRegisterer),
	)
	if err != nil {
		return fmt.Errorf("building bridge: %w", err)
	}

	srv := server.New(b,
		server.WithLogger(logger),
		server.WithListenAddr(cfg.Server.ListenAddr),
		server.WithInvokeTimeout(cfg.Server.InvokeTimeout),
	)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	group, ctx := errgroup.WithContext(ctx)
	group.Go(srv.Run)
	group.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Stop(shutdownCtx)
		return errors.Join(err, b.Close())
	})
	return group.Wait()
}

var invokeCommand = &cli.Command{
	Name:      "invoke",
	Usage:     "send one request to a running server and print the reply body",
	ArgsUsage: "[payload | -]",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "addr",
			Usage: "The server's base URL.",
			Value: "http://" + config.DefaultListenAddr,
		},
		&cli.StringFlag{
			Name:  "id",
			Usage: "Correlation id. Generated by the server when empty.",
		},
		&cli.DurationFlag{
			Name:  "wait",
			Usage: "How long to wait for the server to come up.",
			Value: 5 * time.Second,
		},
	},
	Action: func(c *cli.Context) error {
		var payload []byte
		switch arg := c.Args().First(); arg {
		case "-":
			b, err := io.ReadAll(os.Stdin)
			if err != nil {
				return fmt.Errorf("reading stdin: %w", err)
			}
			payload = b
		default:
			payload = []byte(arg)
		}

		cl := client.New(c.String("addr"))
		waitCtx, cancel := context.WithTimeout(c.Context, c.Duration("wait"))
		defer cancel()
		if err := cl.WaitForServer(waitCtx); err != nil {
			return fmt.Errorf("waiting for server: %w", err)
		}

		resp, err := cl.Invoke(c.Context, c.String("id"), payload)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "%s %d\n", resp.ID, resp.StatusCode)
		_, err = os.Stdout.Write(append(resp.Body, '\n'))
		return err
	},
}

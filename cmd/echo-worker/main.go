package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/guseggert/procbridge/protocol"
	"github.com/guseggert/procbridge/workerkit"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	app := &cli.App{
		Name:  "echo-worker",
		Usage: "a bridge worker that echoes each request's payload and context",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "delay",
				Usage: "Time to wait before replying.",
			},
			&cli.IntFlag{
				Name:  "exit-after",
				Usage: "Exit with status 3 on receiving this many requests, without replying to the last. 0 never exits.",
			},
			&cli.IntFlag{
				Name:  "concurrency",
				Usage: "Maximum requests handled at once. 0 is unbounded.",
			},
		},
		Action: func(c *cli.Context) error {
			// stdout carries replies, so logs go to stderr
			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer logger.Sync()

			delay := c.Duration("delay")
			exitAfter := int64(c.Int("exit-after"))
			var seen atomic.Int64

			handler := func(ctx context.Context, req protocol.Request) (any, error) {
				if exitAfter > 0 && seen.Add(1) >= exitAfter {
					logger.Warn("exiting as requested", zap.String("ID", req.ID))
					os.Exit(3)
				}
				if delay > 0 {
					select {
					case <-time.After(delay):
					case <-ctx.Done():
						return nil, ctx.Err()
					}
				}
				return map[string]any{
					"id":      req.ID,
					"payload": req.Payload,
					"context": req.Context,
				}, nil
			}

			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGTERM)
			defer stop()
			return workerkit.Serve(ctx, os.Stdin, os.Stdout, handler,
				workerkit.WithLogger(logger),
				workerkit.WithConcurrency(c.Int("concurrency")),
			)
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

package main

import (
	"errors"

	"github.com/mohammad-safakhou/newsdesk/internal/runtime"
	"github.com/mohammad-safakhou/newsdesk/internal/server"
	"github.com/mohammad-safakhou/newsdesk/internal/worker"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func serveCMD(cfgPath *string) *cobra.Command {
	var (
		addr     string
		schedule bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API (and optionally the daily scheduler)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := runtime.SignalContext(cmd.Context(), "serve", nil)
			defer stop()

			a, err := bootstrap(ctx, *cfgPath, appOptions{service: "api"})
			if err != nil {
				return err
			}
			defer a.close()

			runner, err := worker.NewRunner(a.runnerDeps())
			if err != nil {
				return err
			}

			var (
				dispatcher worker.Dispatcher
				inline     *worker.InlineDispatcher
				rdb        redis.Cmdable
			)
			if a.streams != nil {
				dispatcher = worker.NewQueueDispatcher(a.streams.Publisher, a.cfg.Storage.Redis.RunsStream)
				rdb = a.streams.Client
				a.logger.Info("runs are queued for workers", zap.String("stream", a.cfg.Storage.Redis.RunsStream))
			} else {
				inline = worker.NewInlineDispatcher(ctx, runner, 1, a.logger)
				dispatcher = inline
				a.logger.Info("redis not configured; runs execute in-process")
			}

			deps := server.Deps{
				Config:   a.cfg,
				Redis:    rdb,
				Gatherer: a.otel.Gatherer,
				Logger:   a.logger,
			}
			var starter server.RunStarter
			if a.store != nil {
				deps.Store = a.store
				starter = a.store
			}
			deps.Submitter = server.NewSubmitter(runner, starter, dispatcher)

			secret, err := runtime.LoadJWTSecret(a.cfg)
			switch {
			case errors.Is(err, runtime.ErrNoJWTSecret):
			case err != nil:
				return err
			default:
				deps.Secret = secret
			}

			e, err := server.New(deps)
			if err != nil {
				return err
			}

			if addr == "" {
				addr = a.cfg.Server.Address
			}
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return server.Serve(gctx, e, addr, a.logger) })
			if schedule {
				var locker redis.Cmdable
				if a.streams != nil {
					locker = a.streams.Client
				}
				sched, err := server.NewScheduler(a.cfg.Scheduler, deps.Submitter, locker, a.logger)
				if err != nil {
					return err
				}
				g.Go(func() error { return sched.Run(gctx) })
			}
			err = g.Wait()
			if inline != nil {
				inline.Wait()
			}
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.address)")
	cmd.Flags().BoolVar(&schedule, "schedule", true, "submit the daily run on scheduler.cron")
	return cmd
}

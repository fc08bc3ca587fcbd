package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/newsdesk/internal/queue/streams"
	"github.com/mohammad-safakhou/newsdesk/internal/runtime"
	"github.com/mohammad-safakhou/newsdesk/internal/server"
	"github.com/mohammad-safakhou/newsdesk/internal/worker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func workerCMD(cfgPath *string) *cobra.Command {
	var (
		name      string
		schedule  bool
		claimIdle time.Duration
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume queued run requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := runtime.SignalContext(cmd.Context(), "worker", nil)
			defer stop()

			a, err := bootstrap(ctx, *cfgPath, appOptions{service: "worker", needStreams: true, serveMetrics: true})
			if err != nil {
				return err
			}
			defer a.close()

			runner, err := worker.NewRunner(a.runnerDeps())
			if err != nil {
				return err
			}

			redisCfg := a.cfg.Storage.Redis
			if err := streams.EnsureGroup(ctx, a.streams.Client, redisCfg.RunsStream, redisCfg.WorkerGroup); err != nil {
				return err
			}
			if name == "" {
				host, _ := os.Hostname()
				name = fmt.Sprintf("%s-%s", strings.TrimSpace(host), uuid.NewString()[:8])
			}
			consumer := streams.NewConsumer(a.streams.Client, a.streams.Registry, redisCfg.WorkerGroup, name)

			opts := []worker.ProcessorOption{worker.WithClaimIdle(claimIdle), worker.WithTracer(a.otel.Tracer())}
			var starter server.RunStarter
			if a.store != nil {
				opts = append(opts, worker.WithRunLookup(a.store))
				starter = a.store
			}
			processor := worker.NewProcessor(a.logger.With(zap.String("consumer", name)), consumer, runner, redisCfg.RunsStream, opts...)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return processor.Start(gctx) })
			if schedule {
				submitter := server.NewSubmitter(runner, starter,
					worker.NewQueueDispatcher(a.streams.Publisher, redisCfg.RunsStream))
				sched, err := server.NewScheduler(a.cfg.Scheduler, submitter, a.streams.Client, a.logger)
				if err != nil {
					return err
				}
				g.Go(func() error { return sched.Run(gctx) })
			}
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "consumer name (default host-random)")
	cmd.Flags().BoolVar(&schedule, "schedule", false, "also submit the daily run on scheduler.cron")
	cmd.Flags().DurationVar(&claimIdle, "claim-idle", 30*time.Minute, "take over requests left unacknowledged this long")
	return cmd
}

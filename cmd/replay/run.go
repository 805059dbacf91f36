package main

import (
	"fmt"

	"github.com/cassiomorais/paylink/internal/bootstrap"
	infraRedis "github.com/cassiomorais/paylink/internal/infrastructure/redis"
	"github.com/cassiomorais/paylink/internal/replay"
	"github.com/spf13/cobra"
)

func newRunCommand() *cobra.Command {
	var consumer string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Re-run dead-lettered side effects for completed payments",
		Long: "Consumes the dead-letter stream through a consumer group. Entries that replay " +
			"successfully are acknowledged; failures stay pending and are retried by the next run.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			app, err := bootstrap.New(ctx, "paylink-replay", "paylink_replay")
			if err != nil {
				return err
			}
			defer app.Close()

			svc, err := app.Wire()
			if err != nil {
				return err
			}

			if consumer == "" {
				consumer = app.Config.InstanceID
			}
			rc := app.Config.Replay
			source := infraRedis.NewStreamConsumer(
				app.Redis,
				infraRedis.SideEffectDLQStream,
				rc.ConsumerGroup,
				consumer,
				rc.BatchSize,
				rc.BlockDuration,
			)
			if err := source.CreateGroup(ctx); err != nil {
				return err
			}

			locks := func(name string) replay.Locker {
				return infraRedis.NewDistributedLock(app.Redis, "replay:"+name, rc.LockTTL)
			}
			proc := replay.NewProcessor(source, locks, svc.PaymentRepo, svc.Dispatcher, app.Metrics, app.Logger)

			stats, err := proc.Drain(ctx)
			fmt.Fprintf(cmd.OutOrStdout(), "replayed=%d failed=%d skipped=%d busy=%d\n",
				stats.Replayed, stats.Failed, stats.Skipped, stats.Busy)
			if err != nil {
				return err
			}
			if stats.Failed > 0 {
				return fmt.Errorf("%d side effects still failing", stats.Failed)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&consumer, "consumer", "", "consumer name within the group (defaults to instance_id)")
	return cmd
}

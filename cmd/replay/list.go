package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/cassiomorais/paylink/internal/bootstrap"
	infraRedis "github.com/cassiomorais/paylink/internal/infrastructure/redis"
	"github.com/spf13/cobra"
)

func newListCommand() *cobra.Command {
	var count int64

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print dead-lettered side effects, oldest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := bootstrap.New(cmd.Context(), "paylink-replay", "paylink_replay")
			if err != nil {
				return err
			}
			defer app.Close()

			letters, err := infraRedis.NewStreamProducer(app.Redis).ListDeadLetters(cmd.Context(), count)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPAYMENT\tACTION\tFAILED AT\tREASON")
			for _, dl := range letters {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					dl.MessageID, dl.PaymentID, dl.Action, dl.FailedAt.Format(time.RFC3339), dl.Reason)
			}
			return w.Flush()
		},
	}

	cmd.Flags().Int64Var(&count, "count", 100, "maximum number of entries to print")
	return cmd
}

package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newDispatchCommand() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Run the webhook dispatcher worker",
		Long:  `Claim outbox events and deliver them to subscribed webhook endpoints until interrupted. Several workers may run against the same database.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := bootstrap(ctx)
			if err != nil {
				return err
			}
			defer app.close()

			if once {
				result, err := app.dispatcher.RunOnce(ctx)
				if err != nil {
					return err
				}
				return json.NewEncoder(cmd.OutOrStdout()).Encode(result)
			}
			return app.dispatcher.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "Process a single batch and exit")
	return cmd
}

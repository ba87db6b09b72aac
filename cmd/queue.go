package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/automation-orchestrator/internal/server"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspects and administers the job queue",
	}
	cmd.AddCommand(
		queueSubcommand("status", "Shows queue length, lock state, and the current job", cobra.NoArgs,
			func(cmd *cobra.Command, app *server.App, _ []string) (any, error) {
				return app.Queue.Status(cmd.Context())
			}),
		queueSubcommand("contents", "Lists waiting entries in order", cobra.NoArgs,
			func(cmd *cobra.Command, app *server.App, _ []string) (any, error) {
				return app.Queue.Contents(cmd.Context())
			}),
		queueSubcommand("position <target_id>", "Shows where a target's first entry waits", cobra.ExactArgs(1),
			func(cmd *cobra.Command, app *server.App, args []string) (any, error) {
				pos, found, err := app.Queue.PositionOf(cmd.Context(), args[0])
				if err != nil {
					return nil, err
				}
				return map[string]any{"target_id": args[0], "queued": found, "position": pos}, nil
			}),
		newEnqueueCmd(),
		queueSubcommand("remove <job_id>", "Removes a waiting entry", cobra.ExactArgs(1),
			func(cmd *cobra.Command, app *server.App, args []string) (any, error) {
				removed, err := app.Queue.RemoveJob(cmd.Context(), args[0])
				if err != nil {
					return nil, err
				}
				return map[string]any{"job_id": args[0], "removed": removed}, nil
			}),
		queueSubcommand("clear", "Deletes every waiting entry, the lock, and the current job", cobra.NoArgs,
			func(cmd *cobra.Command, app *server.App, _ []string) (any, error) {
				n, err := app.Queue.Clear(cmd.Context())
				if err != nil {
					return nil, err
				}
				return map[string]int64{"keys_removed": n}, nil
			}),
		queueSubcommand("release-lock", "Force releases the processing lock without advancing", cobra.NoArgs,
			func(cmd *cobra.Command, app *server.App, _ []string) (any, error) {
				if err := app.Queue.ForceReleaseLock(cmd.Context()); err != nil {
					return nil, err
				}
				return map[string]string{"status": "released"}, nil
			}),
	)
	return cmd
}

func newEnqueueCmd() *cobra.Command {
	var (
		jobType string
		options string
	)
	cmd := queueSubcommand("enqueue <target_id>", "Adds a job and starts it if the queue is idle", cobra.ExactArgs(1),
		func(cmd *cobra.Command, app *server.App, args []string) (any, error) {
			var opts map[string]any
			if options != "" {
				if err := json.Unmarshal([]byte(options), &opts); err != nil {
					return nil, fmt.Errorf("parse --options: %w", err)
				}
			}
			jobID, err := app.Queue.Enqueue(cmd.Context(), args[0], jobType, opts)
			if err != nil {
				return nil, err
			}
			app.Logger().Info("job enqueued", zap.String("job_id", jobID), zap.String("target_id", args[0]))
			return map[string]string{"job_id": jobID}, nil
		})
	cmd.Flags().StringVar(&jobType, "type", "", "job type (must map to a configured agent)")
	cmd.Flags().StringVar(&options, "options", "", `job options as JSON, e.g. '{"target_url":"https://..."}'`)
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func queueSubcommand(
	use, short string,
	args cobra.PositionalArgs,
	run func(cmd *cobra.Command, app *server.App, args []string) (any, error),
) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, positional []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			out, err := run(cmd, app, positional)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(out); err != nil {
				return fmt.Errorf("write output: %w", err)
			}
			return nil
		},
	}
}

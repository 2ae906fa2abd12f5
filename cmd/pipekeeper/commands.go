package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/pipekeeper/pipekeeper/internal/log"
	"github.com/pipekeeper/pipekeeper/internal/model"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run PIPELINE",
	Short: "run executes the pipeline once and waits for the result",
	Args:  cobra.ExactArgs(1),
	RunE:  doRun,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve runs pipelines on the configured schedules",
	Args:  cobra.NoArgs,
	RunE:  doServe,
}

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "runs lists the recorded runs",
	Args:  cobra.NoArgs,
	RunE:  doRuns,
}

var eventsCmd = &cobra.Command{
	Use:   "events RUN_ID",
	Short: "events prints the event log of a run as JSON lines",
	Args:  cobra.ExactArgs(1),
	RunE:  doEvents,
}

var pipelinesCmd = &cobra.Command{
	Use:   "pipelines",
	Short: "pipelines lists the defined pipelines",
	Args:  cobra.NoArgs,
	RunE:  doPipelines,
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "reconcile reports unfinished runs whose execution process is gone",
	Args:  cobra.NoArgs,
	RunE:  doReconcile,
}

func doRun(cmd *cobra.Command, args []string) error {
	return withPipekeeper(cmd, func(ctx context.Context, k *Pipekeeper) error {
		run, err := k.Run(ctx, args[0], flagSteps)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", run.RunID, run.Status)
		if run.Status != model.RunStatusSuccess {
			return fmt.Errorf("run %s ended with status %s", run.RunID, run.Status)
		}
		return nil
	})
}

func doServe(cmd *cobra.Command, _ []string) error {
	return withPipekeeper(cmd, func(ctx context.Context, k *Pipekeeper) error {
		return k.Serve(ctx)
	})
}

func doRuns(cmd *cobra.Command, _ []string) error {
	return withPipekeeper(cmd, func(ctx context.Context, k *Pipekeeper) error {
		return k.WriteRuns(ctx, cmd.OutOrStdout())
	})
}

func doEvents(cmd *cobra.Command, args []string) error {
	return withPipekeeper(cmd, func(ctx context.Context, k *Pipekeeper) error {
		return k.WriteEvents(ctx, args[0], cmd.OutOrStdout())
	})
}

func doPipelines(cmd *cobra.Command, _ []string) error {
	return withPipekeeper(cmd, func(_ context.Context, k *Pipekeeper) error {
		return k.WritePipelines(cmd.OutOrStdout())
	})
}

func doReconcile(cmd *cobra.Command, _ []string) error {
	return withPipekeeper(cmd, func(ctx context.Context, k *Pipekeeper) error {
		reported, err := k.Reconcile(ctx)
		if err != nil {
			return err
		}
		for _, id := range reported {
			fmt.Fprintln(cmd.OutOrStdout(), id)
		}
		return nil
	})
}

func withPipekeeper(cmd *cobra.Command, fn func(context.Context, *Pipekeeper) error) error {
	ctx := log.ContextAttrs(cmd.Context(), slog.Group("pipekeeper",
		slog.String("cmd", cmd.Name()),
		slog.Int("pid", os.Getpid()),
	))
	k, err := NewPipekeeper(ctx, config)
	if err != nil {
		return err
	}
	defer func() {
		if err := k.Close(); err != nil {
			slog.WarnContext(ctx, "closing instance", "error", err)
		}
	}()
	return fn(ctx, k)
}

package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/listing-harvester/internal/api"
	"github.com/JakeFAU/listing-harvester/internal/stage"
)

// newRunCmd creates the 'run' subcommand, which executes one pipeline stage.
func newRunCmd() *cobra.Command {
	names := make([]string, 0, len(stage.Catalog))
	for _, info := range stage.Catalog {
		names = append(names, info.Name)
	}
	cmd := &cobra.Command{
		Use:   "run <stage>",
		Short: "Runs one pipeline stage",
		Long: `Runs one pipeline stage to completion and prints its summary as JSON.

Stages, in pipeline order: ` + strings.Join(names, ", ") + `.

Per-item failures are counted in the summary and do not fail the command.
When ops.addr is set, the ops endpoints are served while the stage runs.`,
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: names,
		RunE:      runStageCommand,
	}
	cmd.Flags().Int("concurrency", 0, "maximum in-flight items (overrides orchestrator.concurrency)")
	cmd.Flags().Int("sessions", 0, "browser sessions in the pool (overrides pool.sessions)")
	cmd.Flags().Bool("headful", false, "launch browsers with a visible window")
	return cmd
}

func runStageCommand(cmd *cobra.Command, args []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.GetLogger()
	runner := appInstance.GetRunner()
	name := args[0]

	opsCtx, stopOps := context.WithCancel(cmd.Context())
	defer stopOps()
	var ops errgroup.Group
	if addr := appInstance.GetConfig().Ops.Addr; addr != "" {
		server := api.NewServer(appInstance.GetStore(), runner, logger.Named("ops"))
		ops.Go(func() error {
			return server.ListenAndServe(opsCtx, addr)
		})
	}

	summary, runErr := runner.Run(cmd.Context(), name)
	stopOps()
	if err := ops.Wait(); err != nil {
		logger.Warn("ops server failed", zap.Error(err))
	}

	switch {
	case errors.Is(runErr, context.Canceled):
		logger.Warn("stage interrupted", zap.String("stage", name), zap.Object("summary", summary))
	case runErr != nil:
		return fmt.Errorf("run %s: %w", name, runErr)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	return nil
}

package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/proxy-inventory/internal/snapshot"
	"github.com/spf13/cobra"
)

var workflowDescriptions = map[string]string{
	snapshot.WorkflowCrawl:   "Run every spider once and ingest what it finds",
	snapshot.WorkflowRecheck: "Probe every stored proxy again",
	snapshot.WorkflowCleanup: "Delete proxies selected by the cleanup policy",
}

// workflowCommands returns one single-run command per workflow.
func workflowCommands() []*cobra.Command {
	cmds := make([]*cobra.Command, 0, len(workflowDescriptions))
	for _, name := range []string{snapshot.WorkflowCrawl, snapshot.WorkflowRecheck, snapshot.WorkflowCleanup} {
		cmds = append(cmds, newWorkflowCmd(name))
	}
	return cmds
}

func newWorkflowCmd(name string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: workflowDescriptions[name],
		Long: workflowDescriptions[name] + `.

The run report is printed as JSON on stdout; progress is logged on stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWorkflow(cmd, name)
		},
	}
}

func runWorkflow(cmd *cobra.Command, name string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	report, runErr := a.orch.Run(ctx, name)
	if report != nil {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	}
	return runErr
}

package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rsclarke/sebcoord/internal/api"
)

var batchFlags struct {
	clientConfig
	actionType string
	targets    []int64
	attrs      map[string]string
}

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Submit and follow bulk administrative actions",
}

var batchSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a batch action",
	Long: `Submit a batch action over a list of targets. Supported types:

  TERMINATE_CONNECTION   targets are connection ids; attribute status=CLOSED|ABORTED
  REVOKE_SECURITY_KEY    targets are security key ids
  DELETE_EXAM            targets are exam ids`,
	RunE: runBatchSubmit,
}

var batchProgressCmd = &cobra.Command{
	Use:   "progress <action-id>",
	Short: "Show per-target progress of a batch action",
	Args:  cobra.ExactArgs(1),
	RunE:  runBatchProgress,
}

var batchCancelCmd = &cobra.Command{
	Use:   "cancel <action-id>",
	Short: "Cancel a batch action; unprocessed targets are skipped",
	Args:  cobra.ExactArgs(1),
	RunE:  runBatchCancel,
}

func init() {
	rootCmd.AddCommand(batchCmd)
	batchCmd.AddCommand(batchSubmitCmd, batchProgressCmd, batchCancelCmd)

	for _, c := range []*cobra.Command{batchSubmitCmd, batchProgressCmd, batchCancelCmd} {
		addClientFlags(c, &batchFlags.clientConfig)
	}
	batchSubmitCmd.Flags().StringVar(&batchFlags.actionType, "type", "", "action type")
	batchSubmitCmd.Flags().Int64SliceVar(&batchFlags.targets, "targets", nil, "comma separated target ids")
	batchSubmitCmd.Flags().StringToStringVar(&batchFlags.attrs, "attr", nil, "action attribute as key=value")
	_ = batchSubmitCmd.MarkFlagRequired("type")
	_ = batchSubmitCmd.MarkFlagRequired("targets")
}

func runBatchSubmit(cmd *cobra.Command, args []string) error {
	c, err := batchFlags.newClient()
	if err != nil {
		return err
	}
	id, err := c.SubmitBatch(context.Background(), api.SubmitBatchActionRequest{
		ActionType: strings.ToUpper(batchFlags.actionType),
		TargetIDs:  batchFlags.targets,
		Attributes: batchFlags.attrs,
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(cmd.OutOrStdout(), "Batch action %d submitted (%d targets)\n", id, len(batchFlags.targets))
	return err
}

func runBatchProgress(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	c, err := batchFlags.newClient()
	if err != nil {
		return err
	}
	p, err := c.Progress(context.Background(), id)
	if err != nil {
		return err
	}
	return printProgress(cmd, p)
}

func runBatchCancel(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	c, err := batchFlags.newClient()
	if err != nil {
		return err
	}
	p, err := c.Cancel(context.Background(), id)
	if err != nil {
		return err
	}
	return printProgress(cmd, p)
}

func printProgress(cmd *cobra.Command, p *api.BatchProgressResponse) error {
	out := cmd.OutOrStdout()
	processor := p.ProcessorID
	if processor == "" {
		processor = "-"
	}
	_, _ = fmt.Fprintf(out, "Action:     %d (%s)\n", p.ActionID, p.ActionType)
	_, _ = fmt.Fprintf(out, "State:      %s\n", p.State)
	_, _ = fmt.Fprintf(out, "Processor:  %s\n", processor)
	_, err := fmt.Fprintf(out, "Targets:    %d total, %d succeeded, %d failed, %d skipped, %d pending\n",
		p.Total, p.Succeeded, p.Failed, p.Skipped, p.Pending)
	return err
}

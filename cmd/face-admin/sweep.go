package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/tendant/face-index-pipeline/internal/maintenance"
	"github.com/tendant/face-index-pipeline/pkg/runner"
)

var emptyTableCmd = &cobra.Command{
	Use:   "empty-table [table]",
	Short: "Delete every item of a table",
	Long: `Scan a table with consistent reads and delete every item in chunked
batch deletes. Partially failed batches are retried with exponential delay;
the command fails naming the keys that still could not be deleted.

The table defaults to FACE_TABLE. With --durable the sweep runs as a DBOS
workflow and resumes after a crash.

Example:
  face-admin empty-table faces-staging --yes`,
	Args: cobra.MaximumNArgs(1),
	RunE: runEmptyTable,
}

var deleteEventCmd = &cobra.Command{
	Use:   "delete-event <event-id>",
	Short: "Delete every face record of one event",
	Args:  cobra.ExactArgs(1),
	RunE:  runDeleteEvent,
}

var sweepStatusCmd = &cobra.Command{
	Use:   "sweep-status <workflow-id>",
	Short: "Show the status of a durable sweep",
	Args:  cobra.ExactArgs(1),
	RunE:  runSweepStatus,
}

func init() {
	rootCmd.AddCommand(emptyTableCmd, deleteEventCmd, sweepStatusCmd)

	for _, c := range []*cobra.Command{emptyTableCmd, deleteEventCmd} {
		c.Flags().Bool("yes", false, "Skip confirmation prompt")
		c.Flags().Bool("durable", false, "Run as a DBOS workflow")
		c.Flags().Bool("detach", false, "With --durable, enqueue and print the workflow id without waiting")
	}
}

func confirmAction(prompt string) bool {
	fmt.Print(prompt)
	reader := bufio.NewReader(os.Stdin)
	response, _ := reader.ReadString('\n')
	response = strings.TrimSpace(strings.ToLower(response))
	return response == "y" || response == "yes"
}

// newSweepBar shows a spinner until the total is known
func newSweepBar(description string) *progressbar.ProgressBar {
	if jsonOutput {
		return nil
	}
	return progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("items"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetWriter(os.Stderr),
	)
}

func barProgress(bar *progressbar.ProgressBar) func(maintenance.Progress) {
	if bar == nil {
		return nil
	}
	return func(p maintenance.Progress) {
		if p.Total > 0 && bar.GetMax() != p.Total {
			bar.ChangeMax(p.Total)
		}
		_ = bar.Set(p.Deleted)
	}
}

func runSweep(cmd *cobra.Command, req maintenance.SweepRequest, prompt string) error {
	ctx := cmd.Context()
	durable := mustGetBool(cmd, "durable")
	detach := mustGetBool(cmd, "detach")
	if detach && !durable {
		return fmt.Errorf("--detach requires --durable")
	}

	if !mustGetBool(cmd, "yes") && !confirmAction(prompt) {
		fmt.Println("Aborted.")
		return nil
	}

	bar := newSweepBar("Deleting")
	admin, cfg, closeAdmin, err := openAdmin(ctx, runner.AdminOptions{
		Durable:  durable,
		Progress: barProgress(bar),
	})
	if err != nil {
		return err
	}
	defer closeAdmin()

	if req.Table == "" {
		req.Table = cfg.Storage.FaceTable
	}
	if req.Table == "" {
		return fmt.Errorf("no table given and FACE_TABLE is not set")
	}

	if detach {
		id, err := admin.StartSweep(ctx, req)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(map[string]string{"workflow_id": id})
		}
		fmt.Printf("Sweep enqueued: %s\n", id)
		return nil
	}

	var res maintenance.Result
	if req.EventID != "" {
		res, err = admin.DeleteEvent(ctx, req.EventID)
	} else {
		res, err = admin.EmptyTable(ctx, req.Table)
	}
	if bar != nil {
		_ = bar.Finish()
		fmt.Fprintln(os.Stderr)
	}
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(res)
	}
	fmt.Printf("Deleted %d of %d scanned items from %s in %d batches\n", res.Deleted, res.Scanned, res.Table, res.Batches)
	return nil
}

func runEmptyTable(cmd *cobra.Command, args []string) error {
	var table string
	if len(args) == 1 {
		table = args[0]
	}
	name := table
	if name == "" {
		name = "FACE_TABLE"
	}
	return runSweep(cmd, maintenance.SweepRequest{Table: table},
		fmt.Sprintf("Delete ALL items of %s? [y/N] ", name))
}

func runDeleteEvent(cmd *cobra.Command, args []string) error {
	eventID := args[0]
	return runSweep(cmd, maintenance.SweepRequest{EventID: eventID},
		fmt.Sprintf("Delete every face of event %s? [y/N] ", eventID))
}

func runSweepStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	admin, _, closeAdmin, err := openAdmin(ctx, runner.AdminOptions{Durable: true})
	if err != nil {
		return err
	}
	defer closeAdmin()

	status, err := admin.SweepStatus(ctx, args[0])
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(status)
	}
	fmt.Printf("Workflow: %s\n", status.WorkflowID)
	fmt.Printf("Status:   %s\n", status.Status)
	fmt.Printf("Created:  %s\n", status.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("Updated:  %s\n", status.UpdatedAt.Format("2006-01-02 15:04:05"))
	if status.Error != "" {
		fmt.Printf("Error:    %s\n", status.Error)
	}
	return nil
}

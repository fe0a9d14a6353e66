package main

import (
	"fmt"
	"mime"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/tendant/face-index-pipeline/pkg/client"
	"github.com/tendant/face-index-pipeline/pkg/pipeline"
	"github.com/tendant/face-index-pipeline/pkg/runner"
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <file-reference>...",
	Short: "Enqueue upload jobs for the face worker",
	Long: `Enqueue one job per file reference. A file reference is a path under the
worker's UPLOAD_DIR or an http(s) URL.

Without --server the jobs go straight to QUEUE_URL. With --server they are
posted to a running worker; --batch then submits them as one cohesive batch.

Example:
  face-admin enqueue --event ev42 --client sock-1 uploads/a.jpg uploads/b.jpg`,
	Args: cobra.MinimumNArgs(1),
	RunE: runEnqueue,
}

func init() {
	rootCmd.AddCommand(enqueueCmd)

	enqueueCmd.Flags().String("event", "", "Event id (required)")
	enqueueCmd.Flags().String("client", "", "Client connection id that receives progress (required)")
	enqueueCmd.Flags().String("server", "", "Face worker base URL, e.g. http://localhost:8081")
	enqueueCmd.Flags().Bool("batch", false, "Submit all files as one batch (requires --server)")
	_ = enqueueCmd.MarkFlagRequired("event")
	_ = enqueueCmd.MarkFlagRequired("client")
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	server := mustGetString(cmd, "server")
	batch := mustGetBool(cmd, "batch")

	jobs := make([]pipeline.Job, 0, len(args))
	for _, ref := range args {
		job := pipeline.Job{
			EventID:            mustGetString(cmd, "event"),
			ClientConnectionID: mustGetString(cmd, "client"),
			FileReference:      ref,
			OriginalName:       filepath.Base(ref),
			MimeType:           mime.TypeByExtension(filepath.Ext(ref)),
		}
		if err := job.Validate(); err != nil {
			return fmt.Errorf("%s: %w", ref, err)
		}
		jobs = append(jobs, job)
	}

	if server != "" {
		c := client.New(server)
		if batch {
			resp, err := c.SubmitBatch(ctx, jobs)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(resp)
			}
			fmt.Printf("Batch %s accepted (%d files)\n", resp.BatchID, resp.Total)
			return nil
		}

		var out []pipeline.UploadResponse
		for _, job := range jobs {
			resp, err := c.Upload(ctx, job)
			if err != nil {
				return fmt.Errorf("%s: %w", job.FileReference, err)
			}
			out = append(out, *resp)
			if !jsonOutput {
				fmt.Printf("%s -> %s\n", job.FileReference, resp.MessageID)
			}
		}
		if jsonOutput {
			return printJSON(out)
		}
		return nil
	}

	if batch {
		return fmt.Errorf("--batch requires --server")
	}

	admin, _, closeAdmin, err := openAdmin(ctx, runner.AdminOptions{})
	if err != nil {
		return err
	}
	defer closeAdmin()

	var out []pipeline.UploadResponse
	for _, job := range jobs {
		id, err := admin.Enqueue(ctx, job)
		if err != nil {
			return fmt.Errorf("%s: %w", job.FileReference, err)
		}
		out = append(out, pipeline.UploadResponse{MessageID: id})
		if !jsonOutput {
			fmt.Printf("%s -> %s\n", job.FileReference, id)
		}
	}
	if jsonOutput {
		return printJSON(out)
	}
	return nil
}

package main

import (
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tendant/face-index-pipeline/pkg/runner"
)

var facesCmd = &cobra.Command{
	Use:   "faces",
	Short: "Inspect indexed faces",
}

var facesListCmd = &cobra.Command{
	Use:   "list <event-id>",
	Short: "List the face records of one event",
	Args:  cobra.ExactArgs(1),
	RunE:  runFacesList,
}

var collectionCmd = &cobra.Command{
	Use:   "collection",
	Short: "Manage event face collections",
}

var collectionEnsureCmd = &cobra.Command{
	Use:   "ensure <event-id>",
	Short: "Create the face collection of an event if it does not exist",
	Args:  cobra.ExactArgs(1),
	RunE:  runCollectionEnsure,
}

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Manage guest probe photos",
}

var probePutCmd = &cobra.Command{
	Use:   "put <event-id> <guest-id> <file>",
	Short: "Store a guest's probe photo in the object store",
	Long: `Upload a guest probe photo under {eventId}/guests/{guestId}-{name}.
Probe photos are not indexed.`,
	Args: cobra.ExactArgs(3),
	RunE: runProbePut,
}

func init() {
	rootCmd.AddCommand(facesCmd, collectionCmd, probeCmd)
	facesCmd.AddCommand(facesListCmd)
	collectionCmd.AddCommand(collectionEnsureCmd)
	probeCmd.AddCommand(probePutCmd)
}

func runFacesList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	admin, _, closeAdmin, err := openAdmin(ctx, runner.AdminOptions{})
	if err != nil {
		return err
	}
	defer closeAdmin()

	faces, err := admin.Faces(ctx, args[0])
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(faces)
	}
	if len(faces) == 0 {
		fmt.Printf("No faces indexed for event %s\n", args[0])
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FACE ID\tCONFIDENCE\tBOX (L,T,W,H)\tIMAGE")
	for _, f := range faces {
		b := f.BoundingBox
		fmt.Fprintf(w, "%s\t%.2f\t%.3f,%.3f,%.3f,%.3f\t%s\n", f.FaceID, f.Confidence, b.Left, b.Top, b.Width, b.Height, f.ImageLocator)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Printf("\n%d faces\n", len(faces))
	return nil
}

func runCollectionEnsure(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	admin, _, closeAdmin, err := openAdmin(ctx, runner.AdminOptions{})
	if err != nil {
		return err
	}
	defer closeAdmin()

	id, err := admin.EnsureCollection(ctx, args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(map[string]string{"collection_id": id})
	}
	fmt.Printf("Collection ready: %s\n", id)
	return nil
}

func runProbePut(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	eventID, guestID, path := args[0], args[1], args[2]

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	admin, _, closeAdmin, err := openAdmin(ctx, runner.AdminOptions{})
	if err != nil {
		return err
	}
	defer closeAdmin()

	name := filepath.Base(path)
	locator, err := admin.PutProbe(ctx, eventID, guestID, name, data, mime.TypeByExtension(filepath.Ext(name)))
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(map[string]string{"locator": locator})
	}
	fmt.Printf("Stored %s\n", locator)
	return nil
}

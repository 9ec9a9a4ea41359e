package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mmr-tortoise/buildctx/internal/docker"
	"github.com/mmr-tortoise/buildctx/internal/model"
)

// NewListCommand creates the "list" cobra command.
func NewListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List images built by buildctx",
		Long: `List the images buildctx has built, newest first.

Images are found through the "buildctx.managed-by=buildctx" label, so the
listing needs nothing but the Docker daemon.

Examples:
  buildctx list
  buildctx list --json`,

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd)
		},
	}
	return cmd
}

// runList is the main logic function for the list command.
func runList(cmd *cobra.Command) error {
	ctx := cmd.Context()

	client, err := connectDocker(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	VerboseLog("Listing images labeled %s", docker.FormatLabels(docker.FilterLabels()))
	images, err := client.ListManagedImages(ctx)
	if err != nil {
		return err
	}
	VerboseLog("Found %d managed images", len(images))

	if IsJSONOutput() {
		type resultJSON struct {
			Images []model.ImageInfo `json:"images"`
		}
		if images == nil {
			images = []model.ImageInfo{}
		}
		return printJSON(resultJSON{Images: images})
	}
	printImagesText(os.Stdout, images)
	return nil
}

// printImagesText writes images as a text table:
//
//	IMAGE ID      TAGS         CREATED              SIZE       RUN       REVISION
//	5d41402abc4b  app:latest   2026-10-19 07:00:41  412.3 MiB  7f1c2a44  4b825dc6
func printImagesText(w io.Writer, images []model.ImageInfo) {
	if len(images) == 0 {
		fmt.Fprintln(w, "No images built by buildctx found.")
		return
	}

	fmt.Fprintf(w, "%-13s %-20s %-20s %-10s %-9s %s\n",
		"IMAGE ID", "TAGS", "CREATED", "SIZE", "RUN", "REVISION")

	for _, img := range images {
		fmt.Fprintf(w, "%-13s %-20s %-20s %-10s %-9s %s\n",
			model.ShortID(img.ID),
			FormatTags(img.Tags),
			img.CreatedAt.Local().Format("2006-01-02 15:04:05"),
			formatSize(img.Size),
			abbrev(img.RunID, 8),
			dashIfEmpty(abbrev(img.Revision, 8)),
		)
	}
}

// FormatTags joins image tags for display. Returns "<none>" for dangling
// images, the way docker prints them.
func FormatTags(tags []string) string {
	if len(tags) == 0 {
		return "<none>"
	}
	return strings.Join(tags, ",")
}

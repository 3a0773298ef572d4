package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/blinktrace/internal/store"
	"github.com/andresmejia3/blinktrace/internal/utils"
	"github.com/spf13/cobra"
)

var listLimit int

var listCmd = &cobra.Command{
	Use:         "list",
	Short:       "List stored analyses, newest first",
	Annotations: map[string]string{dbAnnotation: dbRequired},
	RunE: func(cmd *cobra.Command, args []string) error {
		analyses, err := DB.ListAnalyses(cmd.Context(), listLimit)
		if err != nil {
			utils.ShowError("Failed to list analyses", err, nil)
			return err
		}
		printAnalyses(os.Stdout, analyses)
		return nil
	},
}

func init() {
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 50, "Maximum number of analyses to show")
	rootCmd.AddCommand(listCmd)
}

func printAnalyses(out io.Writer, analyses []store.Analysis) {
	if len(analyses) == 0 {
		fmt.Fprintln(out, "No analyses found in database.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tVIDEO\tSTATUS\tFRAMES\tLENGTH\tBLINKS\tCREATED")
	fmt.Fprintln(w, "--\t-----\t------\t------\t------\t------\t-------")

	for _, a := range analyses {
		frames := fmt.Sprintf("%d/%d", a.Summary.ProcessedFrames, a.Summary.TotalFrames)
		if a.Summary.Interrupted {
			frames += "*"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			a.ID, a.Path, statusLabel(a.Status), frames, utils.FmtTime(a.Summary.Duration()),
			a.BlinkCount, a.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
}

func statusLabel(s string) string {
	switch s {
	case store.StatusSuccess:
		return "ok"
	case store.StatusError:
		return "failed"
	}
	return s
}

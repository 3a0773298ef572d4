package cmd

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"

	"github.com/andresmejia3/blinktrace/internal/store"
	"github.com/andresmejia3/blinktrace/internal/utils"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var showSeries bool

var showCmd = &cobra.Command{
	Use:         "show <analysis-id>",
	Short:       "Show one stored analysis",
	Args:        cobra.ExactArgs(1),
	Annotations: map[string]string{dbAnnotation: dbRequired},
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid analysis id %q: %w", args[0], err)
		}
		a, err := DB.GetAnalysis(cmd.Context(), id)
		if err != nil {
			utils.ShowError("Failed to load analysis", err, nil)
			return err
		}
		if showSeries {
			return writeSeries(os.Stdout, a)
		}
		printAnalysis(os.Stdout, a)
		return nil
	},
}

func init() {
	showCmd.Flags().BoolVar(&showSeries, "series", false, "Print the per-frame series as CSV instead of the summary")
	rootCmd.AddCommand(showCmd)
}

func printAnalysis(w io.Writer, a store.Analysis) {
	s := a.Summary
	fmt.Fprintf(w, "Analysis:    %s (%s)\n", a.ID, statusLabel(a.Status))
	fmt.Fprintf(w, "Video:       %s\n", a.Path)
	fmt.Fprintf(w, "Video ID:    %s\n", shortID(a.VideoID))
	fmt.Fprintf(w, "Created:     %s\n", a.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	fmt.Fprintf(w, "Resolution:  %dx%d @ %.2f fps\n", s.Width, s.Height, s.FPS)
	fmt.Fprintf(w, "Frames:      %d of %d (%s)\n", s.ProcessedFrames, s.TotalFrames, utils.FmtTime(s.Duration()))
	if s.Interrupted {
		fmt.Fprintln(w, "Interrupted: yes")
	}
	fmt.Fprintf(w, "Eye:         %s\n", a.Eye)
	fmt.Fprintf(w, "Config:      %s\n", a.Config)
	fmt.Fprintf(w, "Blinks:      %d\n", a.BlinkCount)
	if len(a.Errors) > 0 {
		fmt.Fprintf(w, "Errors:      %d\n", len(a.Errors))
		for _, e := range a.Errors {
			fmt.Fprintf(w, "  - %s\n", e)
		}
	}
}

// writeSeries emits one CSV row per frame. Undefined EAR samples are left empty.
func writeSeries(w io.Writer, a store.Analysis) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"frame", "seconds", "ear", "blinks"}); err != nil {
		return err
	}
	for i, v := range a.EAR {
		sec := ""
		if a.Summary.FPS > 0 {
			sec = strconv.FormatFloat(float64(i)/a.Summary.FPS, 'f', 3, 64)
		}
		ear := ""
		if !math.IsNaN(v) && !math.IsInf(v, 0) {
			ear = strconv.FormatFloat(v, 'f', 6, 64)
		}
		blinks := ""
		if i < len(a.Blinks) {
			blinks = strconv.Itoa(a.Blinks[i])
		}
		if err := cw.Write([]string{strconv.Itoa(i), sec, ear, blinks}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

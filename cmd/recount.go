package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/andresmejia3/blinktrace/internal/pipeline"
	"github.com/andresmejia3/blinktrace/internal/report"
	"github.com/andresmejia3/blinktrace/internal/utils"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	recountFlags BlinkFlags
	recountSave  bool
	recountPlot  string
)

var recountCmd = &cobra.Command{
	Use:         "recount <analysis-id>",
	Short:       "Count blinks again on a stored EAR series with different options",
	Long:        "Reuses the EAR series of a stored analysis, so no video decoding or landmark detection is needed. Options not given on the command line keep the values the analysis was stored with.",
	Args:        cobra.ExactArgs(1),
	Annotations: map[string]string{dbAnnotation: dbRequired},
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid analysis id %q: %w", args[0], err)
		}
		override, warnings, err := blinkConfig(recountFlags, cmd.Flags().Changed)
		if err != nil {
			utils.ShowError("Invalid blink options", err, nil)
			return err
		}

		stored, err := DB.GetAnalysis(cmd.Context(), id)
		if err != nil {
			utils.ShowError("Failed to load analysis", err, nil)
			return err
		}
		before := stored.BlinkCount

		rep, err := pipeline.Recount(stored, override)
		if err != nil {
			utils.ShowError("Recount failed", err, nil)
			return err
		}
		rep.Errors = append(warnings, rep.Errors...)

		fmt.Printf("🎚️  Blink config: %s\n", rep.Config)
		fmt.Printf("👁️  Blinks:       %d (stored: %d)\n", rep.BlinkCount, before)
		for _, w := range rep.Warnings() {
			fmt.Fprintf(os.Stderr, "⚠️  %v\n", w)
		}

		if recountPlot != "" {
			if err := report.PlotSeries(recountPlot, rep.EAR, rep.Thresholds, rep.Blinks, rep.Summary.FPS); err != nil {
				utils.ShowError("Failed to save plot", err, nil)
			} else {
				fmt.Printf("📈 Plot saved to %s\n", recountPlot)
			}
		}

		if recountSave {
			cfg, err := json.Marshal(rep.Config)
			if err != nil {
				return err
			}
			if err := DB.UpdateBlinks(cmd.Context(), id, string(cfg), rep.Blinks); err != nil {
				utils.ShowError("Failed to save recount", err, nil)
				return err
			}
			fmt.Println("💾 Stored blink series updated.")
		}
		return nil
	},
}

func init() {
	addBlinkFlags(recountCmd, &recountFlags)
	recountCmd.Flags().BoolVar(&recountSave, "save", false, "Replace the stored blink series with the new one")
	recountCmd.Flags().StringVar(&recountPlot, "plot", "", "Save an EAR/threshold/blink chart (.png, .svg or .pdf)")
	rootCmd.AddCommand(recountCmd)
}

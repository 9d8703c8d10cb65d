package cmd

import (
	"fmt"

	"github.com/audiolibrelab/midicapture/internal/service"

	"github.com/spf13/cobra"
)

var infoCmd = &cobra.Command{
	Use:   "info [file]",
	Short: "Show the contents of a recorded take",
	Long:  `Decode a Standard MIDI File and print its note events and timing summary.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := resolveTakePath(args[0])

		svc := service.New(cfg)
		defer svc.Close()

		info, err := svc.Info(path)
		if err != nil {
			return err
		}

		fmt.Printf("=== TAKE ===\n")
		fmt.Printf("file: %s\n", path)
		fmt.Printf("notes: %d\n", info.NoteOns)
		fmt.Printf("duration: %.3fs\n", info.Duration)
		fmt.Printf("tempo: %.0f BPM, %d ticks per quarter\n", cfg.Tempo.BPM, cfg.Tempo.TicksPerQuarter)

		fmt.Printf("\n=== EVENTS ===\n")
		for _, ev := range info.Events {
			kind := "off"
			if ev.NoteOn {
				kind = "on "
			}
			fmt.Printf("%8.3fs  %s  note=%3d velocity=%3d\n", ev.Time, kind, ev.Note, ev.Velocity)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

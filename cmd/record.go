package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/audiolibrelab/midicapture/internal/config"
	"github.com/audiolibrelab/midicapture/internal/service"

	"github.com/spf13/cobra"
)

var (
	recordMode     string
	recordDuration float64
	recordPort     string
)

var recordCmd = &cobra.Command{
	Use:   "record [song-name]",
	Short: "Record a MIDI take from the connected instrument",
	Long: `Record incoming MIDI notes after a four beat count-in.

In silence mode the take ends after a pause with no new notes; in
fixed mode it ends after a set duration. Either way the take is
written as a Standard MIDI File under the output directory.
Press Ctrl+C during the count-in to abandon the take, or while
recording to stop and keep what was captured.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		songName := args[0]

		if recordMode != "" {
			cfg.Capture.Mode = recordMode
		}
		if recordDuration > 0 {
			cfg.Capture.Mode = config.CaptureModeFixed
			cfg.Capture.FixedDuration = recordDuration
		}
		if recordPort != "" {
			cfg.Input.Port = recordPort
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		svc := service.New(cfg, service.WithIndicator(beatPrinter{}))
		defer svc.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		slog.Info("Starting capture session", "song_name", songName, "mode", cfg.Capture.Mode,
			"bpm", cfg.Tempo.BPM)
		fmt.Printf("Count-in: %d beats at %.0f BPM. Play after the count-in.\n",
			cfg.Tempo.CountInBeats, cfg.Tempo.BPM)

		path, err := svc.Record(ctx, songName)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				fmt.Println("Take abandoned.")
				return nil
			}
			return fmt.Errorf("recording failed: %w", err)
		}

		fmt.Printf("Saved take to %s\n", path)
		return nil
	},
}

// beatPrinter shows the count-in and recording beats on the terminal.
type beatPrinter struct{}

func (beatPrinter) Beat(beat int, countingIn bool) {
	if countingIn {
		fmt.Printf("%d.. ", beat)
		return
	}
	if beat == 1 {
		fmt.Println("go!")
	}
}

func (beatPrinter) Reset() {
	fmt.Println()
}

func init() {
	recordCmd.Flags().StringVarP(&recordMode, "mode", "m", "", "capture mode: silence or fixed (overrides config)")
	recordCmd.Flags().Float64VarP(&recordDuration, "duration", "d", 0, "fixed capture duration in seconds (implies fixed mode)")
	recordCmd.Flags().StringVarP(&recordPort, "port", "p", "", "MIDI input port substring (overrides config)")
}

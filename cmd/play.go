package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/audiolibrelab/midicapture/internal/service"

	"github.com/spf13/cobra"
)

var (
	playDuration float64
	playLoops    int
)

var playCmd = &cobra.Command{
	Use:   "play [file]",
	Short: "Replay a recorded take",
	Long: `Replay a Standard MIDI File with a forced total duration.

Every pass lasts exactly the forced duration regardless of where the
last note falls, so looped playback stays locked to the backing
tempo. Notes that would start past the forced duration are dropped
and sustains are clamped to it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := resolveTakePath(args[0])

		svc := service.New(cfg)
		defer svc.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Printf("Playing %s\n", path)
		err := svc.Play(ctx, path, playDuration, playLoops)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("playback failed: %w", err)
		}
		return nil
	},
}

// resolveTakePath treats a bare name as a take in the output
// directory and anything with a path separator or extension as a
// literal file path.
func resolveTakePath(arg string) string {
	if _, err := os.Stat(arg); err == nil {
		return arg
	}
	return service.TakePath(cfg, arg)
}

func init() {
	playCmd.Flags().Float64VarP(&playDuration, "duration", "d", 0, "forced total duration in seconds (default from config)")
	playCmd.Flags().IntVarP(&playLoops, "loop", "l", 1, "number of passes, -1 to loop until interrupted")
}

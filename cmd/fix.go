package cmd

import (
	"fmt"
	"strings"

	"github.com/audiolibrelab/midicapture/internal/service"

	"github.com/spf13/cobra"
)

var (
	fixTarget float64
	fixOutput string
)

var fixCmd = &cobra.Command{
	Use:   "fix [file]",
	Short: "Pad a take to the target duration",
	Long: `Rewrite a Standard MIDI File so its track spans the full target
duration. A quiet sustain marker is added at the start and released
at exactly the target time, so players that stop at the last event
still play the full length. Useful for takes that end early and cut
loops short in other players.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := resolveTakePath(args[0])
		out := fixOutput
		if out == "" {
			out = fixedPath(in)
		}

		svc := service.New(cfg)
		defer svc.Close()

		if err := svc.Fix(in, out, fixTarget); err != nil {
			return err
		}
		fmt.Printf("Wrote padded file to %s\n", out)
		return nil
	},
}

// fixedPath derives the default output name, take.mid -> take_fixed.mid.
func fixedPath(in string) string {
	if i := strings.LastIndex(in, "."); i > 0 {
		return in[:i] + "_fixed" + in[i:]
	}
	return in + "_fixed"
}

func init() {
	fixCmd.Flags().Float64VarP(&fixTarget, "target", "t", 0, "target duration in seconds (default from config)")
	fixCmd.Flags().StringVarP(&fixOutput, "output", "o", "", "output file (default adds _fixed suffix)")
}

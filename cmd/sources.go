package cmd

import (
	"fmt"

	"github.com/audiolibrelab/midicapture/internal/service"

	"github.com/spf13/cobra"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List available MIDI input ports",
	Long: `List the MIDI input ports the recorder can capture from.
Ports matching the configured excluded patterns are filtered out.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ports, err := service.ListSources(cfg.Input)
		if err != nil {
			return fmt.Errorf("failed to list MIDI inputs: %w", err)
		}

		if len(ports) == 0 {
			fmt.Println("No MIDI input ports found. Connect an instrument and try again.")
			return nil
		}

		fmt.Printf("MIDI INPUT PORTS (%d found):\n", len(ports))
		for i, port := range ports {
			fmt.Printf("  %d. %s\n", i+1, port)
		}
		fmt.Printf("\nSelect a port with input.port in the config file; a substring match is enough.\n")
		return nil
	},
}

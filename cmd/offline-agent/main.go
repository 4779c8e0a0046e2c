// Command offline-agent runs the offline agent behind an HTTP surface and
// manages its cache generations.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// newRootCommand creates the root command. Configuration comes from
// OFFLINE_AGENT_* environment variables.
func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "offline-agent",
		Short:         "Cache-first offline agent",
		Long:          "Precaches a versioned asset manifest, serves fetches cache-first and relays push notifications.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newServeCommand())
	cmd.AddCommand(newCachesCommand())

	return cmd
}

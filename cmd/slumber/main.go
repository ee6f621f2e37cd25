package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// apiFlags holds the connection flags shared by all remote commands.
type apiFlags struct {
	URL string
}

func buildRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "slumber",
		Short:         "Lazy supervisor for on-demand worker servers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	api := &apiFlags{}
	root.PersistentFlags().StringVar(&api.URL, "api", "http://localhost:8372/api",
		"base URL of a running slumber daemon")

	root.AddCommand(
		newServeCommand(),
		newStartCommand(api),
		newStopCommand(api),
		newStatusCommand(api),
		newListCommand(api),
		newMetricsCommand(api),
		newSweepCommand(api),
	)
	return root
}

// Command elementsctl is the operator tool for the elements platform's
// integration layer: it serves the module-discovery dashboard and runs
// one-shot health checks against the registered modules.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "elementsctl",
	Short: "Operator tool for the elements module registry",
	Long: "elementsctl serves the module-discovery dashboard and probes the\n" +
		"health of the platform's registered modules.",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkCmd)
}

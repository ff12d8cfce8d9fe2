// Package cmd wires the burrow CLI: a client subcommand that exposes a
// local service through a remote proxy, and a server subcommand that
// runs the proxy itself.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "burrow",
	Short:         "Expose a local TCP service through a public proxy server",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddCommand(clientCmd)
	rootCmd.AddCommand(serverCmd)
}

// Execute runs the CLI. Invocations that start with a flag instead of a
// subcommand are treated as the client subcommand, so plain
// `burrow --port 9000` keeps working.
func Execute() {
	args := os.Args[1:]
	if needsDefaultSubcommand(args) {
		args = append([]string{"client"}, args...)
	}
	rootCmd.SetArgs(args)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func needsDefaultSubcommand(args []string) bool {
	if len(args) == 0 {
		return true
	}
	switch args[0] {
	case "", "-h", "--help", "-V", "--version", "help", "completion":
		return false
	}
	return args[0][0] == '-'
}

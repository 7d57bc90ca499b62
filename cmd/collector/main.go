package main

import (
	"fmt"
	"os"

	"github.com/adred-codev/collector/internal/reactor"
	"github.com/spf13/cobra"
	_ "go.uber.org/automaxprocs"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Process exit codes.
const (
	exitOK          = 0
	exitFatal       = 1
	exitBindFailure = 2 // listener could not bind (port in use, no privilege)
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "collector",
		Short: "Agent collector",
		Long: `Agent collector accepts HTTP/1.1 requests from remote agents,
dispatches them to the agent controller on a worker pool, and runs the
collector's periodic jobs (heartbeat, network check, session sweep).`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		versionCmd(),
	)

	os.Exit(exitCode(rootCmd.Execute()))
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	fmt.Fprintf(os.Stderr, "Error: %s\n", err)
	if reactor.IsBindError(err) {
		return exitBindFailure
	}
	return exitFatal
}

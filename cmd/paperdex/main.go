package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kalambet/paperdex/internal/repo"
)

var version = "dev"

var (
	cfgFile string
	noColor bool
)

// errTransport marks stdio transport failures so main can map them to
// the right exit code.
var errTransport = errors.New("transport error")

var rootCmd = &cobra.Command{
	Use:           "paperdex",
	Short:         "Research paper search, metadata, and PDF acquisition over MCP",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the paperdex version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(os.Stdout, "paperdex %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (default: ./paperdex.yaml, ~/.paperdex/paperdex.yaml)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(downloadCmd)
	rootCmd.AddCommand(metadataCmd)
}

// exitCode maps a fatal error to the process exit code: 1 for
// configuration errors, 2 for transport errors, 3 for a cache-lock
// conflict held by another instance.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var lockErr *repo.LockHeldError
	if errors.As(err, &lockErr) {
		return 3
	}
	if errors.Is(err, errTransport) {
		return 2
	}
	// Config validation failures and anything else fatal at startup.
	return 1
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(exitCode(err))
	}
}

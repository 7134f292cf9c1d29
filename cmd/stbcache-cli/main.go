package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/piwi3910/stbcache/cmd/stbcache-cli/commands"
)

var (
	// Version is set at build time
	Version = "dev"
	// Commit is set at build time
	Commit = "none"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "stbcache-cli",
		Short: "stbcache CLI - inspect the set-top box cache and broadcast test carousels",
		Long: `stbcache-cli talks to the admin API of a running stbcached and can
build and transmit object carousels for testing.

Configure the daemon address:
  stbcache-cli config set admin-url http://192.168.1.20:8081

Or use environment variables:
  STBCACHE_ADMIN_URL
  STBCACHE_GROUP
  STBCACHE_PORT`,
		Version:       fmt.Sprintf("%s (commit: %s)", Version, Commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Add sub-commands
	rootCmd.AddCommand(commands.NewConfigCmd())
	rootCmd.AddCommand(commands.NewStatsCmd())
	rootCmd.AddCommand(commands.NewEntriesCmd())
	rootCmd.AddCommand(commands.NewPurgeCmd())
	rootCmd.AddCommand(commands.NewSweepCmd())
	rootCmd.AddCommand(commands.NewCarouselCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

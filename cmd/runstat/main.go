package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/runstat/pkg/client"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	APIUrl     string
	APITimeout time.Duration
	APIToken   string
	APIUser    string
	JSON       bool
}

// buildRoot creates the root command with all subcommands.
func buildRoot() *cobra.Command {
	flags := &GlobalFlags{}
	root := createRootCommand(flags)
	root.AddCommand(
		createServeCommand(flags),
		createStatusCommand(flags),
		createStartCommand(flags),
		createStopCommand(flags),
		createHashPasswordCommand(),
	)
	return root
}

// createRootCommand creates the root command with persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "runstat",
		Short: "Runtime status for container-backed services",
		Long: `Runstat starts and stops the containers behind a fixed set of services
and reports whether each one is running, still settling, and how much CPU
and memory it uses.

Examples:
  runstat serve --config runstat.toml   # Start daemon
  runstat status                        # All services
  runstat start tor
  runstat status tor --api-url=http://remote:8787/api`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "daemon API URL (default from config or "+client.DefaultBaseURL+")")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", client.DefaultTimeout, "request timeout")
	root.PersistentFlags().StringVar(&flags.APIToken, "api-token", os.Getenv("RUNSTAT_API_TOKEN"), "bearer token for a daemon with auth enabled")
	root.PersistentFlags().StringVar(&flags.APIUser, "api-user", "", "basic auth user; the password is read from RUNSTAT_API_PASSWORD")
	root.PersistentFlags().BoolVar(&flags.JSON, "json", false, "print JSON instead of a table")
	return root
}

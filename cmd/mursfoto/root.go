package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mursfoto/mursfoto-cli/internal/plugin"
)

var (
	verbose    bool
	projectDir string
)

var rootCmd = &cobra.Command{
	Use:   "mursfoto",
	Short: "Project tooling with a sandboxed Lua plugin runtime",
	Long: `Mursfoto is a developer CLI extensible through Lua plugins.

Plugins live under .mursfoto/plugins/<name>/, declare the permissions
they need in plugin.json and reach the host only through the mursfoto
module. Undeclared capabilities are simply not there at runtime.`,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&projectDir, "project", "p", ".", "project directory")
}

func newLogger() zerolog.Logger {
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()
}

func newManager(logger zerolog.Logger) (*plugin.Manager, error) {
	return plugin.NewManager(projectDir, plugin.WithManagerLogger(logger))
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

var runOpts []string

var runCmd = &cobra.Command{
	Use:   "run <command> [args...]",
	Short: "Run a plugin command",
	Long: `Load the installed plugins and execute one of their registered
commands.

Examples:
  mursfoto run greet world
  mursfoto run deploy --opt env=staging --opt dry_run=true`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPluginCommand(cmd.Context(), args[0], args[1:])
	},
}

var commandsCmd = &cobra.Command{
	Use:   "commands",
	Short: "List the commands provided by installed plugins",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runListCommands(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(commandsCmd)

	runCmd.Flags().StringArrayVar(&runOpts, "opt", nil,
		"command option as key=value (repeatable)")
}

func runPluginCommand(ctx context.Context, name string, args []string) error {
	logger := newLogger()
	m, err := newManager(logger)
	if err != nil {
		return err
	}
	defer m.Close(ctx)

	if _, err := m.LoadAll(ctx); err != nil {
		// A broken plugin must not block the others' commands.
		logger.Warn().Err(err).Msg("some plugins failed to load")
	}

	result, err := m.ExecuteCommand(ctx, name, args, parseOpts(runOpts))
	if err != nil {
		return err
	}
	return printResult(result)
}

func runListCommands(ctx context.Context) error {
	logger := newLogger()
	m, err := newManager(logger)
	if err != nil {
		return err
	}
	defer m.Close(ctx)

	if _, err := m.LoadAll(ctx); err != nil {
		logger.Warn().Err(err).Msg("some plugins failed to load")
	}

	cmds := m.Commands()
	if len(cmds) == 0 {
		fmt.Println("No plugin commands registered.")
		return nil
	}
	for _, cmd := range cmds {
		line := fmt.Sprintf("%s (%s)", cmd.Name, cmd.Plugin)
		if cmd.Description != "" {
			line += "  " + cmd.Description
		}
		fmt.Println(line)
	}
	return nil
}

// parseOpts converts repeated key=value flags into the options map
// handed to the plugin. Booleans and numbers are recognized so plugins
// get typed values instead of strings.
func parseOpts(pairs []string) map[string]any {
	if len(pairs) == 0 {
		return nil
	}
	opts := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, _ := strings.Cut(pair, "=")
		switch {
		case raw == "true" || raw == "false":
			opts[key] = raw == "true"
		default:
			if n, err := strconv.ParseFloat(raw, 64); err == nil {
				opts[key] = n
			} else {
				opts[key] = raw
			}
		}
	}
	return opts
}

func printResult(result any) error {
	switch v := result.(type) {
	case nil:
		return nil
	case string:
		fmt.Println(v)
		return nil
	default:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}
}

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mursfoto/mursfoto-cli/internal/plugin"
	"github.com/mursfoto/mursfoto-cli/internal/registry"
)

var registryURL string

var pluginCmd = &cobra.Command{
	Use:   "plugin",
	Short: "Manage plugins",
	Long:  `List, inspect, install and verify the plugins of this project.`,
}

var pluginListCmd = &cobra.Command{
	Use:   "list",
	Short: "List installed plugins",
	RunE: func(_ *cobra.Command, _ []string) error {
		return runPluginList()
	},
}

var pluginInfoCmd = &cobra.Command{
	Use:   "info <name>",
	Short: "Show plugin details",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return runPluginInfo(args[0])
	},
}

var pluginLoadCmd = &cobra.Command{
	Use:   "load <name>",
	Short: "Load a plugin once to verify it",
	Long: `Run the full load pipeline for a plugin: manifest validation,
permission check, sandbox construction and activation. Useful while
developing a plugin to catch problems before they bite a command.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPluginLoad(cmd.Context(), args[0])
	},
}

var pluginInstallCmd = &cobra.Command{
	Use:   "install <name>[@version]",
	Short: "Install a plugin from the registry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPluginInstall(cmd.Context(), args[0])
	},
}

func init() {
	rootCmd.AddCommand(pluginCmd)
	pluginCmd.AddCommand(pluginListCmd)
	pluginCmd.AddCommand(pluginInfoCmd)
	pluginCmd.AddCommand(pluginLoadCmd)
	pluginCmd.AddCommand(pluginInstallCmd)

	pluginInstallCmd.Flags().StringVar(&registryURL, "registry",
		registry.DefaultBaseURL, "plugin registry URL")
}

func runPluginList() error {
	loader := plugin.NewLoader(projectDir, plugin.WithLoaderLogger(newLogger()))

	found, err := loader.Discover()
	if err != nil {
		return err
	}
	if len(found) == 0 {
		fmt.Println("No plugins installed.")
		fmt.Println()
		fmt.Println("Install plugins with:")
		fmt.Println("  mursfoto plugin install <name>")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tVERSION\tPERMISSIONS\tDESCRIPTION")
	for _, d := range found {
		perms := make([]string, len(d.Manifest.Permissions))
		for i, p := range d.Manifest.Permissions {
			perms[i] = string(p)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			d.Manifest.Name,
			d.Manifest.Version,
			strings.Join(perms, ","),
			d.Manifest.Description,
		)
	}
	return w.Flush()
}

func runPluginInfo(name string) error {
	loader := plugin.NewLoader(projectDir, plugin.WithLoaderLogger(newLogger()))

	dir, err := loader.FindPlugin(name)
	if err != nil {
		return err
	}
	m, err := plugin.LoadManifest(dir)
	if err != nil {
		return err
	}

	fmt.Printf("Name:        %s\n", m.Name)
	fmt.Printf("Version:     %s\n", m.Version)
	if m.Description != "" {
		fmt.Printf("Description: %s\n", m.Description)
	}
	if m.Author != "" {
		fmt.Printf("Author:      %s\n", m.Author)
	}
	fmt.Printf("Directory:   %s\n", dir)
	fmt.Printf("Entry:       %s\n", m.EntryPoint())
	if len(m.Permissions) > 0 {
		perms := make([]string, len(m.Permissions))
		for i, p := range m.Permissions {
			perms[i] = string(p)
		}
		fmt.Printf("Permissions: %s\n", strings.Join(perms, ", "))
	}
	for cmdName, spec := range m.Commands {
		fmt.Printf("Command:     %s  %s\n", cmdName, spec.Description)
	}
	for hookName, handler := range m.Hooks {
		fmt.Printf("Hook:        %s -> %s\n", hookName, handler)
	}
	return nil
}

func runPluginLoad(ctx context.Context, name string) error {
	logger := newLogger()
	m, err := newManager(logger)
	if err != nil {
		return err
	}
	defer m.Close(ctx)

	info, err := m.LoadPlugin(ctx, name)
	if err != nil {
		return err
	}

	fmt.Printf("%s %s loaded (%s)\n", info.Name, info.Version, info.Status)
	for _, cmd := range m.Commands() {
		fmt.Printf("  command: %s  %s\n", cmd.Name, cmd.Description)
	}
	for _, hookName := range m.Hooks() {
		fmt.Printf("  hook:    %s\n", hookName)
	}
	return nil
}

func runPluginInstall(ctx context.Context, spec string) error {
	logger := newLogger()
	client := registry.NewClient(
		registry.WithBaseURL(registryURL),
		registry.WithClientLogger(logger),
	)

	name, version, _ := strings.Cut(spec, "@")
	if version == "" {
		info, err := client.Info(ctx, name)
		if err != nil {
			return err
		}
		version = info.Version
	}

	artifact, err := client.Download(ctx, name, version, os.TempDir())
	if err != nil {
		return err
	}
	defer os.Remove(artifact)

	dest := filepath.Join(projectDir, plugin.PluginsDir, name)
	if err := registry.Extract(artifact, dest); err != nil {
		return err
	}
	if _, err := plugin.LoadManifest(dest); err != nil {
		return fmt.Errorf("installed package is not a valid plugin: %w", err)
	}

	fmt.Printf("Installed %s %s to %s\n", name, version, dest)
	return nil
}

package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mursfoto/mursfoto-cli/internal/plugin/watcher"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch plugin directories and reload on change",
	Long: `Load the installed plugins and keep them loaded, reloading any
plugin whose files change on disk. Intended for plugin development;
stop with Ctrl-C.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runWatch(cmd)
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command) error {
	logger := newLogger()
	m, err := newManager(logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	defer m.Close(ctx)

	if _, err := m.LoadAll(ctx); err != nil {
		logger.Warn().Err(err).Msg("some plugins failed to load")
	}
	for _, info := range m.LoadedPlugins() {
		fmt.Printf("loaded %s %s\n", info.Name, info.Version)
	}

	w, err := watcher.New(m.Loader().SearchPaths(), watcher.WithLogger(logger))
	if err != nil {
		return err
	}
	defer w.Close()

	fmt.Println("watching for plugin changes, Ctrl-C to stop")
	w.Run(ctx, func(c watcher.Change) {
		info, err := m.ReloadPlugin(ctx, c.Plugin)
		if err != nil {
			logger.Error().Err(err).Str("plugin", c.Plugin).Msg("reload failed")
			return
		}
		logger.Info().Str("plugin", info.Name).Str("version", info.Version).Msg("reloaded")
	})
	return nil
}

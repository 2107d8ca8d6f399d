package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mursfoto/mursfoto-cli/internal/registry"
)

var searchRegistryURL string

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search the plugin registry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := registry.NewClient(
			registry.WithBaseURL(searchRegistryURL),
			registry.WithClientLogger(newLogger()),
		)

		results, err := client.Search(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(results) == 0 {
			fmt.Println("No plugins matched.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tVERSION\tDOWNLOADS\tDESCRIPTION")
		for _, r := range results {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", r.Name, r.Version, r.Downloads, r.Description)
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(searchCmd)
	searchCmd.Flags().StringVar(&searchRegistryURL, "registry",
		registry.DefaultBaseURL, "plugin registry URL")
}

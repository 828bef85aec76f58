package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/austindbirch/hookrelay/internal/catalog"
	"github.com/austindbirch/hookrelay/internal/health"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the hookrelay API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var st health.Status
		err := newClient().do(cmd.Context(), http.MethodGet, "/healthz", nil, &st)
		out := cmd.OutOrStdout()
		if err != nil {
			fmt.Fprintf(out, "✗ Service is unhealthy: %v\n", err)
			return err
		}
		if outputJSON {
			return printJSON(out, st)
		}
		fmt.Fprintln(out, "✓ Service is healthy")
		return nil
	},
}

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Show the recognized source systems and event types",
	RunE: func(cmd *cobra.Command, _ []string) error {
		var cat catalog.Catalog
		if err := newClient().do(cmd.Context(), http.MethodGet, "/api/catalog", nil, &cat); err != nil {
			return fmt.Errorf("failed to fetch catalog: %w", err)
		}
		out := cmd.OutOrStdout()
		if outputJSON {
			return printJSON(out, cat)
		}
		fmt.Fprintf(out, "Catalog %s\n", cat.Version)
		fmt.Fprintln(out, "Sources:")
		for _, s := range cat.Sources {
			fmt.Fprintf(out, "  %-10s %s\n", s.Name, s.URL)
		}
		fmt.Fprintln(out, "Event types:")
		for _, et := range cat.EventTypes {
			fmt.Fprintf(out, "  %s\n", et)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd, catalogCmd)
}

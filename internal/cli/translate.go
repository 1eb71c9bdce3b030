package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/carverauto/serviceradar/srql/internal/catalog"
	"github.com/carverauto/serviceradar/srql/internal/engine"
	"github.com/carverauto/serviceradar/srql/internal/planner"
	"github.com/carverauto/serviceradar/srql/internal/scope"
)

type TranslateCmd struct{}

func NewTranslateCmd() *TranslateCmd {
	return &TranslateCmd{}
}

func (c *TranslateCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "translate <query>",
		Short: "Plan a query locally and print the backend statement without running it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			catalogPath, err := cmd.Root().PersistentFlags().GetString("catalog")
			if err != nil {
				return fmt.Errorf("failed to get catalog flag: %w", err)
			}
			tenant, err := cmd.Flags().GetString("tenant")
			if err != nil {
				return fmt.Errorf("failed to get tenant flag: %w", err)
			}
			asJSON, err := cmd.Flags().GetBool("json")
			if err != nil {
				return fmt.Errorf("failed to get json flag: %w", err)
			}

			cat, err := loadCatalog(catalogPath)
			if err != nil {
				return err
			}
			p, err := planner.New(planner.Config{Catalog: cat})
			if err != nil {
				return err
			}
			eng, err := engine.New(engine.Config{Logger: newLogger(cmd), Planner: p})
			if err != nil {
				return err
			}

			t, err := eng.Translate(scope.Scope{Tenant: tenant}, strings.Join(args, " "), planner.Request{})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(t)
			}

			fmt.Fprintf(out, "-- %s %s on %s\n", t.Kind, t.Entity, t.Store)
			fmt.Fprintln(out, t.Display)
			return nil
		},
	}

	cmd.Flags().String("tenant", "", "tenant to scope the statement to")
	cmd.Flags().Bool("json", false, "print the full translation as JSON")

	return cmd
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return catalog.Load(data)
}

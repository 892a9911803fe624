package cli

import (
	"github.com/spf13/cobra"

	"trafficlake/internal/contract"
	"trafficlake/internal/loader"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialise the warehouse: data directories, metastore schema, derived views",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap()
			if err != nil {
				return err
			}
			defer a.Close()

			// Bootstrap already created the data dir and migrated the
			// metastore. The views bind against the destination tables,
			// so empty ones are created first on a fresh warehouse.
			if err := loader.EnsureBaseTables(cmd.Context(), a.duck, contract.Builtin()); err != nil {
				return err
			}
			if err := loader.CreateDerivedViews(cmd.Context(), a.duck, a.cfg); err != nil {
				return err
			}
			a.logger.Info("warehouse initialised",
				"warehouse", a.cfg.DuckDBPath, "metastore", a.cfg.MetaDBPath)
			return nil
		},
	}
}

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/adboard/ledger/internal/platform/migrations"
)

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
	migrateCmd.AddCommand(migrateStatusCmd)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		rt, err := connect(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer rt.Close()
		if err := migrations.Up(cmd.Context(), rt.pool); err != nil {
			return err
		}
		version, err := migrations.Version(cmd.Context(), rt.pool)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", version)
		return nil
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the latest migration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		rt, err := connect(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer rt.Close()
		return migrations.Down(cmd.Context(), rt.pool)
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show embedded and applied schema versions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		available, err := migrations.Available()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "embedded versions: %v\n", available)
		if offline, _ := cmd.Flags().GetBool("offline"); offline {
			return nil
		}
		rt, err := connect(cmd.Context(), false)
		if err != nil {
			return err
		}
		defer rt.Close()
		version, err := migrations.Version(cmd.Context(), rt.pool)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "applied version: %d\n", version)
		return nil
	},
}

func init() {
	migrateStatusCmd.Flags().Bool("offline", false, "Only list embedded migrations")
}

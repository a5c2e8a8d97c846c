package cli

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(balancesCmd)
	balancesCmd.AddCommand(balancesRefreshCmd)
	balancesRefreshCmd.Flags().Int64("customer", 0, "Refresh a single customer (default: all)")
}

var balancesCmd = &cobra.Command{
	Use:   "balances",
	Short: "Maintain cached customer balances",
}

var balancesRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Recompute cached balances inline",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		customerID, _ := cmd.Flags().GetInt64("customer")
		rt, err := connect(cmd.Context(), true)
		if err != nil {
			return err
		}
		defer rt.Close()
		if rt.redis == nil {
			return fmt.Errorf("balances refresh: redis unavailable at %s", rt.cfg.RedisAddr)
		}
		svc := rt.billingService()
		if customerID > 0 {
			if err := svc.RefreshBalance(cmd.Context(), customerID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "refreshed customer %d\n", customerID)
			return nil
		}
		done, err := svc.RefreshAll(cmd.Context())
		if err != nil {
			rt.logger.Warn("balance refresh incomplete", slog.Int("done", done), slog.Any("error", err))
		}
		fmt.Fprintf(cmd.OutOrStdout(), "refreshed %d customers\n", done)
		if done == 0 {
			return err
		}
		return nil
	},
}

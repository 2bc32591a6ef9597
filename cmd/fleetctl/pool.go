package main

import (
	"github.com/spf13/cobra"

	"github.com/lzjever/mbos-fleet/internal/lifecycle"
	"github.com/lzjever/mbos-fleet/internal/pool"
)

var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Warm pool commands",
}

var poolStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pool entry counts and the golden image",
	Run: func(cmd *cobra.Command, args []string) {
		var st pool.Status
		if err := newClient().Get(cmd.Context(), "/v1/pool", &st); err != nil {
			fail(err)
		}
		printResult(st)
	},
}

var poolReplenishCmd = &cobra.Command{
	Use:   "replenish",
	Short: "Prune, rotate and top up the pool (needs --token)",
	Run: func(cmd *cobra.Command, args []string) {
		var res pool.MaintainResult
		if err := newClient().Post(cmd.Context(), "/v1/pool/replenish", nil, &res); err != nil {
			fail(err)
		}
		printResult(res)
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Snapshot or stop instances close to expiry (needs --token)",
	Run: func(cmd *cobra.Command, args []string) {
		var resp struct {
			Results []lifecycle.Result `json:"results"`
		}
		if err := newClient().Post(cmd.Context(), "/v1/lifecycle/sweep", nil, &resp); err != nil {
			fail(err)
		}
		printResult(resp.Results)
	},
}

func init() {
	poolCmd.AddCommand(poolStatusCmd, poolReplenishCmd)
	rootCmd.AddCommand(poolCmd, sweepCmd)
}

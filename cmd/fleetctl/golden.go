package main

import (
	"os"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lzjever/mbos-fleet/internal/app"
	"github.com/lzjever/mbos-fleet/internal/core"
	"github.com/lzjever/mbos-fleet/internal/observability"
)

var goldenCmd = &cobra.Command{
	Use:   "golden",
	Short: "Golden image commands",
}

var goldenShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the current golden image",
	Run: func(cmd *cobra.Command, args []string) {
		var g core.GoldenImage
		if err := newClient().Get(cmd.Context(), "/v1/golden", &g); err != nil {
			fail(err)
		}
		printResult(g)
	},
}

var customScriptPath string

var goldenBuildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build and publish a golden image (reads FLEET_* from the environment)",
	Long: `build provisions a scratch instance, runs the setup recipe, snapshots the
instance and publishes the snapshot as the golden image. It talks to the
store and the provisioning API directly, using the same FLEET_* settings
as fleet-api.`,
	Run: func(cmd *cobra.Command, args []string) {
		var cfg app.Config
		if err := envconfig.Process("", &cfg); err != nil {
			fail(err)
		}
		var script string
		if customScriptPath != "" {
			b, err := os.ReadFile(customScriptPath)
			if err != nil {
				fail(err)
			}
			script = string(b)
		}

		log, _ := observability.NewLogger(cfg.LogLevel)
		defer log.Sync()

		fleet, err := app.Open(cmd.Context(), cfg, log)
		if err != nil {
			fail(err)
		}
		defer fleet.Close()

		builder, err := fleet.GoldenBuilder()
		if err != nil {
			fail(err)
		}
		res, err := builder.Build(cmd.Context(), script)
		if err != nil {
			log.Error("golden build failed", zap.Error(err))
			fail(err)
		}
		printResult(res)
	},
}

func init() {
	goldenBuildCmd.Flags().StringVar(&customScriptPath, "script", "", "Extra setup script run as the last recipe task")
	goldenCmd.AddCommand(goldenShowCmd, goldenBuildCmd)
	rootCmd.AddCommand(goldenCmd)
}

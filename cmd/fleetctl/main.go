package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	apiURL string
	output string
	token  string
)

var rootCmd = &cobra.Command{
	Use:   "fleetctl",
	Short: "fleetctl - sandbox fleet command line tool",
	Long: `fleetctl talks to fleet-api to manage workspaces, the warm pool and the
lifecycle sweep, and builds golden images in-process.`,
	SilenceUsage: true,
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&apiURL, "api-url", "a", "http://localhost:8080", "fleet API URL")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "table", "Output format (table, json)")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv("FLEET_TRIGGER_SECRET"), "Bearer token for trigger endpoints")
}

func newClient() *Client {
	return NewClient(apiURL, token)
}

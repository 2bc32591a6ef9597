package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/lzjever/mbos-fleet/internal/heartbeat"
	"github.com/lzjever/mbos-fleet/internal/observability"
)

var heartbeatInterval time.Duration

var heartbeatCmd = &cobra.Command{
	Use:   "heartbeat <workspace-id>",
	Short: "Keep a workspace's instance alive until interrupted or the instance ends",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		log, _ := observability.NewLogger("info")
		defer log.Sync()

		outcome, err := heartbeat.RunLoop(cmd.Context(), heartbeatInterval, remoteBeat(newClient(), args[0]), log)
		if err != nil && !errors.Is(err, context.Canceled) {
			fail(err)
		}
		if outcome != "" {
			fmt.Printf("Heartbeat ended: %s\n", outcome)
		}
	},
}

type extendResponse struct {
	Outcome  heartbeat.Outcome `json:"outcome"`
	Terminal bool              `json:"terminal"`
}

// remoteBeat extends through fleet-api. A workspace that disappears ends the
// loop like an inactive one.
func remoteBeat(client *Client, workspaceID string) heartbeat.BeatFunc {
	return func(ctx context.Context) (heartbeat.Outcome, error) {
		var resp extendResponse
		err := client.Post(ctx, "/v1/workspaces/"+workspaceID+"/extend", nil, &resp)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
			return heartbeat.OutcomeInactive, nil
		}
		if err != nil {
			return "", err
		}
		return resp.Outcome, nil
	}
}

func init() {
	heartbeatCmd.Flags().DurationVar(&heartbeatInterval, "interval", heartbeat.DefaultConfig().Interval, "Time between extends")
	rootCmd.AddCommand(heartbeatCmd)
}

package main

import (
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

type WorkspaceRow struct {
	ID         string `json:"id"`
	OwnerID    string `json:"owner_id"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	InstanceID string `json:"instance_id"`
	ImageID    string `json:"image_id"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
}

type WorkspaceListResponse struct {
	Workspaces []WorkspaceRow `json:"workspaces"`
	NextCursor string         `json:"next_cursor"`
}

var workspaceCmd = &cobra.Command{
	Use:     "workspace",
	Aliases: []string{"ws"},
	Short:   "Workspace management commands",
}

var wsCreateCmd = &cobra.Command{
	Use:   "create <owner-id> <name>",
	Short: "Create a workspace with a running instance",
	Args:  cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		var ws WorkspaceRow
		req := map[string]string{"owner_id": args[0], "name": args[1]}
		key, _ := cmd.Flags().GetString("idempotency-key")
		if key == "" {
			key = uuid.NewString()
		}
		if err := newClient().PostIdempotent(cmd.Context(), "/v1/workspaces", key, req, &ws); err != nil {
			fail(err)
		}
		printResult(ws)
	},
}

var wsGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Get workspace details",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var ws WorkspaceRow
		if err := newClient().Get(cmd.Context(), "/v1/workspaces/"+args[0], &ws); err != nil {
			fail(err)
		}
		printResult(ws)
	},
}

var (
	listOwner string
	listLimit int
	listAll   bool
)

var wsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workspaces, newest first",
	Run: func(cmd *cobra.Command, args []string) {
		client := newClient()
		var rows []WorkspaceRow
		cursor := ""
		for {
			q := url.Values{}
			q.Set("limit", strconv.Itoa(listLimit))
			if listOwner != "" {
				q.Set("owner_id", listOwner)
			}
			if cursor != "" {
				q.Set("cursor", cursor)
			}
			var resp WorkspaceListResponse
			if err := client.Get(cmd.Context(), "/v1/workspaces?"+q.Encode(), &resp); err != nil {
				fail(err)
			}
			rows = append(rows, resp.Workspaces...)
			if !listAll || resp.NextCursor == "" {
				break
			}
			cursor = resp.NextCursor
		}
		printResult(rows)
	},
}

var wsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Stop the instance and delete the workspace",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if err := newClient().Delete(cmd.Context(), "/v1/workspaces/"+args[0]); err != nil {
			fail(err)
		}
		fmt.Printf("Workspace %s deleted.\n", args[0])
	},
}

// transitionCmd builds the stop/snapshot/resume subcommands, which share a
// shape: POST, then print the workspace.
func transitionCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			var ws WorkspaceRow
			if err := newClient().Post(cmd.Context(), "/v1/workspaces/"+args[0]+"/"+action, nil, &ws); err != nil {
				fail(err)
			}
			printResult(ws)
		},
	}
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func init() {
	wsCreateCmd.Flags().String("idempotency-key", "", "Idempotency key (random when empty)")
	wsListCmd.Flags().StringVar(&listOwner, "owner", "", "Only list workspaces of this owner")
	wsListCmd.Flags().IntVar(&listLimit, "limit", 20, "Page size")
	wsListCmd.Flags().BoolVar(&listAll, "all", false, "Follow cursors and list every page")

	workspaceCmd.AddCommand(
		wsCreateCmd, wsGetCmd, wsListCmd, wsDeleteCmd,
		transitionCmd("stop", "Stop the instance and discard its state"),
		transitionCmd("snapshot", "Snapshot the instance and keep the image"),
		transitionCmd("resume", "Boot a stopped or snapshotted workspace"),
	)
	rootCmd.AddCommand(workspaceCmd)
}

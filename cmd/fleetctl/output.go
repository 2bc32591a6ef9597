package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/lzjever/mbos-fleet/internal/core"
	"github.com/lzjever/mbos-fleet/internal/golden"
	"github.com/lzjever/mbos-fleet/internal/lifecycle"
	"github.com/lzjever/mbos-fleet/internal/pool"
)

func printResult(v any) {
	if output == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(v)
		return
	}
	printTable(v)
}

func printTable(v any) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()
	switch data := v.(type) {
	case []WorkspaceRow:
		if len(data) == 0 {
			fmt.Println("No workspaces found.")
			return
		}
		fmt.Fprintln(w, "ID\tNAME\tOWNER\tSTATUS\tINSTANCE\tIMAGE\tCREATED")
		for _, ws := range data {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				ws.ID, ws.Name, ws.OwnerID, ws.Status, dash(ws.InstanceID), dash(ws.ImageID), ws.CreatedAt)
		}
	case WorkspaceRow:
		fmt.Fprintf(w, "ID:\t%s\n", data.ID)
		fmt.Fprintf(w, "Name:\t%s\n", data.Name)
		fmt.Fprintf(w, "Owner:\t%s\n", data.OwnerID)
		fmt.Fprintf(w, "Status:\t%s\n", data.Status)
		fmt.Fprintf(w, "Instance:\t%s\n", dash(data.InstanceID))
		fmt.Fprintf(w, "Image:\t%s\n", dash(data.ImageID))
		fmt.Fprintf(w, "Created:\t%s\n", data.CreatedAt)
		fmt.Fprintf(w, "Updated:\t%s\n", data.UpdatedAt)
	case pool.Status:
		fmt.Fprintf(w, "Target:\t%d\n", data.Target)
		fmt.Fprintf(w, "Available:\t%d\n", data.Available)
		fmt.Fprintf(w, "Claimed:\t%d\n", data.Claimed)
		fmt.Fprintf(w, "Expired:\t%d\n", data.Expired)
		if data.GoldenImage != nil {
			fmt.Fprintf(w, "Golden image:\t%s (%s)\n", data.GoldenImage.ImageID, data.GoldenImage.UpdatedAt.Format(time.RFC3339))
		} else {
			fmt.Fprintln(w, "Golden image:\t-")
		}
	case pool.MaintainResult:
		fmt.Fprintf(w, "Pruned:\t%d expired, %d deleted\n", data.Prune.Expired, data.Prune.Deleted)
		fmt.Fprintf(w, "Rotated:\t%d\n", data.Rotated)
		fmt.Fprintf(w, "Image:\t%s\n", dash(data.Replenish.ImageID))
		fmt.Fprintf(w, "Replenish:\t%d existing, %d created, %d failed (target %d)\n",
			data.Replenish.Existing, data.Replenish.Created, data.Replenish.Failed, data.Replenish.Target)
	case []lifecycle.Result:
		if len(data) == 0 {
			fmt.Println("No expiring instances.")
			return
		}
		fmt.Fprintln(w, "INSTANCE\tWORKSPACE\tACTION\tERROR")
		for _, r := range data {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.InstanceID, dash(r.WorkspaceID), r.Action, truncate(r.Error, 60))
		}
	case core.GoldenImage:
		fmt.Fprintf(w, "Image:\t%s\n", data.ImageID)
		fmt.Fprintf(w, "Updated:\t%s\n", data.UpdatedAt.Format(time.RFC3339))
	case *golden.BuildResult:
		fmt.Fprintf(w, "Image:\t%s\n", data.ImageID)
		fmt.Fprintf(w, "Status:\t%s\n", data.Status)
		fmt.Fprintf(w, "Degraded:\t%t\n", data.Degraded)
		fmt.Fprintf(w, "Size:\t%d bytes\n", data.SizeBytes)
		fmt.Fprintf(w, "Expires:\t%s\n", data.ExpiresAt.Format(time.RFC3339))
		fmt.Fprintf(w, "Recipe:\t%s\n", data.RecipeDigest)
		fmt.Fprintln(w, "\nTASK\tSTATUS\tDURATION\tERROR")
		for _, t := range data.Tasks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.Name, t.Status, t.Duration.Round(time.Millisecond), truncate(t.Error, 60))
		}
	default:
		json.NewEncoder(os.Stdout).Encode(v)
	}
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

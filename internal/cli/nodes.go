package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskmgr818/remote-subagent/internal/model"
)

func init() {
	rootCmd.AddCommand(nodesCmd)
}

var nodesCmd = &cobra.Command{
	Use:     "nodes",
	Aliases: []string{"ls"},
	Short:   "List worker nodes known to the coordinator",
	Args:    cobra.NoArgs,
	RunE:    runNodes,
}

func runNodes(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), apiTimeout)
	defer cancel()

	var nodes []model.NodeInfo
	if err := newAPIClient().do(ctx, "GET", "/api/nodes", nil, &nodes); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(nodes) == 0 {
		fmt.Fprintln(out, "No nodes registered.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NODE ID\tNAME\tSTATUS\tTASK\tQUEUE\tLAST HEARTBEAT")
	for _, n := range nodes {
		task := n.CurrentTaskID
		if task == "" {
			task = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
			n.NodeID,
			n.Name,
			n.Status,
			task,
			n.QueueLength,
			since(n.LastHeartbeat),
		)
	}
	return w.Flush()
}

func since(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return time.Since(t).Round(time.Second).String() + " ago"
}

package cli

import (
	"context"
	"fmt"
	"net/url"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskmgr818/remote-subagent/internal/model"
)

var (
	tasksActive bool
	tasksNode   string
)

func init() {
	tasksCmd.Flags().BoolVar(&tasksActive, "active", false, "show in-flight tasks instead of history")
	tasksCmd.Flags().StringVar(&tasksNode, "node", "", "only history for this target node")
	rootCmd.AddCommand(tasksCmd)
	rootCmd.AddCommand(cancelCmd)
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Show task history or in-flight tasks",
	Args:  cobra.NoArgs,
	RunE:  runTasks,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel TASK_ID",
	Short: "Cancel an in-flight task",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

func runTasks(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), apiTimeout)
	defer cancel()
	api := newAPIClient()
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)

	if tasksActive {
		var active []model.ActiveTask
		if err := api.do(ctx, "GET", "/api/tasks?active=true", nil, &active); err != nil {
			return err
		}
		fmt.Fprintln(w, "TASK ID\tSOURCE\tTARGET\tTYPE\tELAPSED")
		for _, t := range active {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				t.Request.TaskID,
				t.Request.SourceNodeID,
				t.Request.TargetNodeID,
				t.Request.Type,
				(time.Duration(t.ElapsedMs) * time.Millisecond).String(),
			)
		}
		return w.Flush()
	}

	path := "/api/tasks"
	if tasksNode != "" {
		path += "?nodeId=" + url.QueryEscape(tasksNode)
	}
	var history []model.HistoryEntry
	if err := api.do(ctx, "GET", path, nil, &history); err != nil {
		return err
	}
	fmt.Fprintln(w, "TASK ID\tTARGET\tOUTCOME\tDURATION\tCOMPLETED")
	for _, h := range history {
		if h.Result == nil {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			h.Result.TaskID,
			h.Result.TargetNodeID,
			outcome(h.Result),
			(time.Duration(h.Result.DurationMs) * time.Millisecond).String(),
			h.Result.CompletedAt.Local().Format("2006-01-02 15:04:05"),
		)
	}
	return w.Flush()
}

func runCancel(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), apiTimeout)
	defer cancel()

	if err := newAPIClient().do(ctx, "DELETE", "/api/tasks/"+url.PathEscape(args[0]), nil, nil); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Cancellation sent for %s\n", args[0])
	return nil
}

func outcome(r *model.TaskResult) string {
	if r.Success {
		return "ok"
	}
	if r.Error != nil {
		return string(r.Error.Code)
	}
	return "failed"
}

package cli

import (
	"context"
	"fmt"
	"net/url"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/taskmgr818/remote-subagent/internal/model"
)

var sessionsNode string

func init() {
	sessionsCmd.Flags().StringVar(&sessionsNode, "node", "", "only sessions bound to this node")
	sessionsCmd.AddCommand(sessionsRmCmd)
	rootCmd.AddCommand(sessionsCmd)
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List resumable sessions and the nodes they are bound to",
	Args:  cobra.NoArgs,
	RunE:  runSessions,
}

var sessionsRmCmd = &cobra.Command{
	Use:     "rm SESSION_ID",
	Aliases: []string{"delete"},
	Short:   "Forget a session binding",
	Args:    cobra.ExactArgs(1),
	RunE:    runSessionsRm,
}

func runSessions(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), apiTimeout)
	defer cancel()

	path := "/api/sessions"
	if sessionsNode != "" {
		path += "?nodeId=" + url.QueryEscape(sessionsNode)
	}
	var sessions []model.SessionInfo
	if err := newAPIClient().do(ctx, "GET", path, nil, &sessions); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No sessions.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION ID\tNODE\tMESSAGES\tLAST USED")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", s.SessionID, s.TargetNodeID, s.MessageCount, since(s.LastUsedAt))
	}
	return w.Flush()
}

func runSessionsRm(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), apiTimeout)
	defer cancel()

	if err := newAPIClient().do(ctx, "DELETE", "/api/sessions/"+url.PathEscape(args[0]), nil, nil); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Deleted session %s\n", args[0])
	return nil
}

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskmgr818/remote-subagent/internal/auxclient"
	"github.com/taskmgr818/remote-subagent/internal/model"
	"github.com/taskmgr818/remote-subagent/internal/service"
)

// task flags shared by send and broadcast
var (
	taskShell    bool
	taskCwd      string
	taskModel    string
	taskSession  string
	taskMaxTurns int
	taskContext  string
	taskTimeout  time.Duration
	taskQuiet    bool
	sendViaAPI   bool
)

func init() {
	for _, c := range []*cobra.Command{sendCmd, broadcastCmd} {
		f := c.Flags()
		f.BoolVar(&taskShell, "shell", false, "run the arguments as a shell command instead of a prompt")
		f.StringVar(&taskCwd, "cwd", "", "working directory on the node")
		f.StringVar(&taskModel, "model", "", "model override for prompt tasks")
		f.IntVar(&taskMaxTurns, "max-turns", 0, "turn limit for prompt tasks")
		f.StringVar(&taskContext, "context", "", "context prepended to the prompt")
		f.DurationVar(&taskTimeout, "timeout", auxclient.DefaultTaskTimeout, "task timeout")
		f.BoolVarP(&taskQuiet, "quiet", "q", false, "do not stream progress")
	}
	sendCmd.Flags().StringVar(&taskSession, "session", "", "resume this session")
	sendCmd.Flags().BoolVar(&sendViaAPI, "api", false, "submit through the control API instead of an aux connection")

	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(broadcastCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send NODE_ID PROMPT...",
	Short: "Run a task on one node and wait for its result",
	Args:  cobra.MinimumNArgs(2),
	RunE:  runSend,
}

var broadcastCmd = &cobra.Command{
	Use:   "broadcast PROMPT...",
	Short: "Run a task on every online node",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runBroadcast,
}

func runSend(cmd *cobra.Command, args []string) error {
	target := args[0]
	payload := buildPayload(strings.Join(args[1:], " "))

	if sendViaAPI {
		return sendThroughAPI(cmd, target, payload)
	}

	client, err := connectAux(cmd.Context())
	if err != nil {
		return err
	}
	defer client.Close()

	res, err := client.SendTask(cmd.Context(), target, payload, taskOptions(cmd.ErrOrStderr()))
	if err != nil {
		return err
	}
	return printResult(cmd, res)
}

func sendThroughAPI(cmd *cobra.Command, target string, payload model.TaskPayload) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), taskTimeout+apiTimeout)
	defer cancel()

	req := service.CommandRequest{
		TargetNodeID: target,
		Type:         payload.Type,
		Payload:      payload,
		TimeoutMs:    taskTimeout.Milliseconds(),
		Context:      taskContext,
	}
	var res model.TaskResult
	if err := newAPIClient().do(ctx, "POST", "/api/command?wait=true", req, &res); err != nil {
		return err
	}
	return printResult(cmd, &res)
}

func runBroadcast(cmd *cobra.Command, args []string) error {
	payload := buildPayload(strings.Join(args, " "))

	client, err := connectAux(cmd.Context())
	if err != nil {
		return err
	}
	defer client.Close()

	results, err := client.Broadcast(cmd.Context(), payload, taskOptions(cmd.ErrOrStderr()))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(results) == 0 {
		fmt.Fprintln(out, "No online nodes.")
		return nil
	}
	failed := 0
	for _, r := range results {
		fmt.Fprintf(out, "=== %s (%s) ===\n", r.NodeID, r.Name)
		switch {
		case r.Err != nil:
			failed++
			fmt.Fprintf(out, "error: %v\n", r.Err)
		case r.Result != nil:
			if err := printResult(cmd, r.Result); err != nil {
				failed++
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d nodes failed", failed, len(results))
	}
	return nil
}

func buildPayload(text string) model.TaskPayload {
	if taskShell {
		return model.NewShellPayload(model.ShellPayload{Command: text, Cwd: taskCwd})
	}
	return model.NewPromptPayload(model.PromptPayload{
		Prompt:    text,
		Cwd:       taskCwd,
		Model:     taskModel,
		MaxTurns:  taskMaxTurns,
		SessionID: taskSession,
	})
}

func taskOptions(progress io.Writer) auxclient.TaskOptions {
	opts := auxclient.TaskOptions{Timeout: taskTimeout, Context: taskContext}
	if !taskQuiet {
		opts.OnProgress = func(p *model.TaskProgress) {
			fmt.Fprintf(progress, "[%s] %s\n", p.NodeID, strings.TrimRight(p.Content, "\n"))
		}
	}
	return opts
}

// connectAux registers an aux client and waits until it is authenticated.
func connectAux(ctx context.Context) (*auxclient.Client, error) {
	if ownerToken == "" {
		return nil, errors.New("--token (or SUBAGENT_TOKEN) is required for aux connections")
	}
	u, err := wsURL(serverURL)
	if err != nil {
		return nil, err
	}

	client := auxclient.New(ctx, auxclient.Config{
		ServerURL: u,
		OwnerID:   ownerID,
		Token:     ownerToken,
	}, newLogger())
	if err := client.Start(ctx); err != nil {
		return nil, err
	}

	readyCtx, cancel := context.WithTimeout(ctx, apiTimeout)
	defer cancel()
	if err := client.WaitReady(readyCtx); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to %s: %w", u, err)
	}
	return client, nil
}

// errTaskFailed marks a delivered but unsuccessful result.
var errTaskFailed = errors.New("task failed")

func printResult(cmd *cobra.Command, res *model.TaskResult) error {
	out := cmd.OutOrStdout()
	if res.Success {
		fmt.Fprintln(out, res.Result)
		if res.SessionID != "" {
			fmt.Fprintf(cmd.ErrOrStderr(), "session: %s\n", res.SessionID)
		}
		return nil
	}
	if res.Error != nil {
		fmt.Fprintf(out, "%s: %s\n", res.Error.Code, res.Error.Message)
	}
	return fmt.Errorf("%w: %s", errTaskFailed, res.TaskID)
}

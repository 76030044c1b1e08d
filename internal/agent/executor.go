package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskmgr818/remote-subagent/internal/model"
)

const (
	DefaultProgram        = "claude"
	DefaultMaxResultChars = 100_000
	contextPrefix         = "[Context from requesting agent]: "
	killGrace             = 5 * time.Second
)

// DefaultPromptArgs are passed to the agent program before model and
// session flags. The prompt itself goes to stdin.
var DefaultPromptArgs = []string{"--print", "--dangerously-skip-permissions", "--output-format", "text"}

// ExecConfig controls how tasks become subprocesses.
type ExecConfig struct {
	Program            string
	Args               []string
	Model              string
	SessionPersistence bool
	ShellEnabled       bool
	WorkDir            string
	MaxResultChars     int
}

// ProcessExecutor runs prompt tasks through the agent program and shell
// tasks through the system shell, streaming stdout as partial results and
// stderr as status updates.
type ProcessExecutor struct {
	cfg    ExecConfig
	nodeID string
	log    *zap.Logger
}

func NewProcessExecutor(nodeID string, cfg ExecConfig, log *zap.Logger) *ProcessExecutor {
	if cfg.Program == "" {
		cfg.Program = DefaultProgram
	}
	if cfg.Args == nil {
		cfg.Args = DefaultPromptArgs
	}
	if cfg.MaxResultChars <= 0 {
		cfg.MaxResultChars = DefaultMaxResultChars
	}
	return &ProcessExecutor{cfg: cfg, nodeID: nodeID, log: log.Named("executor")}
}

func (e *ProcessExecutor) Execute(ctx context.Context, req *model.TaskRequest, progress chan<- model.TaskProgress) *model.TaskResult {
	start := time.Now()

	var (
		output    string
		sessionID string
		err       error
	)
	switch {
	case req.Payload.Prompt != nil:
		output, sessionID, err = e.runPrompt(ctx, req, progress)
	case req.Payload.Shell != nil:
		if !e.cfg.ShellEnabled {
			err = model.NewTaskError(model.ErrCodeExecutionError, "shell tasks are disabled on this node")
			break
		}
		output, err = e.runShell(ctx, req, progress)
	default:
		err = model.NewTaskError(model.ErrCodeExecutionError, "unknown task type: %s", req.Payload.Type)
	}

	if err != nil {
		te := e.classify(ctx, err)
		e.log.Warn("task failed", zap.String("taskId", req.TaskID), zap.String("code", string(te.Code)), zap.Error(err))
		return model.FailedResult(req, te.Code, te.Message, time.Since(start))
	}

	res := model.SuccessResult(req, truncate(output, e.cfg.MaxResultChars), time.Since(start))
	res.SessionID = sessionID
	return res
}

func (e *ProcessExecutor) classify(ctx context.Context, err error) *model.TaskError {
	if ctx.Err() != nil {
		return &model.TaskError{Code: model.ErrCodeCancelled, Message: "task cancelled"}
	}
	var te *model.TaskError
	if errors.As(err, &te) {
		return te
	}
	return &model.TaskError{Code: model.ErrCodeExecutionError, Message: err.Error()}
}

// ─────────────────────────────────────────────
// Variants
// ─────────────────────────────────────────────

func (e *ProcessExecutor) runPrompt(ctx context.Context, req *model.TaskRequest, progress chan<- model.TaskProgress) (string, string, error) {
	p := req.Payload.Prompt

	var input strings.Builder
	if req.Context != "" {
		input.WriteString(contextPrefix)
		input.WriteString(req.Context)
		input.WriteString("\n\n")
	}
	input.WriteString(p.Prompt)

	args := append([]string(nil), e.cfg.Args...)
	if m := firstNonEmpty(p.Model, e.cfg.Model); m != "" {
		args = append(args, "--model", m)
	}

	var sessionID string
	if e.cfg.SessionPersistence {
		if p.SessionID != "" {
			sessionID = p.SessionID
			args = append(args, "--resume", sessionID)
		} else {
			sessionID = uuid.NewString()
			args = append(args, "--session-id", sessionID)
		}
	}
	if p.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(p.MaxTurns))
	}

	out, exitErr, err := e.run(ctx, req.TaskID, e.cfg.Program, args, input.String(), e.workDir(p.Cwd), progress)
	if err != nil {
		return "", "", err
	}
	// The agent program may exit non-zero after printing a usable answer.
	if exitErr != nil && out == "" {
		return "", "", fmt.Errorf("%s exited: %w", e.cfg.Program, exitErr)
	}
	return out, sessionID, nil
}

func (e *ProcessExecutor) runShell(ctx context.Context, req *model.TaskRequest, progress chan<- model.TaskProgress) (string, error) {
	s := req.Payload.Shell

	name, args := "/bin/sh", []string{"-c", s.Command}
	if runtime.GOOS == "windows" {
		name, args = "cmd", []string{"/C", s.Command}
	}

	out, exitErr, err := e.run(ctx, req.TaskID, name, args, "", e.workDir(s.Cwd), progress)
	if err != nil {
		return "", err
	}
	if exitErr != nil {
		return "", model.NewTaskError(model.ErrCodeExecutionError, "command failed: %v: %s", exitErr, tail(out, 2000))
	}
	return out, nil
}

// ─────────────────────────────────────────────
// Subprocess plumbing
// ─────────────────────────────────────────────

// run starts the process and waits for it. err reports failures to start or
// cancellation; exitErr reports a non-zero exit after a normal run.
func (e *ProcessExecutor) run(ctx context.Context, taskID, name string, args []string, stdin, dir string, progress chan<- model.TaskProgress) (out string, exitErr, err error) {
	if err := ctx.Err(); err != nil {
		return "", nil, err
	}

	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = os.Environ()
	cmd.WaitDelay = killGrace
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	stdout := &chunkWriter{taskID: taskID, nodeID: e.nodeID, kind: model.ProgressPartialResult, progress: progress, keep: true}
	stderr := &chunkWriter{taskID: taskID, nodeID: e.nodeID, kind: model.ProgressStatusUpdate, progress: progress}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	e.log.Debug("starting process", zap.String("taskId", taskID), zap.String("program", name), zap.String("dir", dir))
	if err := cmd.Start(); err != nil {
		return "", nil, fmt.Errorf("start %s: %w", name, err)
	}
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return "", nil, ctx.Err()
	}
	return strings.TrimSpace(stdout.buf.String()), waitErr, nil
}

// chunkWriter turns every write from the subprocess into a progress chunk.
// exec.Cmd copies each stream on its own goroutine, so no locking is needed.
type chunkWriter struct {
	taskID   string
	nodeID   string
	kind     model.ProgressKind
	progress chan<- model.TaskProgress
	keep     bool
	buf      strings.Builder
}

func (w *chunkWriter) Write(p []byte) (int, error) {
	chunk := string(p)
	if w.keep {
		w.buf.WriteString(chunk)
	}
	if w.progress != nil {
		w.progress <- model.TaskProgress{
			TaskID:    w.taskID,
			NodeID:    w.nodeID,
			Type:      w.kind,
			Content:   chunk,
			Timestamp: time.Now().UTC(),
		}
	}
	return len(p), nil
}

func (e *ProcessExecutor) workDir(requested string) string {
	if requested != "" {
		if fi, err := os.Stat(requested); err == nil && fi.IsDir() {
			return requested
		}
		e.log.Warn("requested cwd unavailable, using default", zap.String("cwd", requested))
	}
	if e.cfg.WorkDir != "" {
		return e.cfg.WorkDir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}
	return ""
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + fmt.Sprintf("\n...[truncated, %d total chars]", len(r))
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

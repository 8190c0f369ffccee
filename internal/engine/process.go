package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/hochfrequenz/runforge/internal/domain"
	"github.com/rs/zerolog"
)

// ProcessConfig configures the real process-spawning engine binding
type ProcessConfig struct {
	Binary      string
	Timeout     time.Duration
	GracePeriod time.Duration
	Models      map[domain.ModelTier]string
}

// ProcessEngine spawns the external generator binary per invocation with
// its working directory set to the run's isolated workspace. All stream
// output is mirrored to <workdir>/engine.log.
type ProcessEngine struct {
	cfg ProcessConfig
	log zerolog.Logger
}

// NewProcessEngine creates the real engine binding
func NewProcessEngine(cfg ProcessConfig, log zerolog.Logger) *ProcessEngine {
	if cfg.Binary == "" {
		cfg.Binary = "claude"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Minute
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = 10 * time.Second
	}
	return &ProcessEngine{cfg: cfg, log: log.With().Str("component", "engine").Logger()}
}

// streamMessage is one line of the engine's stream-json output
type streamMessage struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype,omitempty"`
	Result    string `json:"result,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Usage     struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage,omitempty"`
	CostUSD float64 `json:"total_cost_usd,omitempty"`
}

// Invoke runs one engine invocation synchronously, bounded by the
// configured timeout. Failures are reported in the Result's ErrorKind;
// the error return is reserved for invalid requests.
func (e *ProcessEngine) Invoke(ctx context.Context, req Request) (*Result, error) {
	if req.Command == "" {
		return nil, fmt.Errorf("engine request has no command")
	}
	if req.WorkDir == "" {
		return nil, fmt.Errorf("engine request has no working directory")
	}
	if req.SessionID == "" {
		req.SessionID = SessionID(req.WorkDir, req.Command)
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.cfg.Binary, e.buildArgs(req)...)
	cmd.Dir = req.WorkDir
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = e.cfg.GracePeriod

	logPath := filepath.Join(req.WorkDir, "engine.log")
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening engine log: %w", err)
	}
	defer logFile.Close()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = logFile

	start := time.Now()
	if err := cmd.Start(); err != nil {
		e.log.Warn().Err(err).Str("binary", e.cfg.Binary).Msg("engine start failed")
		return &Result{
			SessionID: req.SessionID,
			ErrorKind: KindUnavailable,
			ErrorText: err.Error(),
		}, nil
	}

	res := &Result{SessionID: req.SessionID}
	var sawResult bool

	scanner := bufio.NewScanner(stdout)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		logFile.WriteString(line + "\n")

		var msg streamMessage
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}
		if msg.Type != "result" {
			continue
		}
		sawResult = true
		res.Output = msg.Result
		res.TokensInput = msg.Usage.InputTokens
		res.TokensOutput = msg.Usage.OutputTokens
		res.CostUSD = msg.CostUSD
		if msg.SessionID != "" {
			res.SessionID = msg.SessionID
		}
		if msg.IsError || msg.Subtype == "error" {
			res.ErrorKind = KindExecutionError
			res.ErrorText = msg.Result
		}
	}

	waitErr := cmd.Wait()
	elapsed := time.Since(start)

	switch {
	case ctx.Err() == context.DeadlineExceeded:
		res.Success = false
		res.ErrorKind = KindTimeout
		res.ErrorText = fmt.Sprintf("engine timed out after %s", elapsed.Round(time.Second))
	case waitErr != nil:
		res.Success = false
		if res.ErrorKind == "" {
			res.ErrorKind = classifyWaitError(waitErr)
		}
		if res.ErrorText == "" {
			res.ErrorText = waitErr.Error()
		}
	case !sawResult:
		res.Success = false
		res.ErrorKind = KindMalformedOutput
		res.ErrorText = "engine produced no result message"
	case res.ErrorKind != "":
		res.Success = false
	default:
		res.Success = true
	}

	e.log.Debug().
		Str("command", req.Command).
		Bool("success", res.Success).
		Str("error_kind", string(res.ErrorKind)).
		Dur("elapsed", elapsed).
		Msg("engine invocation finished")
	return res, nil
}

// buildArgs assembles the command line for one invocation
func (e *ProcessEngine) buildArgs(req Request) []string {
	args := []string{
		"--print",
		"--verbose",
		"--dangerously-skip-permissions",
		"--output-format", "stream-json",
		"--session-id", req.SessionID,
	}
	if model, ok := e.cfg.Models[req.Tier]; ok && model != "" {
		args = append(args, "--model", model)
	}
	args = append(args, "-p", buildPrompt(req))
	return args
}

// buildPrompt renders the command identifier and structured arguments as
// a slash-command invocation. The command's template text lives with the
// engine, not here.
func buildPrompt(req Request) string {
	var b strings.Builder
	b.WriteString("/" + req.Command)
	if len(req.Args) > 0 {
		payload, _ := json.Marshal(req.Args)
		b.WriteString(" ")
		b.Write(payload)
	}
	return b.String()
}

func classifyWaitError(err error) ErrorKind {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return KindExecutionError
	}
	return KindUnavailable
}

package llmcli

import (
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/reviewbot/reviewbot/pkg/errors"
	"github.com/reviewbot/reviewbot/pkg/logger"
)

// Request carries everything needed to invoke the LLM CLI once.
type Request struct {
	Prompt   string
	WorkDir  string
	MaxTurns int
	Timeout  time.Duration
}

// Invoker runs the configured LLM CLI binary as a subprocess, feeding it
// the prompt on stdin and parsing its JSON envelope from stdout.
type Invoker struct {
	cliPath string
	args    []string
	log     *zap.Logger
}

// New constructs an Invoker for the CLI at cliPath. extraArgs are appended
// to every invocation (e.g. API key flags, output-format flags).
func New(cliPath string, extraArgs []string, log *zap.Logger) *Invoker {
	if log == nil {
		log = logger.Get()
	}
	return &Invoker{cliPath: cliPath, args: extraArgs, log: log}
}

// Invoke runs the CLI once and returns its parsed envelope.
func (inv *Invoker) Invoke(ctx context.Context, req Request) (*Envelope, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append([]string{}, inv.args...)
	if req.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(req.MaxTurns))
	}
	args = append(args, "--output-format", "json")

	cmd := exec.CommandContext(execCtx, inv.cliPath, args...)
	if req.WorkDir != "" {
		cmd.Dir = req.WorkDir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeLLMExitCode, "creating stdin pipe", err, apperrors.KindTransient)
	}

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrCodeLLMExitCode, "starting LLM CLI", err, apperrors.KindTransient)
	}

	go func() {
		defer stdin.Close()
		if _, err := stdin.Write([]byte(req.Prompt)); err != nil {
			inv.log.Error("failed to write prompt to LLM CLI stdin", zap.Error(err))
		}
	}()

	waitErr := cmd.Wait()
	if waitErr != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			return nil, apperrors.Wrap(apperrors.ErrCodeLLMTimeout, "LLM CLI invocation timed out", waitErr, apperrors.KindTransient)
		}
		inv.log.Error("LLM CLI exited non-zero",
			zap.Error(waitErr),
			zap.String("stderr", stderr.String()))
		return nil, apperrors.Wrap(apperrors.ErrCodeLLMExitCode, "LLM CLI exited non-zero: "+stderr.String(), waitErr, apperrors.KindTransient)
	}

	env, err := ParseEnvelope([]byte(stdout.String()))
	if err != nil {
		return nil, err
	}
	if env.IsError {
		return env, apperrors.New(apperrors.ErrCodeLLMExitCode, "LLM CLI reported is_error=true: "+env.Result, apperrors.KindTransient)
	}

	return env, nil
}

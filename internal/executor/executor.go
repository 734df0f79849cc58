// Package executor runs untrusted source code in a throwaway directory with
// the language's toolchain and reports what it printed.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sync/semaphore"

	"codeplay/internal/tracing"
)

const (
	DefaultRunTimeout     = 10 * time.Second
	DefaultCompileTimeout = 30 * time.Second
	DefaultMaxOutputBytes = 1 << 20
)

// Config controls the dispatcher.
type Config struct {
	// TempDir is the parent of every sandbox directory. Empty means os.TempDir.
	TempDir    string
	RunTimeout time.Duration
	// CompileTimeout of zero leaves compilation bounded only by the caller's
	// context.
	CompileTimeout time.Duration
	// MaxConcurrent bounds simultaneous executions. Zero means unbounded.
	MaxConcurrent int64
	// StrictExitCodes reports a non-zero exit as a runtime error even when
	// the program wrote nothing to stderr.
	StrictExitCodes bool
	MaxOutputBytes  int
	Toolchain       Toolchain
}

// Request is one execution. Language may be left empty when Filename has a
// recognised extension.
type Request struct {
	Code     string
	Language Language
	Filename string
}

// Result is the outcome of an execution that got past validation.
type Result struct {
	Output     string `json:"output"`
	Error      string `json:"error"`
	Kind       Kind   `json:"kind,omitempty"`
	ExitCode   int    `json:"exit_code"`
	DurationMs int64  `json:"duration_ms"`
}

// Dispatcher executes requests. It holds no per-request state and is safe
// for concurrent use.
type Dispatcher struct {
	cfg    Config
	sem    *semaphore.Weighted
	logger *slog.Logger
}

// New creates a dispatcher.
func New(cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = DefaultRunTimeout
	}
	if cfg.CompileTimeout < 0 {
		cfg.CompileTimeout = 0
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}
	cfg.Toolchain = cfg.Toolchain.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{cfg: cfg, logger: logger.With("component", "executor")}
	if cfg.MaxConcurrent > 0 {
		d.sem = semaphore.NewWeighted(cfg.MaxConcurrent)
	}
	return d
}

// Resolve returns the language a request targets, or an *Error when the
// request is incomplete or names an unsupported language.
func Resolve(req Request) (Language, error) {
	lang := req.Language
	if lang == "" && req.Filename != "" {
		if detected, ok := DetectLanguage(req.Filename); ok {
			lang = detected
		}
	}
	if req.Code == "" || lang == "" {
		return "", ErrInvalidRequest
	}
	if !Supported(lang) {
		return "", ErrUnsupportedLanguage
	}
	return lang, nil
}

// Execute runs req. The returned error is non-nil only for requests rejected
// up front (ErrInvalidRequest, ErrUnsupportedLanguage); nothing touches the
// filesystem in that case. Every other outcome is described by the Result.
func (d *Dispatcher) Execute(ctx context.Context, req Request) (*Result, error) {
	lang, err := Resolve(req)
	if err != nil {
		return nil, err
	}
	strat := strategies[lang]

	ctx, span := tracing.StartSpan(ctx, "execute")
	span.SetAttributes(map[string]string{"language": string(lang)})

	if d.sem != nil {
		if err := d.sem.Acquire(ctx, 1); err != nil {
			tracing.EndSpan(span, err)
			return &Result{Error: err.Error(), Kind: KindInternal, ExitCode: -1}, nil
		}
		defer d.sem.Release(1)
	}

	started := time.Now()
	res := d.execute(ctx, lang, strat, req.Code)
	res.DurationMs = time.Since(started).Milliseconds()

	d.logger.Info("execution finished",
		"language", lang,
		"kind", res.Kind,
		"exit_code", res.ExitCode,
		"duration_ms", res.DurationMs,
	)
	span.SetInt("exit_code", int64(res.ExitCode))
	if res.Kind != "" {
		span.SetAttributes(map[string]string{"kind": string(res.Kind)})
	}
	tracing.EndSpan(span, nil)
	return res, nil
}

func (d *Dispatcher) execute(ctx context.Context, lang Language, strat strategy, code string) *Result {
	dir, err := os.MkdirTemp(d.cfg.TempDir, "codeplay-"+string(lang)+"-")
	if err != nil {
		return &Result{Error: fmt.Sprintf("create sandbox: %v", err), Kind: KindInternal, ExitCode: -1}
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			d.logger.Warn("sandbox cleanup failed", "dir", dir, "error", err)
		}
	}()

	if err := os.WriteFile(filepath.Join(dir, strat.source), []byte(code), 0o600); err != nil {
		return &Result{Error: fmt.Sprintf("write source: %v", err), Kind: KindInternal, ExitCode: -1}
	}

	if strat.compile != nil {
		p := d.phase(ctx, "compile", dir, strat.compile(d.cfg.Toolchain, dir), d.cfg.CompileTimeout)
		switch {
		case p.err != nil:
			return &Result{Error: p.err.Error(), Kind: KindInternal, ExitCode: -1}
		case p.timedOut:
			return &Result{
				Error:    "compilation timed out after " + d.cfg.CompileTimeout.String(),
				Kind:     KindTimeout,
				ExitCode: -1,
			}
		case p.exitCode != 0:
			diag := p.stderr
			if diag == "" {
				diag = p.stdout
			}
			if diag == "" {
				diag = "compiler exited with status " + strconv.Itoa(p.exitCode)
			}
			return &Result{Error: diag, Kind: KindCompileError, ExitCode: p.exitCode}
		}
	}

	p := d.phase(ctx, "run", dir, strat.run(d.cfg.Toolchain, dir), d.cfg.RunTimeout)
	switch {
	case p.err != nil:
		return &Result{Error: p.err.Error(), Kind: KindInternal, ExitCode: -1}
	case p.timedOut:
		return &Result{
			Error:    "execution timed out after " + d.cfg.RunTimeout.String(),
			Kind:     KindTimeout,
			ExitCode: -1,
		}
	}

	res := &Result{Output: p.stdout, Error: p.stderr, ExitCode: p.exitCode}
	if p.stderr != "" || (d.cfg.StrictExitCodes && p.exitCode != 0) {
		res.Kind = KindRuntimeError
	}
	return res
}

type phaseResult struct {
	stdout   string
	stderr   string
	exitCode int
	timedOut bool
	err      error
}

// phase runs one subprocess in dir. A zero timeout means no deadline beyond
// ctx. Non-zero exits are not errors; err is set only when the process could
// not be started or was cancelled by ctx.
func (d *Dispatcher) phase(ctx context.Context, name, dir string, args []string, timeout time.Duration) phaseResult {
	ctx, span := tracing.StartSpan(ctx, name)
	span.SetAttributes(map[string]string{"binary": filepath.Base(args[0])})

	pctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		pctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	stdout := &cappedBuffer{limit: d.cfg.MaxOutputBytes}
	stderr := &cappedBuffer{limit: d.cfg.MaxOutputBytes}
	cmd := exec.CommandContext(pctx, args[0], args[1:]...)
	cmd.Dir = dir
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = time.Second
	isolate(cmd)

	runErr := cmd.Run()

	res := phaseResult{stdout: stdout.String(), stderr: stderr.String(), exitCode: -1}
	if cmd.ProcessState != nil {
		res.exitCode = cmd.ProcessState.ExitCode()
	}

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
	case ctx.Err() != nil:
		res.err = fmt.Errorf("%s cancelled: %w", name, ctx.Err())
	case errors.Is(pctx.Err(), context.DeadlineExceeded):
		res.timedOut = true
	case errors.As(runErr, &exitErr):
	default:
		res.err = fmt.Errorf("%s: %w", name, runErr)
	}

	span.SetInt("exit_code", int64(res.exitCode))
	tracing.EndSpan(span, res.err)
	return res
}

// cappedBuffer keeps the first limit bytes written and silently drops the
// rest so a runaway program cannot exhaust memory.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = len(p) > 0 || b.truncated
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n[output truncated]\n"
	}
	return b.buf.String()
}

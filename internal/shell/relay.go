// Package shell relays command lines to one persistent local shell.
package shell

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/viant/gosh"
	"github.com/viant/gosh/runner"
	"github.com/viant/gosh/runner/local"
)

// ErrDisabled is returned by Send when the relay is switched off.
var ErrDisabled = errors.New("shell relay disabled")

// DefaultTimeout bounds how long Send waits for the next prompt.
const DefaultTimeout = time.Second

// Config controls the relay.
type Config struct {
	Enabled bool
	Timeout time.Duration
	Env     map[string]string
}

// Relay forwards lines to a shell started on first use. State such as the
// working directory and exported variables carries over between lines.
type Relay struct {
	cfg    Config
	logger *slog.Logger

	mu  sync.Mutex
	svc *gosh.Service
}

// New creates a relay. No process is started until the first Send.
func New(cfg Config, logger *slog.Logger) *Relay {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{cfg: cfg, logger: logger.With("component", "shell")}
}

// Enabled reports whether Send will accept lines.
func (r *Relay) Enabled() bool { return r.cfg.Enabled }

// Send writes line to the shell and returns whatever it printed before the
// next prompt or the timeout. Lines from concurrent callers are serialized.
func (r *Relay) Send(ctx context.Context, line string) (string, error) {
	if !r.cfg.Enabled {
		return "", ErrDisabled
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.svc == nil {
		var opts []runner.Option
		if len(r.cfg.Env) > 0 {
			opts = append(opts, runner.WithEnvironment(r.cfg.Env))
		}
		svc, err := gosh.New(ctx, local.New(opts...))
		if err != nil {
			return "", fmt.Errorf("start shell: %w", err)
		}
		r.svc = svc
		r.logger.Info("shell started")
	}

	out, status, err := r.svc.Run(ctx, line, runner.WithTimeout(int(r.cfg.Timeout.Milliseconds())))
	r.logger.Debug("shell command", "status", status, "bytes", len(out))
	if err != nil {
		return out, fmt.Errorf("run %q: %w", line, err)
	}
	return out, nil
}

// Close stops the shell if it was started.
func (r *Relay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.svc == nil {
		return nil
	}
	err := r.svc.Close()
	r.svc = nil
	return err
}

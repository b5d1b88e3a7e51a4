// Package supervisor implements the app supervisor (component K): it
// wires the enabled protocol front-ends together, starts each on its own
// goroutine, and coordinates signal-driven shutdown.
//
// Grounded directly on internal/server/runner.go's Runner: a
// signal.NotifyContext-derived context cancelled on SIGINT/SIGTERM, an
// error channel fan-in across every started component, and a bounded
// graceful-shutdown timeout — translated here from "DNS UDP/TCP servers"
// to "enabled protocol front-ends".
package supervisor

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Runnable is any long-lived component the supervisor starts: it blocks
// until ctx is cancelled or a fatal error occurs, then returns.
type Runnable interface {
	Run(ctx context.Context) error
}

// Supervisor starts every enabled front-end concurrently and waits for
// either a shutdown signal or the first fatal component error.
type Supervisor struct {
	logger      *slog.Logger
	components  []namedRunnable
	stopTimeout time.Duration
}

type namedRunnable struct {
	name string
	r    Runnable
}

// New constructs an empty Supervisor. stopTimeout bounds how long Run
// waits for components to exit after shutdown is requested; zero uses a
// 5s default.
func New(logger *slog.Logger, stopTimeout time.Duration) *Supervisor {
	if stopTimeout <= 0 {
		stopTimeout = 5 * time.Second
	}
	return &Supervisor{logger: logger, stopTimeout: stopTimeout}
}

// Add registers a component under name for logging; components with
// Run(ctx) == nil error return cleanly, returns with a non-nil error abort
// the whole supervisor.
func (s *Supervisor) Add(name string, r Runnable) {
	s.components = append(s.components, namedRunnable{name: name, r: r})
}

// Run starts every registered component and blocks until a SIGINT/SIGTERM
// is received or a component exits with an error. Every component's Run is
// expected to honor context cancellation and return promptly; Run itself
// does not forcibly kill a slow component beyond logging that shutdown is
// taking longer than stopTimeout.
func (s *Supervisor) Run(parent context.Context) error {
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	errCh := make(chan componentErr, len(s.components))
	for _, c := range s.components {
		c := c
		go func() {
			err := c.r.Run(ctx)
			errCh <- componentErr{name: c.name, err: err}
		}()
	}

	if s.logger != nil {
		names := make([]string, 0, len(s.components))
		for _, c := range s.components {
			names = append(names, c.name)
		}
		s.logger.Info("gateway started", "components", names)
	}

	var runErr error
	remaining := len(s.components)
wait:
	for remaining > 0 {
		select {
		case <-ctx.Done():
			if s.logger != nil {
				s.logger.Info("shutdown signal received")
			}
			break wait
		case ce := <-errCh:
			remaining--
			if ce.err != nil {
				if s.logger != nil {
					s.logger.Error("component exited with error", "component", ce.name, "err", ce.err)
				}
				runErr = ce.err
				break wait
			}
		}
	}
	cancelRun()

	s.awaitShutdown(errCh, remaining)
	return runErr
}

func (s *Supervisor) awaitShutdown(errCh <-chan componentErr, total int) {
	deadline := time.After(s.stopTimeout)
	remaining := total
	// One component may have already reported via errCh above; drain the
	// rest, tolerating the one already consumed.
	for remaining > 0 {
		select {
		case ce := <-errCh:
			remaining--
			if ce.err != nil && s.logger != nil {
				s.logger.Warn("component exited during shutdown", "component", ce.name, "err", ce.err)
			}
		case <-deadline:
			if s.logger != nil {
				s.logger.Warn("shutdown timeout exceeded, exiting anyway")
			}
			return
		}
	}
}

type componentErr struct {
	name string
	err  error
}

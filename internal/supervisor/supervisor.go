// Package supervisor keeps the engine process alive: it spawns the engine
// as a child with transparently piped standard streams, restarts it after
// crashes with exponential backoff, and forwards termination signals with a
// grace period.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/parallelwork/parallelwork/internal/common/config"
	"github.com/parallelwork/parallelwork/internal/common/logger"
)

// crashHistorySize bounds the in-memory crash record ring.
const crashHistorySize = 32

// initialBackoff is the first restart delay; it doubles per consecutive
// crash up to the configured cap.
const initialBackoff = time.Second

// ExitStatus describes how a child process ended.
type ExitStatus struct {
	Code   int
	Signal string
}

// CrashRecord is one entry in the bounded crash history.
type CrashRecord struct {
	Time   time.Time
	Code   int
	Signal string
}

// Child is a supervised process. The production implementation wraps
// exec.Cmd; tests substitute a scripted fake.
type Child interface {
	Start() error
	Wait() ExitStatus
	Signal(sig os.Signal) error
	Kill() error
	PID() int
	Alive() bool
}

// SpawnFunc creates a fresh child process, not yet started.
type SpawnFunc func() Child

// Supervisor owns the engine child process lifecycle.
type Supervisor struct {
	cfg    config.SupervisorConfig
	spawn  SpawnFunc
	logger *logger.Logger

	crashes []CrashRecord
	backoff time.Duration
}

// New creates a supervisor for the given child factory.
func New(cfg config.SupervisorConfig, spawn SpawnFunc, log *logger.Logger) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		spawn:   spawn,
		logger:  log.WithFields(zap.String("component", "supervisor")),
		backoff: initialBackoff,
	}
}

// NewExecChild returns a SpawnFunc running the named binary with the
// client's standard streams piped through.
func NewExecChild(path string, args []string) SpawnFunc {
	return func() Child {
		cmd := exec.Command(path, args...)
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Env = os.Environ()
		return &execChild{cmd: cmd}
	}
}

type execChild struct {
	cmd *exec.Cmd
}

func (c *execChild) Start() error {
	return c.cmd.Start()
}

func (c *execChild) Wait() ExitStatus {
	err := c.cmd.Wait()
	status := ExitStatus{Code: 0}
	if err != nil {
		status.Code = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			status.Code = exitErr.ExitCode()
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				status.Signal = ws.Signal().String()
			}
		}
	}
	return status
}

func (c *execChild) Signal(sig os.Signal) error {
	if c.cmd.Process == nil {
		return fmt.Errorf("child not started")
	}
	return c.cmd.Process.Signal(sig)
}

func (c *execChild) Kill() error {
	if c.cmd.Process == nil {
		return nil
	}
	return c.cmd.Process.Kill()
}

func (c *execChild) PID() int {
	if c.cmd.Process == nil {
		return 0
	}
	return c.cmd.Process.Pid
}

func (c *execChild) Alive() bool {
	if c.cmd.Process == nil {
		return false
	}
	return c.cmd.Process.Signal(syscall.Signal(0)) == nil
}

// Run supervises the child until the context is cancelled, a termination
// signal arrives on sigs, or the crash budget is exhausted. Returns nil on
// clean child exit or requested shutdown.
func (s *Supervisor) Run(ctx context.Context, sigs <-chan os.Signal) error {
	for {
		child := s.spawn()
		if err := child.Start(); err != nil {
			return fmt.Errorf("failed to start engine: %w", err)
		}
		s.logger.Info("engine started", zap.Int("pid", child.PID()))

		status, shutdown := s.watch(ctx, child, sigs)
		if shutdown {
			return nil
		}
		if status.Code == 0 && status.Signal == "" {
			s.logger.Info("engine exited cleanly")
			return nil
		}

		s.recordCrash(status)
		recent := s.crashesInWindow()
		s.logger.Warn("engine crashed",
			zap.Int("exit_code", status.Code),
			zap.String("signal", status.Signal),
			zap.Int("recent_crashes", recent))
		if recent > s.cfg.MaxRestarts {
			return fmt.Errorf("engine crashed %d times within %s, giving up",
				recent, s.cfg.RestartWindow())
		}

		delay := s.nextBackoff()
		s.logger.Info("restarting engine", zap.Duration("backoff", delay))
		select {
		case <-ctx.Done():
			return nil
		case sig := <-sigs:
			s.logger.Info("shutdown requested during backoff", zap.String("signal", sig.String()))
			return nil
		case <-time.After(delay):
		}
	}
}

// watch waits for the child to exit, a shutdown request, or a failed
// health ping. Returns the exit status and whether a shutdown was
// requested.
func (s *Supervisor) watch(ctx context.Context, child Child, sigs <-chan os.Signal) (ExitStatus, bool) {
	waitCh := make(chan ExitStatus, 1)
	go func() { waitCh <- child.Wait() }()

	health := time.NewTicker(s.cfg.HealthInterval())
	defer health.Stop()

	for {
		select {
		case status := <-waitCh:
			return status, false
		case <-ctx.Done():
			s.terminate(child, waitCh)
			return ExitStatus{}, true
		case sig := <-sigs:
			s.logger.Info("forwarding shutdown signal", zap.String("signal", sig.String()))
			s.terminate(child, waitCh)
			return ExitStatus{}, true
		case <-health.C:
			// A missing PID between waits counts as a crash; the pending
			// Wait will deliver the status momentarily.
			if !child.Alive() {
				select {
				case status := <-waitCh:
					return status, false
				case <-time.After(time.Second):
					return ExitStatus{Code: -1, Signal: "lost"}, false
				}
			}
		}
	}
}

// terminate asks the child to stop and hard-kills it after the grace
// period.
func (s *Supervisor) terminate(child Child, waitCh <-chan ExitStatus) {
	if err := child.Signal(syscall.SIGTERM); err != nil {
		s.logger.Debug("failed to signal child", zap.Error(err))
		return
	}
	select {
	case <-waitCh:
		s.logger.Info("engine stopped")
	case <-time.After(s.cfg.GracePeriod()):
		s.logger.Warn("grace period expired, killing engine")
		if err := child.Kill(); err != nil {
			s.logger.Debug("failed to kill child", zap.Error(err))
		}
		<-waitCh
	}
}

func (s *Supervisor) recordCrash(status ExitStatus) {
	s.crashes = append(s.crashes, CrashRecord{
		Time:   time.Now(),
		Code:   status.Code,
		Signal: status.Signal,
	})
	if len(s.crashes) > crashHistorySize {
		s.crashes = s.crashes[len(s.crashes)-crashHistorySize:]
	}
}

// crashesInWindow counts crashes inside the configured window.
func (s *Supervisor) crashesInWindow() int {
	cutoff := time.Now().Add(-s.cfg.RestartWindow())
	n := 0
	for _, c := range s.crashes {
		if c.Time.After(cutoff) {
			n++
		}
	}
	return n
}

// nextBackoff doubles the restart delay up to the cap, resetting once the
// crash window has gone quiet.
func (s *Supervisor) nextBackoff() time.Duration {
	if len(s.crashes) >= 2 {
		prev := s.crashes[len(s.crashes)-2]
		if time.Since(prev.Time) > s.cfg.RestartWindow() {
			s.backoff = initialBackoff
		}
	}
	delay := s.backoff
	s.backoff *= 2
	if limit := s.cfg.BackoffCap(); s.backoff > limit {
		s.backoff = limit
	}
	return delay
}

// History returns a copy of the crash records.
func (s *Supervisor) History() []CrashRecord {
	return append([]CrashRecord(nil), s.crashes...)
}

package supervisor

import (
	"context"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parallelwork/parallelwork/internal/common/config"
	"github.com/parallelwork/parallelwork/internal/common/logger"
)

// fakeChild is a scripted child process. It can exit on its own after a
// delay or in response to a termination signal.
type fakeChild struct {
	mu        sync.Mutex
	exit      chan ExitStatus
	exited    bool
	alive     bool
	signals   []os.Signal
	killed    bool
	autoExit  *ExitStatus
	autoDelay time.Duration
}

func newFakeChild() *fakeChild {
	return &fakeChild{exit: make(chan ExitStatus, 1), alive: true}
}

func exitingChild(status ExitStatus, after time.Duration) *fakeChild {
	c := newFakeChild()
	c.autoExit = &status
	c.autoDelay = after
	return c
}

func (c *fakeChild) Start() error {
	if c.autoExit != nil {
		status, delay := *c.autoExit, c.autoDelay
		go func() {
			time.Sleep(delay)
			c.finish(status)
		}()
	}
	return nil
}

func (c *fakeChild) finish(status ExitStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exited {
		return
	}
	c.exited = true
	c.alive = false
	c.exit <- status
}

func (c *fakeChild) Wait() ExitStatus { return <-c.exit }

func (c *fakeChild) Signal(sig os.Signal) error {
	c.mu.Lock()
	c.signals = append(c.signals, sig)
	c.mu.Unlock()
	if sig == syscall.SIGTERM {
		c.finish(ExitStatus{Code: 0})
	}
	return nil
}

func (c *fakeChild) Kill() error {
	c.mu.Lock()
	c.killed = true
	c.mu.Unlock()
	c.finish(ExitStatus{Code: -1, Signal: "killed"})
	return nil
}

func (c *fakeChild) PID() int { return 4242 }

func (c *fakeChild) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alive
}

func (c *fakeChild) receivedSignals() []os.Signal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]os.Signal(nil), c.signals...)
}

// queueSpawner hands out scripted children in order, then long-running
// ones.
type queueSpawner struct {
	mu       sync.Mutex
	children []*fakeChild
	spawned  int
}

func (q *queueSpawner) spawn() Child {
	q.mu.Lock()
	defer q.mu.Unlock()
	var c *fakeChild
	if q.spawned < len(q.children) {
		c = q.children[q.spawned]
	} else {
		c = newFakeChild()
	}
	q.spawned++
	return c
}

func (q *queueSpawner) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.spawned
}

func testConfig() config.SupervisorConfig {
	return config.SupervisorConfig{
		MaxRestarts:        10,
		RestartWindowSecs:  60,
		GracePeriodSecs:    1,
		BackoffCapSecs:     30,
		HealthIntervalSecs: 60,
	}
}

func testSupervisor(t *testing.T, cfg config.SupervisorConfig, spawn SpawnFunc) *Supervisor {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)
	s := New(cfg, spawn, log)
	s.backoff = time.Millisecond
	return s
}

func TestCleanExitEndsSupervision(t *testing.T) {
	q := &queueSpawner{children: []*fakeChild{exitingChild(ExitStatus{Code: 0}, 10*time.Millisecond)}}
	s := testSupervisor(t, testConfig(), q.spawn)

	err := s.Run(context.Background(), make(chan os.Signal))
	require.NoError(t, err)
	assert.Equal(t, 1, q.count())
	assert.Empty(t, s.History())
}

func TestRestartsAfterCrash(t *testing.T) {
	q := &queueSpawner{children: []*fakeChild{
		exitingChild(ExitStatus{Code: 1}, 10*time.Millisecond),
		exitingChild(ExitStatus{Code: 0}, 10*time.Millisecond),
	}}
	s := testSupervisor(t, testConfig(), q.spawn)

	err := s.Run(context.Background(), make(chan os.Signal))
	require.NoError(t, err)
	assert.Equal(t, 2, q.count())

	history := s.History()
	require.Len(t, history, 1)
	assert.Equal(t, 1, history[0].Code)
}

func TestGivesUpAfterCrashBudget(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRestarts = 2
	q := &queueSpawner{children: []*fakeChild{
		exitingChild(ExitStatus{Code: 1}, time.Millisecond),
		exitingChild(ExitStatus{Code: 1}, time.Millisecond),
		exitingChild(ExitStatus{Code: 1}, time.Millisecond),
	}}
	s := testSupervisor(t, cfg, q.spawn)

	err := s.Run(context.Background(), make(chan os.Signal))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "giving up")
	assert.Equal(t, 3, q.count())
	assert.Len(t, s.History(), 3)
}

func TestForwardsTerminationSignal(t *testing.T) {
	child := newFakeChild()
	q := &queueSpawner{children: []*fakeChild{child}}
	s := testSupervisor(t, testConfig(), q.spawn)

	sigs := make(chan os.Signal, 1)
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), sigs) }()

	time.Sleep(20 * time.Millisecond)
	sigs <- syscall.SIGTERM

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("supervisor did not stop after signal")
	}
	assert.Contains(t, child.receivedSignals(), os.Signal(syscall.SIGTERM))
	assert.False(t, child.killed)
}

func TestContextCancelStopsChild(t *testing.T) {
	child := newFakeChild()
	q := &queueSpawner{children: []*fakeChild{child}}
	s := testSupervisor(t, testConfig(), q.spawn)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, make(chan os.Signal)) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("supervisor did not stop on context cancel")
	}
	assert.Contains(t, child.receivedSignals(), os.Signal(syscall.SIGTERM))
}

func TestBackoffDoublesUpToCap(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)
	s := New(testConfig(), nil, log)

	var delays []time.Duration
	for i := 0; i < 7; i++ {
		s.recordCrash(ExitStatus{Code: 1})
		delays = append(delays, s.nextBackoff())
	}
	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	assert.Equal(t, want, delays)
}

func TestCrashHistoryIsBounded(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)
	s := New(testConfig(), nil, log)

	for i := 0; i < crashHistorySize+10; i++ {
		s.recordCrash(ExitStatus{Code: 1})
	}
	assert.Len(t, s.History(), crashHistorySize)
}

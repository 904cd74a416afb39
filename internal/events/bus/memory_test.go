package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parallelwork/parallelwork/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestMemoryBusPublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	var mu sync.Mutex
	var received []*Event

	sub, err := b.Subscribe(Subject(EventTaskProgress), func(ctx context.Context, e *Event) error {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	require.True(t, sub.IsValid())

	event := NewEvent(EventTaskProgress, "executor", map[string]any{"job_id": "j-1"})
	require.NoError(t, b.Publish(context.Background(), Subject(EventTaskProgress), event))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, EventTaskProgress, received[0].Type)
	assert.Equal(t, "j-1", received[0].Data["job_id"])
}

func TestMemoryBusWildcardSubscription(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	var mu sync.Mutex
	var types []string

	_, err := b.Subscribe(SubjectAll, func(ctx context.Context, e *Event) error {
		mu.Lock()
		types = append(types, e.Type)
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, Subject(EventContainerStarted), NewEvent(EventContainerStarted, "pool", nil)))
	require.NoError(t, b.Publish(ctx, Subject(EventDiffCreated), NewEvent(EventDiffCreated, "patch", nil)))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(types) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{EventContainerStarted, EventDiffCreated}, types)
}

func TestMemoryBusNoMatchForOtherSubject(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	var mu sync.Mutex
	count := 0

	_, err := b.Subscribe(Subject(EventTaskCompleted), func(ctx context.Context, e *Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), Subject(EventTaskCreated), NewEvent(EventTaskCreated, "tools", nil)))

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, count)
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	var mu sync.Mutex
	count := 0

	sub, err := b.Subscribe(Subject(EventRepoActivity), func(ctx context.Context, e *Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), Subject(EventRepoActivity), NewEvent(EventRepoActivity, "watcher", nil)))

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, count)
}

func TestMemoryBusClosedRejectsPublish(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	b.Close()

	assert.False(t, b.IsConnected())
	err := b.Publish(context.Background(), Subject(EventTaskProgress), NewEvent(EventTaskProgress, "executor", nil))
	assert.Error(t, err)

	_, err = b.Subscribe(SubjectAll, func(ctx context.Context, e *Event) error { return nil })
	assert.Error(t, err)
}

func TestCompilePattern(t *testing.T) {
	tests := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"parallelwork.events.>", "parallelwork.events.task_progress", true},
		{"parallelwork.events.>", "parallelwork.other", false},
		{"parallelwork.*.task_progress", "parallelwork.events.task_progress", true},
		{"parallelwork.*", "parallelwork.events.task_progress", false},
		{"exact.subject", "exact.subject", true},
		{"exact.subject", "exact.other", false},
	}

	for _, tt := range tests {
		got := matches(tt.subject, tt.pattern, compilePattern(tt.pattern))
		assert.Equal(t, tt.want, got, "pattern %q subject %q", tt.pattern, tt.subject)
	}
}

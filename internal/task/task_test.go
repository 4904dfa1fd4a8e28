package task

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/router-for-me/GeminiBizAPI/internal/account"
)

func newTestService(execute func(ctx context.Context, t *Task)) *Service {
	s := newService("test", func() []account.Document { return nil }, func([]account.Document) {})
	s.execute = execute
	return s
}

func enqueueTestTask(s *Service, kind string) *Task {
	t := &Task{
		ID:        newTaskID(),
		Kind:      kind,
		Status:    StatusPending,
		CreatedAt: time.Now().Unix(),
	}
	s.enqueue(t)
	return t
}

func waitFinished(t *testing.T, s *Service, id string) Task {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if snap, ok := s.Get(id); ok && snap.Status.Finished() {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s did not finish", id)
	return Task{}
}

func TestWorkerRunsTasksInOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string

	release := make(chan struct{})
	s := newTestService(func(_ context.Context, tk *Task) {
		mu.Lock()
		order = append(order, tk.ID)
		mu.Unlock()
		<-release
	})

	first := enqueueTestTask(s, "register")
	second := enqueueTestTask(s, "register")
	third := enqueueTestTask(s, "register")
	close(release)

	waitFinished(t, s, third.ID)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{first.ID, second.ID, third.ID}, order)
}

func TestTaskStatusFromFailCount(t *testing.T) {
	s := newTestService(func(_ context.Context, tk *Task) {
		tk.mu.Lock()
		tk.SuccessCount = 2
		tk.mu.Unlock()
	})
	tk := enqueueTestTask(s, "register")
	snap := waitFinished(t, s, tk.ID)
	assert.Equal(t, StatusSuccess, snap.Status)
	assert.NotZero(t, snap.FinishedAt)

	s = newTestService(func(_ context.Context, tk *Task) {
		tk.mu.Lock()
		tk.FailCount = 1
		tk.mu.Unlock()
	})
	tk = enqueueTestTask(s, "register")
	assert.Equal(t, StatusFailed, waitFinished(t, s, tk.ID).Status)
}

func TestCancelPendingTask(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	s := newTestService(func(_ context.Context, tk *Task) {
		close(started)
		<-release
	})

	running := enqueueTestTask(s, "register")
	<-started
	queued := enqueueTestTask(s, "register")

	snap, ok := s.Cancel(queued.ID, "operator request")
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, snap.Status)
	assert.Equal(t, "operator request", snap.CancelReason)
	assert.Empty(t, s.PendingIDs())

	close(release)
	waitFinished(t, s, running.ID)

	// The cancelled task never ran.
	final, _ := s.Get(queued.ID)
	assert.Equal(t, StatusCancelled, final.Status)
}

func TestCancelRunningTaskSignalsContext(t *testing.T) {
	started := make(chan struct{})
	s := newTestService(func(ctx context.Context, tk *Task) {
		close(started)
		<-ctx.Done()
	})

	tk := enqueueTestTask(s, "refresh")
	<-started

	_, ok := s.Cancel(tk.ID, "shutdown")
	require.True(t, ok)

	snap := waitFinished(t, s, tk.ID)
	assert.Equal(t, StatusCancelled, snap.Status)
	assert.True(t, snap.CancelRequested)
}

func TestCancelUnknownTask(t *testing.T) {
	s := newTestService(func(context.Context, *Task) {})
	_, ok := s.Cancel("nope", "reason")
	assert.False(t, ok)
}

func TestCurrentPrefersRunning(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	s := newTestService(func(_ context.Context, tk *Task) {
		close(started)
		<-release
	})

	running := enqueueTestTask(s, "register")
	<-started
	enqueueTestTask(s, "register")

	cur, ok := s.Current()
	require.True(t, ok)
	assert.Equal(t, running.ID, cur.ID)
	assert.Equal(t, StatusRunning, cur.Status)

	close(release)
}

func TestFinishedTaskRetention(t *testing.T) {
	s := newTestService(func(context.Context, *Task) {})

	var last *Task
	for i := 0; i < maxCompletedTasks+5; i++ {
		last = enqueueTestTask(s, "register")
		waitFinished(t, s, last.ID)
	}

	s.mu.Lock()
	count := len(s.tasks)
	_, newest := s.tasks[last.ID]
	s.mu.Unlock()
	assert.LessOrEqual(t, count, maxCompletedTasks)
	assert.True(t, newest)
}

func TestPanicMarksTaskFailed(t *testing.T) {
	s := newTestService(func(context.Context, *Task) {
		panic("boom")
	})
	tk := enqueueTestTask(s, "register")
	snap := waitFinished(t, s, tk.ID)
	assert.Equal(t, StatusFailed, snap.Status)
	assert.Contains(t, snap.Error, "boom")
}

func TestLogRing(t *testing.T) {
	s := newTestService(func(context.Context, *Task) {})
	tk := &Task{ID: "log-ring", Status: StatusRunning}
	for i := 0; i < maxLogsPerTask+30; i++ {
		s.appendLog(tk, "info", fmt.Sprintf("line %d", i))
	}
	assert.Len(t, tk.Logs, maxLogsPerTask)
	assert.Equal(t, fmt.Sprintf("line %d", maxLogsPerTask+29), tk.Logs[len(tk.Logs)-1].Message)
}

func TestCompactResultKeepsKnownFields(t *testing.T) {
	got := compactResult(map[string]any{
		"success":    true,
		"email":      "a@example.com",
		"account_id": "acc-1",
		"huge_blob":  strings.Repeat("x", 10_000),
	})
	assert.Equal(t, map[string]any{
		"success":    true,
		"email":      "a@example.com",
		"account_id": "acc-1",
	}, got)
}

func TestCompactResultConfigFallback(t *testing.T) {
	got := compactResult(map[string]any{
		"success": true,
		"config": map[string]any{
			"id":         "b@example.com",
			"expires_at": "2026-09-01 00:00:00",
			"csesidx":    "secret",
		},
	})
	assert.Equal(t, "b@example.com", got["email"])
	assert.Equal(t, "2026-09-01 00:00:00", got["expires_at"])
	assert.NotContains(t, got, "csesidx")
}

func TestCompactResultTruncatesError(t *testing.T) {
	got := compactResult(map[string]any{"error": strings.Repeat("e", 500)})
	assert.Len(t, got["error"].(string), 300)
}

func TestCompactResultUnknownShape(t *testing.T) {
	got := compactResult(map[string]any{"weird": 1})
	assert.Equal(t, false, got["success"])
	assert.NotEmpty(t, got["detail"])
}

func TestMergeAccountConfigs(t *testing.T) {
	existing := []account.Document{{ID: "a@x.com", Csesidx: "old"}}
	var applied []account.Document
	s := newService("test",
		func() []account.Document { return existing },
		func(docs []account.Document) { applied = docs })
	s.execute = func(context.Context, *Task) {}

	tk := &Task{ID: "merge", Status: StatusRunning}
	s.mergeAccountConfigs(tk, []account.Document{
		{ID: "a@x.com", Csesidx: "new"},
		{ID: "b@x.com", Csesidx: "fresh"},
		{},
	})

	require.Len(t, applied, 2)
	assert.Equal(t, "new", applied[0].Csesidx)
	assert.Equal(t, "b@x.com", applied[1].ID)
}

func TestParseLogLine(t *testing.T) {
	level, msg, ok := parseLogLine("LOG:ERROR:login failed")
	require.True(t, ok)
	assert.Equal(t, "error", level)
	assert.Equal(t, "login failed", msg)

	level, msg, ok = parseLogLine("LOG:plain message")
	require.True(t, ok)
	assert.Equal(t, "info", level)
	assert.Equal(t, "plain message", msg)

	level, _, ok = parseLogLine("LOG:TRACE:odd level")
	require.True(t, ok)
	assert.Equal(t, "info", level)

	_, _, ok = parseLogLine("not a log line")
	assert.False(t, ok)
}

// Package task runs the queued register and refresh jobs. Each kind has a
// single-worker FIFO queue; the job body drives a browser automation child
// process and folds successful credential bundles back into the account
// pool.
package task

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/GeminiBizAPI/internal/account"
)

// Status is the lifecycle state of one task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Finished reports a terminal status.
func (s Status) Finished() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

// LogEntry is one line of a task's log ring.
type LogEntry struct {
	Time    string `json:"time"`
	Level   string `json:"level"`
	Message string `json:"message"`
}

const (
	maxCompletedTasks = 10
	maxLogsPerTask    = 120
	maxResultsPerTask = 200
)

// Task is one queued or running job.
type Task struct {
	ID           string           `json:"id"`
	Kind         string           `json:"kind"`
	Status       Status           `json:"status"`
	Progress     int              `json:"progress"`
	SuccessCount int              `json:"success_count"`
	FailCount    int              `json:"fail_count"`
	CreatedAt    int64            `json:"created_at"`
	FinishedAt   int64            `json:"finished_at,omitempty"`
	Results      []map[string]any `json:"results"`
	Error        string           `json:"error,omitempty"`
	Logs         []LogEntry       `json:"logs"`

	CancelRequested bool   `json:"cancel_requested"`
	CancelReason    string `json:"cancel_reason,omitempty"`

	// Register parameters.
	Count        int    `json:"count,omitempty"`
	MailProvider string `json:"mail_provider,omitempty"`
	Domain       string `json:"domain,omitempty"`

	// Refresh parameters.
	AccountIDs []string `json:"account_ids,omitempty"`

	mu sync.Mutex
}

// Cancelled reports whether cancellation was requested.
func (t *Task) Cancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.CancelRequested
}

// Snapshot copies the task for serialization without racing the worker.
func (t *Task) Snapshot() Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := Task{
		ID:              t.ID,
		Kind:            t.Kind,
		Status:          t.Status,
		Progress:        t.Progress,
		SuccessCount:    t.SuccessCount,
		FailCount:       t.FailCount,
		CreatedAt:       t.CreatedAt,
		FinishedAt:      t.FinishedAt,
		Error:           t.Error,
		CancelRequested: t.CancelRequested,
		CancelReason:    t.CancelReason,
		Count:           t.Count,
		MailProvider:    t.MailProvider,
		Domain:          t.Domain,
	}
	out.Results = append([]map[string]any(nil), t.Results...)
	out.Logs = append([]LogEntry(nil), t.Logs...)
	out.AccountIDs = append([]string(nil), t.AccountIDs...)
	return out
}

// AccountsUpdateFunc applies a merged account list: persist it and hot-swap
// the pool.
type AccountsUpdateFunc func(docs []account.Document)

// Service is the single-worker queue shared by the concrete task kinds.
type Service struct {
	mu        sync.Mutex
	tasks     map[string]*Task
	pending   []string
	currentID string
	running   bool

	logPrefix string
	execute   func(ctx context.Context, t *Task)

	cancelCurrent context.CancelFunc

	applyAccounts AccountsUpdateFunc
	loadAccounts  func() []account.Document
}

func newService(logPrefix string, loadAccounts func() []account.Document, applyAccounts AccountsUpdateFunc) *Service {
	return &Service{
		tasks:         make(map[string]*Task),
		logPrefix:     logPrefix,
		loadAccounts:  loadAccounts,
		applyAccounts: applyAccounts,
	}
}

// Get returns a snapshot of the task, if known.
func (s *Service) Get(taskID string) (Task, bool) {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	s.mu.Unlock()
	if !ok {
		return Task{}, false
	}
	return t.Snapshot(), true
}

// Current returns the running task, or the next pending one.
func (s *Service) Current() (Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.currentID != "" {
		if t, ok := s.tasks[s.currentID]; ok {
			return t.Snapshot(), true
		}
	}
	for _, id := range s.pending {
		if t, ok := s.tasks[id]; ok && t.Status == StatusPending {
			return t.Snapshot(), true
		}
	}
	return Task{}, false
}

// PendingIDs returns the queued task ids in order.
func (s *Service) PendingIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.pending...)
}

// PendingOrRunningAccountIDs collects account ids referenced by queued or
// running refresh work, for deduplication by the auto-refresh loop.
func (s *Service) PendingOrRunningAccountIDs() map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]struct{})
	collect := func(t *Task) {
		for _, id := range t.AccountIDs {
			out[id] = struct{}{}
		}
	}
	if t, ok := s.tasks[s.currentID]; ok && t.Status == StatusRunning {
		collect(t)
	}
	for _, id := range s.pending {
		if t, ok := s.tasks[id]; ok && t.Status == StatusPending {
			collect(t)
		}
	}
	return out
}

// Cancel requests cancellation. Pending tasks finish immediately; the
// running task is signalled and its child process terminated.
func (s *Service) Cancel(taskID, reason string) (Task, bool) {
	s.mu.Lock()
	t, ok := s.tasks[taskID]
	if !ok {
		s.mu.Unlock()
		return Task{}, false
	}

	t.mu.Lock()
	switch t.Status {
	case StatusPending:
		t.CancelRequested = true
		t.CancelReason = reason
		t.Status = StatusCancelled
		t.FinishedAt = time.Now().Unix()
		t.mu.Unlock()
		for i, id := range s.pending {
			if id == taskID {
				s.pending = append(s.pending[:i], s.pending[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		s.appendLog(t, "warning", fmt.Sprintf("task cancelled while pending: %s", reason))
		return t.Snapshot(), true
	case StatusRunning:
		t.CancelRequested = true
		t.CancelReason = reason
		t.mu.Unlock()
		cancel := s.cancelCurrent
		s.mu.Unlock()
		s.appendLog(t, "warning", fmt.Sprintf("cancel requested: %s", reason))
		if cancel != nil {
			cancel()
		}
		return t.Snapshot(), true
	default:
		t.mu.Unlock()
		s.mu.Unlock()
		return t.Snapshot(), true
	}
}

// enqueue appends the task and wakes the worker.
func (s *Service) enqueue(t *Task) {
	s.mu.Lock()
	s.tasks[t.ID] = t
	s.pending = append(s.pending, t.ID)
	start := !s.running
	if start {
		s.running = true
	}
	s.mu.Unlock()
	if start {
		go s.runWorker()
	}
}

func (s *Service) runWorker() {
	for {
		s.mu.Lock()
		var next *Task
		for len(s.pending) > 0 {
			id := s.pending[0]
			s.pending = s.pending[1:]
			if t, ok := s.tasks[id]; ok && t.Status == StatusPending {
				next = t
				break
			}
		}
		if next == nil {
			s.running = false
			s.currentID = ""
			s.mu.Unlock()
			return
		}
		s.currentID = next.ID
		ctx, cancel := context.WithCancel(context.Background())
		s.cancelCurrent = cancel
		s.mu.Unlock()

		s.runOne(ctx, next)
		cancel()
		// Reclaim browsers a crashed child may have left behind before the
		// next task starts.
		SweepOrphans()

		s.mu.Lock()
		if s.currentID == next.ID {
			s.currentID = ""
		}
		s.cancelCurrent = nil
		s.mu.Unlock()
	}
}

func (s *Service) runOne(ctx context.Context, t *Task) {
	t.mu.Lock()
	if t.CancelRequested {
		t.Status = StatusCancelled
		t.FinishedAt = time.Now().Unix()
		t.mu.Unlock()
		return
	}
	t.Status = StatusRunning
	t.mu.Unlock()
	s.appendLog(t, "info", "task started")

	activeTasks.Add(1)
	defer activeTasks.Add(-1)

	defer func() {
		if r := recover(); r != nil {
			t.mu.Lock()
			t.Status = StatusFailed
			t.Error = fmt.Sprintf("panic: %v", r)
			t.FinishedAt = time.Now().Unix()
			t.mu.Unlock()
			log.Errorf("[%s] task %s panicked: %v", s.logPrefix, t.ID, r)
		}
		s.compact(t)
		s.cleanupFinished()
	}()

	s.execute(ctx, t)

	t.mu.Lock()
	if !t.Status.Finished() {
		if t.CancelRequested {
			t.Status = StatusCancelled
		} else if t.FailCount == 0 {
			t.Status = StatusSuccess
		} else {
			t.Status = StatusFailed
		}
	}
	if t.FinishedAt == 0 {
		t.FinishedAt = time.Now().Unix()
	}
	status := t.Status
	t.mu.Unlock()
	s.appendLog(t, "info", fmt.Sprintf("task finished (status=%s, success=%d, fail=%d)", status, t.SuccessCount, t.FailCount))
}

// appendLog records a ring-buffered task log line and mirrors it to the
// process logger.
func (s *Service) appendLog(t *Task, level, msg string) {
	entry := LogEntry{
		Time:    time.Now().In(time.Local).Format("2006-01-02 15:04:05"),
		Level:   level,
		Message: msg,
	}
	t.mu.Lock()
	t.Logs = append(t.Logs, entry)
	if len(t.Logs) > maxLogsPerTask {
		t.Logs = t.Logs[len(t.Logs)-maxLogsPerTask:]
	}
	t.mu.Unlock()

	line := fmt.Sprintf("[%s] %s", s.logPrefix, msg)
	switch level {
	case "warning":
		log.Warn(line)
	case "error":
		log.Error(line)
	default:
		log.Info(line)
	}
}

// compactResult keeps only the lightweight, well-known fields of a result.
func compactResult(result map[string]any) map[string]any {
	compact := make(map[string]any)
	for _, key := range []string{"success", "email", "account_id", "status", "error", "reason"} {
		if v, ok := result[key]; ok {
			compact[key] = v
		}
	}
	if cfg, ok := result["config"].(map[string]any); ok {
		if _, has := compact["email"]; !has {
			if id, okID := cfg["id"]; okID {
				compact["email"] = id
			}
		}
		if expires, okExp := cfg["expires_at"]; okExp {
			compact["expires_at"] = expires
		}
	}
	if errStr, ok := compact["error"].(string); ok && len(errStr) > 300 {
		compact["error"] = errStr[:300]
	}
	if len(compact) == 0 {
		compact["success"] = false
		compact["detail"] = fmt.Sprintf("%.300v", result)
	}
	return compact
}

func (s *Service) appendResult(t *Task, result map[string]any) {
	t.mu.Lock()
	t.Results = append(t.Results, compactResult(result))
	if len(t.Results) > maxResultsPerTask {
		t.Results = t.Results[len(t.Results)-maxResultsPerTask:]
	}
	t.mu.Unlock()
}

func (s *Service) compact(t *Task) {
	t.mu.Lock()
	if len(t.Logs) > maxLogsPerTask {
		t.Logs = t.Logs[len(t.Logs)-maxLogsPerTask:]
	}
	if len(t.Results) > maxResultsPerTask {
		t.Results = t.Results[len(t.Results)-maxResultsPerTask:]
	}
	t.mu.Unlock()
}

// cleanupFinished evicts the oldest finished tasks past the retention cap.
func (s *Service) cleanupFinished() {
	s.mu.Lock()
	defer s.mu.Unlock()
	type finished struct {
		id string
		at int64
	}
	var done []finished
	for id, t := range s.tasks {
		if t.Status.Finished() {
			done = append(done, finished{id, t.FinishedAt})
		}
	}
	if len(done) <= maxCompletedTasks {
		return
	}
	for i := 0; i < len(done); i++ {
		for j := i + 1; j < len(done); j++ {
			if done[j].at < done[i].at {
				done[i], done[j] = done[j], done[i]
			}
		}
	}
	remove := len(done) - maxCompletedTasks
	for i := 0; i < remove; i++ {
		delete(s.tasks, done[i].id)
	}
	log.Infof("[%s] cleaned %d expired task records (remaining=%d)", s.logPrefix, remove, len(s.tasks))
}

// mergeAccountConfigs folds credential bundles produced by a task into the
// current account list, updating existing entries by id.
func (s *Service) mergeAccountConfigs(t *Task, configs []account.Document) {
	if len(configs) == 0 {
		return
	}
	docs := s.loadAccounts()
	byID := make(map[string]int, len(docs))
	for i, doc := range docs {
		byID[doc.ID] = i
	}
	updated := 0
	for _, cfg := range configs {
		if cfg.ID == "" {
			continue
		}
		if idx, ok := byID[cfg.ID]; ok {
			docs[idx] = cfg
		} else {
			byID[cfg.ID] = len(docs)
			docs = append(docs, cfg)
		}
		updated++
	}
	if updated == 0 {
		return
	}
	s.applyAccounts(docs)
	s.appendLog(t, "info", fmt.Sprintf("saved %d account configs", updated))
}

func newTaskID() string {
	return uuid.NewString()
}

// Package refresh runs the background account maintenance loop: recycling
// accounts whose lifetime is nearly over, replenishing the pool back to its
// target size, and refreshing sessions that are about to expire.
package refresh

import (
	"context"
	"os"
	"sync"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/GeminiBizAPI/internal/account"
	"github.com/router-for-me/GeminiBizAPI/internal/constant"
	"github.com/router-for-me/GeminiBizAPI/internal/task"
)

// Loop owns the periodic maintenance schedule.
type Loop struct {
	pool          func() *account.Manager
	loadAccounts  func() []account.Document
	applyAccounts task.AccountsUpdateFunc
	register      *task.RegisterService
	refresh       *task.RefreshService

	cron *cron.Cron

	mu     sync.Mutex
	paused bool
}

// NewLoop wires the maintenance loop to the pool and task queues.
func NewLoop(pool func() *account.Manager, loadAccounts func() []account.Document, applyAccounts task.AccountsUpdateFunc, register *task.RegisterService, refresh *task.RefreshService) *Loop {
	return &Loop{
		pool:          pool,
		loadAccounts:  loadAccounts,
		applyAccounts: applyAccounts,
		register:      register,
		refresh:       refresh,
	}
}

// Start schedules the loop on its fixed cadence and stops it when ctx ends.
func (l *Loop) Start(ctx context.Context) {
	l.cron = cron.New()
	_, err := l.cron.AddFunc("@every "+constant.AutoRefreshInterval.String(), l.Tick)
	if err != nil {
		log.Errorf("auto-refresh schedule: %v", err)
		return
	}
	l.cron.Start()
	go func() {
		<-ctx.Done()
		<-l.cron.Stop().Done()
	}()
	log.Infof("auto-refresh loop started (every %s)", constant.AutoRefreshInterval)
}

// Pause suspends maintenance without stopping the schedule.
func (l *Loop) Pause() {
	l.mu.Lock()
	l.paused = true
	l.mu.Unlock()
	log.Info("auto-refresh paused")
}

// Resume re-enables maintenance and runs one tick immediately.
func (l *Loop) Resume() {
	l.mu.Lock()
	l.paused = false
	l.mu.Unlock()
	log.Info("auto-refresh resumed")
	go l.Tick()
}

// Paused reports the current pause state.
func (l *Loop) Paused() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.paused
}

// Tick runs one maintenance pass.
func (l *Loop) Tick() {
	if l.Paused() {
		return
	}
	l.recycle()
	l.replenish()
	l.refreshExpiring()
}

// recycle drops accounts whose lifetime ends within the recycle window.
// Accounts resting in a rate-limit cooldown are left alone so their quota
// can still recover and be used.
func (l *Loop) recycle() {
	pool := l.pool()
	var stale []string
	for _, a := range pool.All() {
		if !a.AccountExpiresWithin(constant.AccountRecycleWindow) {
			continue
		}
		if a.InRateLimitCooldown() {
			continue
		}
		stale = append(stale, a.ID)
	}
	if len(stale) == 0 {
		return
	}

	drop := make(map[string]struct{}, len(stale))
	for _, id := range stale {
		drop[id] = struct{}{}
	}
	docs := l.loadAccounts()
	kept := docs[:0]
	for _, doc := range docs {
		if _, gone := drop[doc.ID]; gone {
			continue
		}
		kept = append(kept, doc)
	}
	l.applyAccounts(kept)
	log.Infof("auto-refresh recycled %d expiring accounts", len(stale))
}

// replenish queues registration for the shortfall below the target size.
func (l *Loop) replenish() {
	if os.Getenv("ACCOUNTS_CONFIG") != "" {
		return
	}
	usable := l.pool().UsableCount(constant.AccountRecycleWindow)
	deficit := constant.PoolTargetSize - usable
	if deficit <= 0 {
		return
	}
	if t, err := l.register.Start(deficit, "", ""); err != nil {
		log.Warnf("auto-refresh replenish skipped: %v", err)
	} else {
		log.Infof("auto-refresh queued registration of %d accounts (task %s)", t.Count, t.ID)
	}
}

// refreshExpiring queues a session refresh for accounts expiring soon.
func (l *Loop) refreshExpiring() {
	var due []string
	for _, a := range l.pool().All() {
		if a.Disabled {
			continue
		}
		if a.SessionExpiresWithin(constant.SessionRefreshWindow) {
			due = append(due, a.ID)
		}
	}
	if len(due) == 0 {
		return
	}
	if t, ok := l.refresh.Start(due); ok {
		log.Infof("auto-refresh queued session refresh for %d accounts (task %s)", len(t.AccountIDs), t.ID)
	}
}

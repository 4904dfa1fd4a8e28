// Package binding maps conversation fingerprints to upstream accounts and
// sessions so follow-up turns land on the account that holds their history.
package binding

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/GeminiBizAPI/internal/constant"
	"github.com/router-for-me/GeminiBizAPI/internal/store"
)

// Record binds one chat id to an account and, once created, an upstream
// session.
type Record struct {
	AccountID string  `json:"account_id"`
	SessionID string  `json:"session_id,omitempty"`
	CreatedAt float64 `json:"created_at"`
}

// Manager is the binding table. All mutations mark a dirty bit consumed by
// the background persister.
type Manager struct {
	mu         sync.Mutex
	entries    map[string]*Record
	dirty      bool
	ttl        time.Duration
	maxEntries int
}

// NewManager creates an empty binding table with the default TTL and cap.
func NewManager() *Manager {
	return &Manager{
		entries:    make(map[string]*Record),
		ttl:        constant.BindingTTL,
		maxEntries: constant.BindingMaxEntries,
	}
}

// Get returns the live binding for chatID, lazily evicting it when past TTL.
func (m *Manager) Get(chatID string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.entries[chatID]
	if !ok {
		return Record{}, false
	}
	if m.expiredLocked(rec) {
		delete(m.entries, chatID)
		m.dirty = true
		return Record{}, false
	}
	return *rec, true
}

func (m *Manager) expiredLocked(rec *Record) bool {
	created := time.Unix(int64(rec.CreatedAt), 0)
	return time.Since(created) > m.ttl
}

// Set binds chatID to an account, preserving the earliest created_at. When
// the account is unchanged and no new session is given, the previous session
// survives.
func (m *Manager) Set(chatID, accountID, sessionID string) {
	now := float64(time.Now().Unix())
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.entries[chatID]; ok {
		if sessionID == "" && rec.AccountID == accountID {
			sessionID = rec.SessionID
		}
		rec.AccountID = accountID
		rec.SessionID = sessionID
		m.dirty = true
		return
	}

	m.entries[chatID] = &Record{AccountID: accountID, SessionID: sessionID, CreatedAt: now}
	m.dirty = true
	m.evictOverflowLocked()
}

// Remove deletes the binding entirely.
func (m *Manager) Remove(chatID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[chatID]; ok {
		delete(m.entries, chatID)
		m.dirty = true
	}
}

// ResetSession keeps the bound account but clears its session.
func (m *Manager) ResetSession(chatID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.entries[chatID]
	if !ok {
		return false
	}
	rec.SessionID = ""
	m.dirty = true
	return true
}

// RemoveByAccount drops every binding pointing at accountID. Called when an
// account leaves the pool.
func (m *Manager) RemoveByAccount(accountID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for chatID, rec := range m.entries {
		if rec.AccountID == accountID {
			delete(m.entries, chatID)
			removed++
		}
	}
	if removed > 0 {
		m.dirty = true
	}
	return removed
}

// Len returns the live entry count.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// evictOverflowLocked removes the oldest 10% by created_at once the table
// exceeds its cap.
func (m *Manager) evictOverflowLocked() {
	if len(m.entries) <= m.maxEntries {
		return
	}
	type aged struct {
		chatID  string
		created float64
	}
	all := make([]aged, 0, len(m.entries))
	for chatID, rec := range m.entries {
		all = append(all, aged{chatID, rec.CreatedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].created < all[j].created })
	drop := len(m.entries) / 10
	if drop < 1 {
		drop = 1
	}
	for i := 0; i < drop && i < len(all); i++ {
		delete(m.entries, all[i].chatID)
	}
	log.Infof("binding table over %d entries, evicted %d oldest", m.maxEntries, drop)
}

// Load replaces the table from a persisted document, dropping entries
// already past TTL.
func (m *Manager) Load(doc []byte) error {
	if len(doc) == 0 {
		return nil
	}
	var raw map[string]*Record
	if err := json.Unmarshal(doc, &raw); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*Record, len(raw))
	for chatID, rec := range raw {
		if rec == nil || m.expiredLocked(rec) {
			continue
		}
		m.entries[chatID] = rec
	}
	log.Infof("loaded %d session bindings", len(m.entries))
	return nil
}

// snapshot marshals the table and clears the dirty bit.
func (m *Manager) snapshot() ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.dirty {
		return nil, false
	}
	doc, err := json.Marshal(m.entries)
	if err != nil {
		log.Errorf("marshal session bindings: %v", err)
		return nil, false
	}
	m.dirty = false
	return doc, true
}

// StartPersister flushes the table to the store whenever the dirty bit is
// set, at the given interval, until ctx is done.
func (m *Manager) StartPersister(ctx context.Context, st store.Store, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				m.flush(context.Background(), st)
				return
			case <-ticker.C:
				m.flush(ctx, st)
			}
		}
	}()
}

func (m *Manager) flush(ctx context.Context, st store.Store) {
	doc, ok := m.snapshot()
	if !ok {
		return
	}
	if err := st.Set(ctx, store.KeySessionBindings, doc); err != nil {
		log.Errorf("persist session bindings: %v", err)
	}
}

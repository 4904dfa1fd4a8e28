package account

import (
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/GeminiBizAPI/internal/registry"
)

// ErrNoAccountAvailable is returned when no usable account matches the
// request's quota class.
var ErrNoAccountAvailable = errors.New("no account available")

// Manager is the account pool. Selection rotates a shared cursor so that
// between two selections of the same account every other eligible account
// has been offered.
type Manager struct {
	mu            sync.Mutex
	accounts      map[string]*Account
	order         []string
	lastUsedIndex int

	failureThreshold int
	cooldownSeconds  int
}

// NewManager builds a pool from persisted documents.
func NewManager(docs []Document, failureThreshold, cooldownSeconds int) *Manager {
	m := &Manager{
		accounts:         make(map[string]*Account),
		lastUsedIndex:    -1,
		failureThreshold: failureThreshold,
		cooldownSeconds:  cooldownSeconds,
	}
	for _, doc := range docs {
		if !doc.Usable() {
			log.Warnf("skipping account %q with incomplete credentials", doc.ID)
			continue
		}
		m.accounts[doc.ID] = newAccount(doc, failureThreshold, cooldownSeconds)
		m.order = append(m.order, doc.ID)
	}
	return m
}

// Get returns the named account when accountID is non-empty, otherwise the
// next eligible account in round-robin order.
func (m *Manager) Get(accountID, requestID string, class registry.QuotaClass) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if accountID != "" {
		a, ok := m.accounts[accountID]
		if !ok {
			return nil, fmt.Errorf("account %s not found", accountID)
		}
		return a, nil
	}

	n := len(m.order)
	if n == 0 {
		return nil, ErrNoAccountAvailable
	}
	start := m.lastUsedIndex
	for i := 1; i <= n; i++ {
		idx := (start + i) % n
		a := m.accounts[m.order[idx]]
		if !m.eligible(a, class) {
			continue
		}
		m.lastUsedIndex = idx
		log.Debugf("[%s] selected account %s (%d/%d)", requestID, a.ID, idx+1, n)
		return a, nil
	}
	return nil, ErrNoAccountAvailable
}

// GetExcluding behaves like Get but skips accounts in the exclusion set.
// The orchestrator uses it when failing over inside one request.
func (m *Manager) GetExcluding(requestID string, class registry.QuotaClass, excluded map[string]struct{}) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.order)
	start := m.lastUsedIndex
	for i := 1; i <= n; i++ {
		idx := (start + i) % n
		a := m.accounts[m.order[idx]]
		if _, skip := excluded[a.ID]; skip {
			continue
		}
		if !m.eligible(a, class) {
			continue
		}
		m.lastUsedIndex = idx
		return a, nil
	}
	return nil, ErrNoAccountAvailable
}

func (m *Manager) eligible(a *Account, class registry.QuotaClass) bool {
	return a.ShouldRetry() && !a.Expired() && a.IsQuotaAvailable(class)
}

// Lookup returns the account by id without selection side effects.
func (m *Manager) Lookup(accountID string) (*Account, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[accountID]
	return a, ok
}

// Reload atomically swaps the membership. Runtime state survives for
// accounts whose id persists; removed accounts drop theirs; new accounts
// start fresh.
func (m *Manager) Reload(docs []Document) (added, kept, removed int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := make(map[string]*Account, len(docs))
	var order []string
	for _, doc := range docs {
		if !doc.Usable() {
			log.Warnf("skipping account %q with incomplete credentials", doc.ID)
			continue
		}
		if existing, ok := m.accounts[doc.ID]; ok {
			existing.mu.Lock()
			existing.Document = doc
			existing.mu.Unlock()
			next[doc.ID] = existing
			kept++
		} else {
			next[doc.ID] = newAccount(doc, m.failureThreshold, m.cooldownSeconds)
			added++
		}
		order = append(order, doc.ID)
	}
	removed = len(m.accounts) - kept
	m.accounts = next
	m.order = order
	if m.lastUsedIndex >= len(order) {
		m.lastUsedIndex = -1
	}
	log.Infof("account pool reloaded: %d added, %d kept, %d removed", added, kept, removed)
	return added, kept, removed
}

// ApplySettings pushes new retry tunables to the pool and every account.
func (m *Manager) ApplySettings(failureThreshold, cooldownSeconds int) {
	m.mu.Lock()
	m.failureThreshold = failureThreshold
	m.cooldownSeconds = cooldownSeconds
	accounts := make([]*Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		accounts = append(accounts, a)
	}
	m.mu.Unlock()
	for _, a := range accounts {
		a.applySettings(failureThreshold, cooldownSeconds)
	}
}

// Documents snapshots the persisted form of every account in pool order.
func (m *Manager) Documents() []Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Document, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.accounts[id].Document)
	}
	return out
}

// All returns every account in pool order.
func (m *Manager) All() []*Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Account, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.accounts[id])
	}
	return out
}

// Len returns the pool size.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.order)
}

// UsableCount counts accounts that are not disabled and whose account
// lifetime extends beyond the recycle window. The refresh loop replenishes
// against this number.
func (m *Manager) UsableCount(window time.Duration) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, id := range m.order {
		a := m.accounts[id]
		if a.Disabled {
			continue
		}
		if a.AccountExpiresAt != "" && a.AccountExpiresWithin(window) {
			continue
		}
		count++
	}
	return count
}

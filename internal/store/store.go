// Package store provides the key-value persistence layer. Documents live
// under well-known keys (accounts, settings, session_bindings, stats) in
// PostgreSQL when DATABASE_URL is configured, or in a local bbolt file
// otherwise. Stats writes are buffered and flushed on an interval so request
// handling never blocks on persistence.
package store

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Well-known document keys.
const (
	KeyAccounts        = "accounts"
	KeySettings        = "settings"
	KeySessionBindings = "session_bindings"
	KeyStats           = "stats"
)

// Store is the document store shared by the pool, the binding cache, and the
// stats collector. Get returns (nil, nil) for absent keys.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	UpdatedAt(ctx context.Context, key string) (time.Time, error)
	Close() error
}

// Open selects the backend: PostgreSQL when databaseURL is non-empty, the
// local bbolt file under dataDir otherwise. A failed PostgreSQL connection
// falls back to the local file so the gateway can still boot.
func Open(databaseURL, dataDir string) (Store, error) {
	if databaseURL != "" {
		s, err := openPostgres(databaseURL)
		if err == nil {
			log.Info("store: using PostgreSQL backend")
			return s, nil
		}
		log.Errorf("store: postgres unavailable, falling back to local file: %v", err)
	}
	s, err := openBolt(dataDir)
	if err != nil {
		return nil, err
	}
	log.Info("store: using local bbolt backend")
	return s, nil
}

// Buffered wraps a Store with a coalescing write buffer for hot keys. A
// buffered Set replaces any pending value for the key; the flusher persists
// the latest value on each tick.
type Buffered struct {
	Store

	mu      sync.Mutex
	pending map[string][]byte
}

// NewBuffered wraps s with a write buffer.
func NewBuffered(s Store) *Buffered {
	return &Buffered{Store: s, pending: make(map[string][]byte)}
}

// SetBuffered stages value for key; the background flusher persists it.
func (b *Buffered) SetBuffered(key string, value []byte) {
	b.mu.Lock()
	b.pending[key] = value
	b.mu.Unlock()
}

// StartFlusher persists staged values every interval until ctx is done, then
// performs one final flush.
func (b *Buffered) StartFlusher(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				b.Flush(context.Background())
				return
			case <-ticker.C:
				b.Flush(ctx)
			}
		}
	}()
}

// Flush persists all staged values.
func (b *Buffered) Flush(ctx context.Context) {
	b.mu.Lock()
	staged := b.pending
	b.pending = make(map[string][]byte)
	b.mu.Unlock()

	for key, value := range staged {
		if err := b.Set(ctx, key, value); err != nil {
			log.Errorf("store: flush of %s failed: %v", key, err)
		}
	}
}

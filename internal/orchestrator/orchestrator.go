// Package orchestrator runs one inbound chat-completion request end to end:
// it resolves the conversation's account and session, drives the upstream
// stream with a retry and failover loop, and emits OpenAI-shape chunks.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/router-for-me/GeminiBizAPI/internal/account"
	"github.com/router-for-me/GeminiBizAPI/internal/binding"
	"github.com/router-for-me/GeminiBizAPI/internal/config"
	"github.com/router-for-me/GeminiBizAPI/internal/media"
	"github.com/router-for-me/GeminiBizAPI/internal/message"
	"github.com/router-for-me/GeminiBizAPI/internal/registry"
	"github.com/router-for-me/GeminiBizAPI/internal/stats"
	"github.com/router-for-me/GeminiBizAPI/internal/upstream"
)

// ErrModelUnknown rejects requests for models outside the catalogue.
var ErrModelUnknown = errors.New("unknown model")

// Failure carries the HTTP status the API layer should surface.
type Failure struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (f *Failure) Error() string {
	return fmt.Sprintf("%d: %s", f.Code, f.Message)
}

// In-chat admin commands accepted in memory mode.
const (
	commandResetSession  = "重置"
	commandSwitchAccount = "换号"
)

// ChatRequest is one inbound chat-completion call, already authenticated.
type ChatRequest struct {
	Body      []byte
	Model     string
	ChatID    string
	Mode      config.APIKeyMode
	ClientIP  string
	BaseURL   string
	RequestID string
}

// Orchestrator wires the pool, bindings, upstream client, and media handler
// together for request serving.
type Orchestrator struct {
	mu   sync.RWMutex
	cfg  *config.Config
	pool *account.Manager

	bindings   *binding.Manager
	up         *upstream.Client
	media      *media.Handler
	stats      *stats.Collector
	chatClient *http.Client

	// fastBindings holds per-request one-shot records for fast-mode calls.
	// Entries are keyed by request id, never by chat id, so consecutive
	// fast-mode requests always open fresh sessions; the record only serves
	// the failover loop inside a single call.
	fastBindings *gocache.Cache

	chatLocks sync.Map // chat_id -> *sync.Mutex
}

// New assembles an orchestrator.
func New(cfg *config.Config, pool *account.Manager, bindings *binding.Manager, up *upstream.Client, mediaHandler *media.Handler, collector *stats.Collector, chatClient *http.Client) *Orchestrator {
	return &Orchestrator{
		cfg:          cfg,
		pool:         pool,
		bindings:     bindings,
		up:           up,
		media:        mediaHandler,
		stats:        collector,
		chatClient:   chatClient,
		fastBindings: gocache.New(5*time.Minute, 10*time.Minute),
	}
}

// Config returns the live configuration reference.
func (o *Orchestrator) Config() *config.Config {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.cfg
}

// SetConfig swaps the configuration on reload.
func (o *Orchestrator) SetConfig(cfg *config.Config) {
	o.mu.Lock()
	o.cfg = cfg
	o.mu.Unlock()
}

// SetChatClient swaps the chat-class HTTP client on reload.
func (o *Orchestrator) SetChatClient(c *http.Client) {
	o.mu.Lock()
	o.chatClient = c
	o.mu.Unlock()
}

// Pool returns the account pool.
func (o *Orchestrator) Pool() *account.Manager {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.pool
}

// SetPool swaps the account pool after a task-driven reload.
func (o *Orchestrator) SetPool(pool *account.Manager) {
	o.mu.Lock()
	o.pool = pool
	o.mu.Unlock()
}

// Bindings returns the binding table.
func (o *Orchestrator) Bindings() *binding.Manager {
	return o.bindings
}

func (o *Orchestrator) lockFor(chatID string) *sync.Mutex {
	v, _ := o.chatLocks.LoadOrStore(chatID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Stream serves one request. Chunks arrive on the first channel as OpenAI
// chunk JSON; when it closes, the error channel carries at most one terminal
// failure. The API layer frames SSE or aggregates for non-streaming calls.
func (o *Orchestrator) Stream(ctx context.Context, req ChatRequest) (<-chan []byte, <-chan error) {
	chunks := make(chan []byte, 16)
	errChan := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errChan)
		err := o.serve(ctx, req, chunks)
		if err != nil {
			o.stats.Record(req.Model, false)
			errChan <- err
			return
		}
		o.stats.Record(req.Model, true)
	}()

	return chunks, errChan
}

func (o *Orchestrator) serve(ctx context.Context, req ChatRequest, chunks chan<- []byte) error {
	if !registry.Known(req.Model) {
		return &Failure{Code: http.StatusNotFound, Message: fmt.Sprintf("model %q not found", req.Model)}
	}
	class := registry.ClassOf(req.Model)
	writer := newChunkWriter(req.RequestID, req.Model)

	if req.Mode == config.APIKeyModeMemory {
		if handled := o.interceptCommand(req, writer, chunks); handled {
			return nil
		}
	}

	return o.run(ctx, req, class, writer, chunks)
}

// interceptCommand answers the binding management commands synthetically.
func (o *Orchestrator) interceptCommand(req ChatRequest, writer *chunkWriter, chunks chan<- []byte) bool {
	text, _ := message.ParseLastMessage(gjson.GetBytes(req.Body, "messages"))
	var reply string
	switch text {
	case commandResetSession:
		o.bindings.ResetSession(req.ChatID)
		reply = "会话已重置，将在当前账号下开启新会话。"
	case commandSwitchAccount:
		o.bindings.Remove(req.ChatID)
		reply = "已解除账号绑定，下次对话将分配新账号。"
	default:
		return false
	}

	log.Infof("[%s] handled command %q for chat %s", req.RequestID, text, req.ChatID)
	chunks <- writer.Role()
	chunks <- writer.Content(reply)
	chunks <- writer.Finish()
	return true
}

// fastKey scopes a fast-mode cache entry to its own request.
func fastKey(req ChatRequest) string {
	return "fast-" + req.RequestID
}

// bindingGet resolves the binding record for the request's mode.
func (o *Orchestrator) bindingGet(req ChatRequest) (binding.Record, bool) {
	if req.Mode == config.APIKeyModeFast {
		if v, ok := o.fastBindings.Get(fastKey(req)); ok {
			return v.(binding.Record), true
		}
		return binding.Record{}, false
	}
	return o.bindings.Get(req.ChatID)
}

func (o *Orchestrator) bindingSet(req ChatRequest, accountID, sessionID string) {
	if req.Mode == config.APIKeyModeFast {
		o.fastBindings.Set(fastKey(req), binding.Record{AccountID: accountID, SessionID: sessionID}, gocache.DefaultExpiration)
		return
	}
	o.bindings.Set(req.ChatID, accountID, sessionID)
}

func (o *Orchestrator) bindingRemove(req ChatRequest) {
	if req.Mode == config.APIKeyModeFast {
		o.fastBindings.Delete(fastKey(req))
		return
	}
	o.bindings.Remove(req.ChatID)
}

// Package cmd boots the gateway service: it opens the store, assembles the
// account pool and orchestrator, starts the background loops, and serves
// HTTP until shutdown.
package cmd

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/GeminiBizAPI/internal/account"
	"github.com/router-for-me/GeminiBizAPI/internal/api"
	"github.com/router-for-me/GeminiBizAPI/internal/auth"
	"github.com/router-for-me/GeminiBizAPI/internal/binding"
	"github.com/router-for-me/GeminiBizAPI/internal/config"
	"github.com/router-for-me/GeminiBizAPI/internal/constant"
	"github.com/router-for-me/GeminiBizAPI/internal/logging"
	"github.com/router-for-me/GeminiBizAPI/internal/media"
	"github.com/router-for-me/GeminiBizAPI/internal/orchestrator"
	"github.com/router-for-me/GeminiBizAPI/internal/refresh"
	"github.com/router-for-me/GeminiBizAPI/internal/stats"
	"github.com/router-for-me/GeminiBizAPI/internal/store"
	"github.com/router-for-me/GeminiBizAPI/internal/task"
	"github.com/router-for-me/GeminiBizAPI/internal/upstream"
	"github.com/router-for-me/GeminiBizAPI/internal/util"
)

// Version is stamped by the build.
var Version = "dev"

// app owns the long-lived service state shared between the HTTP layer, the
// background loops, and config reloads.
type app struct {
	mu  sync.Mutex
	cfg *config.Config

	st       store.Store
	buffered *store.Buffered
	orch     *orchestrator.Orchestrator
	up       *upstream.Client
	jwt      *auth.Manager
	bindings *binding.Manager
}

// StartService runs the gateway until SIGINT or SIGTERM.
func StartService(cfg *config.Config, configPath string) {
	if err := logging.ConfigureLogOutput(cfg.LoggingToFile); err != nil {
		log.Warnf("log file setup failed: %v", err)
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("failed to create data dir: %v", err)
	}

	st, err := store.Open(cfg.DatabaseURL, cfg.DataDir)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer func() { _ = st.Close() }()
	buffered := store.NewBuffered(st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := &app{cfg: cfg, st: st, buffered: buffered}

	// Persisted settings overlay file config; the file is only the seed.
	if doc, errGet := st.Get(ctx, store.KeySettings); errGet == nil && doc != nil {
		if errApply := cfg.ApplySettings(doc); errApply != nil {
			log.Warnf("stored settings unreadable, ignoring: %v", errApply)
		}
	}
	a.reconcileFileKeys(ctx)

	docs := a.loadAccountsInitial(ctx)
	log.Infof("loaded %d accounts", len(docs))
	pool := account.NewManager(docs, cfg.Retry.FailureThreshold, cfg.Retry.RateLimitCooldownSeconds)

	authClient := util.NewHTTPClient(util.ParseProxySetting(cfg.Proxy.Auth), cfg.Proxy.LocalIgnoreProxy)
	chatClient := util.NewHTTPClient(util.ParseProxySetting(cfg.Proxy.Chat), cfg.Proxy.LocalIgnoreProxy)
	jwtManager := auth.NewManager(authClient)
	a.jwt = jwtManager
	up := upstream.NewClient(chatClient, jwtManager)
	a.up = up

	bindings := binding.NewManager()
	a.bindings = bindings
	if doc, errGet := st.Get(ctx, store.KeySessionBindings); errGet == nil && doc != nil {
		if errLoad := bindings.Load(doc); errLoad != nil {
			log.Warnf("session bindings unreadable, starting empty: %v", errLoad)
		}
	}
	bindings.StartPersister(ctx, st, constant.BindingPersistInterval)

	var statsDoc []byte
	if doc, errGet := st.Get(ctx, store.KeyStats); errGet == nil {
		statsDoc = doc
	}
	collector := stats.NewCollector(buffered, statsDoc)
	buffered.StartFlusher(ctx, constant.StatsFlushInterval)

	mediaHandler, err := media.NewHandler(cfg.DataDir)
	if err != nil {
		log.Fatalf("failed to prepare media directories: %v", err)
	}
	mediaHandler.StartSweeper(ctx, constant.MediaSweepInterval, constant.MediaMaxAge)

	a.orch = orchestrator.New(cfg, pool, bindings, up, mediaHandler, collector, chatClient)

	registerTasks := task.NewRegisterService(a.config, a.loadAccounts, a.applyAccounts)
	refreshTasks := task.NewRefreshService(a.config, a.loadAccounts, a.applyAccounts)
	autoRefresh := refresh.NewLoop(a.orch.Pool, a.loadAccounts, a.applyAccounts, registerTasks, refreshTasks)
	autoRefresh.Start(ctx)
	task.StartOrphanSweeper(ctx)

	server := api.NewServer(cfg, api.Deps{
		Orchestrator:  a.orch,
		Stats:         collector,
		Media:         mediaHandler,
		Register:      registerTasks,
		RefreshTasks:  refreshTasks,
		AutoRefresh:   autoRefresh,
		LoadAccounts:  a.loadAccounts,
		ApplyAccounts: a.applyAccounts,
		ApplySettings: a.applySettings,
		StartedAt:     time.Now(),
		Version:       Version,
	})

	if configPath != "" {
		if watcher, errWatch := config.NewWatcher(configPath, a.onConfigReload); errWatch == nil {
			if errStart := watcher.Start(ctx); errStart != nil {
				log.Warnf("config watcher failed to start: %v", errStart)
			}
		} else {
			log.Warnf("config watcher unavailable: %v", errWatch)
		}
	}

	go func() {
		if errServe := server.Start(); errServe != nil {
			log.Fatalf("server error: %v", errServe)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err = server.Stop(shutdownCtx); err != nil {
		log.Errorf("shutdown: %v", err)
	}
	cancel()
	buffered.Flush(shutdownCtx)
}

func (a *app) config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// loadAccountsInitial resolves the account list at startup: the
// ACCOUNTS_CONFIG environment variable wins, then the store, then a legacy
// accounts.json next to the data dir (migrated into the store on first run).
func (a *app) loadAccountsInitial(ctx context.Context) []account.Document {
	if env := os.Getenv("ACCOUNTS_CONFIG"); env != "" {
		docs, err := decodeAccounts([]byte(env))
		if err != nil {
			// The variable may hold a path instead of inline JSON.
			if data, errRead := os.ReadFile(env); errRead == nil {
				docs, err = decodeAccounts(data)
			}
		}
		if err != nil {
			log.Fatalf("ACCOUNTS_CONFIG unreadable: %v", err)
		}
		log.Infof("account list pinned by ACCOUNTS_CONFIG (%d accounts)", len(docs))
		return docs
	}

	if doc, err := a.st.Get(ctx, store.KeyAccounts); err == nil && doc != nil {
		docs, errDecode := decodeAccounts(doc)
		if errDecode != nil {
			log.Fatalf("stored account list unreadable: %v", errDecode)
		}
		return docs
	}

	legacy := filepath.Join(a.cfg.DataDir, "accounts.json")
	if data, err := os.ReadFile(legacy); err == nil {
		docs, errDecode := decodeAccounts(data)
		if errDecode != nil {
			log.Fatalf("%s unreadable: %v", legacy, errDecode)
		}
		a.persistAccounts(docs)
		log.Infof("migrated %d accounts from %s into the store", len(docs), legacy)
		return docs
	}
	return nil
}

// decodeAccounts accepts either a bare array or an {"accounts": []} wrapper.
func decodeAccounts(data []byte) ([]account.Document, error) {
	var docs []account.Document
	if err := json.Unmarshal(data, &docs); err == nil {
		return docs, nil
	}
	var wrapped struct {
		Accounts []account.Document `json:"accounts"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, err
	}
	return wrapped.Accounts, nil
}

// loadAccounts returns the current persisted account list.
func (a *app) loadAccounts() []account.Document {
	ctx, cancelRead := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelRead()
	doc, err := a.st.Get(ctx, store.KeyAccounts)
	if err != nil || doc == nil {
		return a.orch.Pool().Documents()
	}
	docs, err := decodeAccounts(doc)
	if err != nil {
		log.Warnf("stored account list unreadable: %v", err)
		return a.orch.Pool().Documents()
	}
	return docs
}

// applyAccounts persists a new account list and hot-reloads the pool,
// preserving runtime state for accounts that survive.
func (a *app) applyAccounts(docs []account.Document) {
	gone := removedAccountIDs(a.orch.Pool().Documents(), docs)
	a.persistAccounts(docs)
	added, kept, removed := a.orch.Pool().Reload(docs)
	log.Infof("account pool reloaded: %d added, %d kept, %d removed", added, kept, removed)
	for _, id := range gone {
		a.jwt.Remove(id)
	}
}

// removedAccountIDs lists accounts present now but absent from the next
// list, so their cached JWTs can be dropped.
func removedAccountIDs(current, next []account.Document) []string {
	keep := make(map[string]struct{}, len(next))
	for _, doc := range next {
		keep[doc.ID] = struct{}{}
	}
	var gone []string
	for _, doc := range current {
		if _, ok := keep[doc.ID]; !ok {
			gone = append(gone, doc.ID)
		}
	}
	return gone
}

func (a *app) persistAccounts(docs []account.Document) {
	data, err := json.Marshal(docs)
	if err != nil {
		log.Errorf("failed to encode account list: %v", err)
		return
	}
	ctx, cancelWrite := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelWrite()
	if err = a.st.Set(ctx, store.KeyAccounts, data); err != nil {
		log.Errorf("failed to persist account list: %v", err)
	}
}

// applySettings overlays a settings document onto the live config, persists
// the merged result, and rebuilds anything proxy or retry dependent.
func (a *app) applySettings(doc []byte) error {
	a.mu.Lock()
	if err := a.cfg.ApplySettings(doc); err != nil {
		a.mu.Unlock()
		return err
	}
	cfg := a.cfg
	a.mu.Unlock()

	merged, err := cfg.SettingsDocument()
	if err != nil {
		return err
	}
	ctx, cancelWrite := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelWrite()
	if err = a.st.Set(ctx, store.KeySettings, merged); err != nil {
		return err
	}
	a.rebuildFromConfig(cfg)
	return nil
}

// onConfigReload applies a changed config file, keeping stored settings on
// top of it.
func (a *app) onConfigReload(next *config.Config) {
	ctx, cancelRead := context.WithTimeout(context.Background(), 5*time.Second)
	if doc, err := a.st.Get(ctx, store.KeySettings); err == nil && doc != nil {
		if errApply := next.ApplySettings(doc); errApply != nil {
			log.Warnf("stored settings unreadable during reload: %v", errApply)
		}
	}
	cancelRead()

	a.mu.Lock()
	a.cfg = next
	a.mu.Unlock()
	a.rebuildFromConfig(next)
	log.Info("configuration reloaded")
}

// rebuildFromConfig pushes config-derived objects into the running service.
func (a *app) rebuildFromConfig(cfg *config.Config) {
	chatClient := util.NewHTTPClient(util.ParseProxySetting(cfg.Proxy.Chat), cfg.Proxy.LocalIgnoreProxy)
	authClient := util.NewHTTPClient(util.ParseProxySetting(cfg.Proxy.Auth), cfg.Proxy.LocalIgnoreProxy)
	a.jwt.SetHTTPClient(authClient)
	a.up.SetHTTPClient(chatClient)
	a.orch.SetChatClient(chatClient)
	a.orch.SetConfig(cfg)
	a.orch.Pool().ApplySettings(cfg.Retry.FailureThreshold, cfg.Retry.RateLimitCooldownSeconds)

	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
}

// reconcileFileKeys folds keys declared in the YAML file into the stored
// settings once, so file-seeded deployments keep their keys after switching
// to store-managed settings.
func (a *app) reconcileFileKeys(ctx context.Context) {
	if len(a.cfg.APIKeys) == 0 && a.cfg.LegacyAPIKey == "" {
		return
	}
	fileKeys := make([]config.APIKey, 0, len(a.cfg.APIKeys)+1)
	fileKeys = append(fileKeys, a.cfg.APIKeys...)
	if a.cfg.LegacyAPIKey != "" {
		fileKeys = append(fileKeys, config.APIKey{Key: a.cfg.LegacyAPIKey, Mode: config.APIKeyModeMemory, Remark: "legacy"})
	}
	added := a.cfg.MergeAPIKeys(fileKeys)
	if added == 0 {
		return
	}
	merged, err := a.cfg.SettingsDocument()
	if err != nil {
		log.Warnf("failed to render settings for key reconciliation: %v", err)
		return
	}
	if err = a.st.Set(ctx, store.KeySettings, merged); err != nil {
		log.Warnf("failed to persist reconciled keys: %v", err)
		return
	}
	log.Infof("reconciled %d API keys from config file into the store", added)
}

package task

import (
	"context"
	"fmt"
	"time"

	"github.com/router-for-me/GeminiBizAPI/internal/account"
	"github.com/router-for-me/GeminiBizAPI/internal/config"
	"github.com/router-for-me/GeminiBizAPI/internal/constant"
)

// RefreshService queues session refresh jobs for accounts whose upstream
// session is close to expiry. The automation child logs back into the
// existing inbox and mints a fresh credential bundle.
type RefreshService struct {
	*Service
	cfg func() *config.Config
}

// NewRefreshService builds the refresh queue.
func NewRefreshService(cfg func() *config.Config, loadAccounts func() []account.Document, applyAccounts AccountsUpdateFunc) *RefreshService {
	s := &RefreshService{
		Service: newService("refresh", loadAccounts, applyAccounts),
		cfg:     cfg,
	}
	s.execute = s.executeRefresh
	return s
}

// Start enqueues one refresh task covering the given account ids. Ids
// already covered by queued or running refresh work are dropped; an empty
// remainder returns no task.
func (s *RefreshService) Start(accountIDs []string) (Task, bool) {
	busy := s.PendingOrRunningAccountIDs()
	var fresh []string
	for _, id := range accountIDs {
		if id == "" {
			continue
		}
		if _, dup := busy[id]; dup {
			continue
		}
		fresh = append(fresh, id)
	}
	if len(fresh) == 0 {
		return Task{}, false
	}

	t := &Task{
		ID:         newTaskID(),
		Kind:       "refresh",
		Status:     StatusPending,
		CreatedAt:  time.Now().Unix(),
		AccountIDs: fresh,
	}
	s.enqueue(t)
	return t.Snapshot(), true
}

func (s *RefreshService) executeRefresh(ctx context.Context, t *Task) {
	cfg := s.cfg()
	docs := s.loadAccounts()
	byID := make(map[string]account.Document, len(docs))
	for _, doc := range docs {
		byID[doc.ID] = doc
	}

	var refreshed []account.Document
	total := len(t.AccountIDs)
	for i, id := range t.AccountIDs {
		if t.Cancelled() || ctx.Err() != nil {
			s.appendLog(t, "warning", "task cancelled, stopping refresh batch")
			break
		}
		doc, ok := byID[id]
		if !ok {
			t.mu.Lock()
			t.FailCount++
			t.mu.Unlock()
			s.appendResult(t, map[string]any{"success": false, "account_id": id, "error": "account no longer exists"})
			continue
		}
		s.appendLog(t, "info", fmt.Sprintf("refreshing session for %s (%d/%d)", id, i+1, total))

		updated, err := s.refreshOne(ctx, t, cfg, doc)
		t.mu.Lock()
		t.Progress = (i + 1) * 100 / total
		t.mu.Unlock()
		if err != nil {
			t.mu.Lock()
			t.FailCount++
			t.mu.Unlock()
			s.appendResult(t, map[string]any{"success": false, "account_id": id, "error": err.Error()})
			s.appendLog(t, "error", fmt.Sprintf("refresh of %s failed: %v", id, err))
			continue
		}
		t.mu.Lock()
		t.SuccessCount++
		t.mu.Unlock()
		refreshed = append(refreshed, *updated)
		s.appendResult(t, map[string]any{"success": true, "account_id": id, "config": map[string]any{"id": updated.ID, "expires_at": updated.ExpiresAt}})
		s.appendLog(t, "info", fmt.Sprintf("refreshed %s, new expiry %s", id, updated.ExpiresAt))
	}

	s.mergeAccountConfigs(t, refreshed)
}

// refreshOne re-authenticates one account through the automation child. The
// stored mail credentials let the child pass the login verification step.
func (s *RefreshService) refreshOne(ctx context.Context, t *Task, cfg *config.Config, doc account.Document) (*account.Document, error) {
	params := map[string]any{
		"action":         "refresh",
		"email":          doc.ID,
		"email_password": doc.MailPassword,
		"mail_provider":  doc.MailProvider,
		"mail_config": map[string]any{
			"base_url":  doc.MailBaseURL,
			"api_key":   doc.MailAPIKey,
			"jwt_token": doc.MailJWTToken,
			"domain":    doc.MailDomain,
		},
		"browser_engine": cfg.Register.BrowserEngine,
		"headless":       cfg.Register.BrowserHeadless,
	}
	if doc.RefreshToken != "" {
		params["refresh_token"] = doc.RefreshToken
		params["tenant"] = doc.Tenant
	}
	if cfg.Proxy.Auth != "" && !cfg.Proxy.LocalIgnoreProxy {
		params["proxy"] = cfg.Proxy.Auth
	}

	result, err := runSubprocess(ctx, params, constant.SubprocessTimeout, func(level, msg string) {
		s.appendLog(t, level, msg)
	})
	if err != nil {
		return nil, err
	}
	if ok, _ := result["success"].(bool); !ok {
		reason, _ := result["error"].(string)
		if reason == "" {
			reason = "automation reported failure"
		}
		return nil, fmt.Errorf("%s", reason)
	}
	cfgMap, _ := result["config"].(map[string]any)
	if cfgMap == nil {
		return nil, fmt.Errorf("automation result missing config")
	}
	str := func(key string) string {
		v, _ := cfgMap[key].(string)
		return v
	}

	// Overlay the fresh credential bundle, keeping everything else.
	updated := doc
	if v := str("csesidx"); v != "" {
		updated.Csesidx = v
	}
	if v := str("config_id"); v != "" {
		updated.ConfigID = v
	}
	if v := str("secure_c_ses"); v != "" {
		updated.SecureCSes = v
	}
	if v := str("host_c_oses"); v != "" {
		updated.HostCOses = v
	}
	if v := str("expires_at"); v != "" {
		updated.ExpiresAt = v
	}
	if v := str("refresh_token"); v != "" {
		updated.RefreshToken = v
	}
	if !updated.Usable() {
		return nil, fmt.Errorf("automation result incomplete for %s", doc.ID)
	}
	return &updated, nil
}

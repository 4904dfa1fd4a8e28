package task

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/router-for-me/GeminiBizAPI/internal/account"
	"github.com/router-for-me/GeminiBizAPI/internal/config"
	"github.com/router-for-me/GeminiBizAPI/internal/constant"
	"github.com/router-for-me/GeminiBizAPI/internal/mailbox"
)

// ErrAccountsFromEnv rejects mutating tasks when the account list is pinned
// by the ACCOUNTS_CONFIG environment variable.
var ErrAccountsFromEnv = fmt.Errorf("account list is provided by ACCOUNTS_CONFIG; registration is disabled")

// RegisterService queues batch account registration jobs.
type RegisterService struct {
	*Service
	cfg        func() *config.Config
	newMailbox func(cfg *config.Config, providerTag, domain string) (mailbox.Provider, error)
}

// NewRegisterService builds the register queue.
func NewRegisterService(cfg func() *config.Config, loadAccounts func() []account.Document, applyAccounts AccountsUpdateFunc) *RegisterService {
	s := &RegisterService{
		Service:    newService("register", loadAccounts, applyAccounts),
		cfg:        cfg,
		newMailbox: mailbox.New,
	}
	s.execute = s.executeRegister
	return s
}

// Start enqueues a registration batch. count is clamped to [1, 30]; zero
// means the configured default. provider and domain override the config when
// non-empty.
func (s *RegisterService) Start(count int, provider, domain string) (Task, error) {
	if os.Getenv("ACCOUNTS_CONFIG") != "" {
		return Task{}, ErrAccountsFromEnv
	}
	cfg := s.cfg()
	if count <= 0 {
		count = cfg.Register.DefaultCount
	}
	if count < 1 {
		count = 1
	}
	if count > constant.MaxRegisterCountPerTask {
		count = constant.MaxRegisterCountPerTask
	}
	if provider == "" {
		provider = cfg.Mail.Provider
	}
	if domain == "" {
		domain = cfg.Register.Domain
	}

	t := &Task{
		ID:           newTaskID(),
		Kind:         "register",
		Status:       StatusPending,
		CreatedAt:    time.Now().Unix(),
		Count:        count,
		MailProvider: provider,
		Domain:       domain,
	}
	s.enqueue(t)
	return t.Snapshot(), nil
}

func (s *RegisterService) executeRegister(ctx context.Context, t *Task) {
	cfg := s.cfg()
	var registered []account.Document

	for i := 0; i < t.Count; i++ {
		if t.Cancelled() || ctx.Err() != nil {
			s.appendLog(t, "warning", "task cancelled, stopping batch")
			break
		}
		s.appendLog(t, "info", fmt.Sprintf("registering account %d/%d via %s", i+1, t.Count, t.MailProvider))

		doc, err := s.registerOne(ctx, t, cfg)
		t.mu.Lock()
		t.Progress = (i + 1) * 100 / t.Count
		t.mu.Unlock()
		if err != nil {
			t.mu.Lock()
			t.FailCount++
			t.mu.Unlock()
			s.appendResult(t, map[string]any{"success": false, "error": err.Error()})
			s.appendLog(t, "error", fmt.Sprintf("registration %d failed: %v", i+1, err))
			continue
		}
		t.mu.Lock()
		t.SuccessCount++
		t.mu.Unlock()
		registered = append(registered, *doc)
		s.appendResult(t, map[string]any{
			"success": true,
			"email":   doc.ID,
			"config":  map[string]any{"id": doc.ID, "expires_at": doc.ExpiresAt},
		})
		s.appendLog(t, "info", fmt.Sprintf("registered %s (expires %s)", doc.ID, doc.ExpiresAt))
	}

	s.mergeAccountConfigs(t, registered)
}

// registerOne provisions an inbox and drives one automation run.
func (s *RegisterService) registerOne(ctx context.Context, t *Task, cfg *config.Config) (*account.Document, error) {
	box, err := s.newMailbox(cfg, t.MailProvider, t.Domain)
	if err != nil {
		return nil, fmt.Errorf("mail provider: %w", err)
	}
	if err := box.RegisterAccount(ctx); err != nil {
		return nil, fmt.Errorf("create inbox: %w", err)
	}
	s.appendLog(t, "info", fmt.Sprintf("inbox ready: %s", box.Email()))

	params := map[string]any{
		"action":         "register",
		"email":          box.Email(),
		"email_password": box.Password(),
		"mail_provider":  t.MailProvider,
		"mail_config":    box.Params(),
		"browser_engine": cfg.Register.BrowserEngine,
		"headless":       cfg.Register.BrowserHeadless,
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
	return documentFromResult(result, box, t.MailProvider)
}

// documentFromResult turns a successful automation RESULT into a persisted
// account record, carrying the mail credentials needed for later refresh.
func documentFromResult(result map[string]any, box mailbox.Provider, providerTag string) (*account.Document, error) {
	if ok, _ := result["success"].(bool); !ok {
		reason, _ := result["error"].(string)
		if reason == "" {
			reason, _ = result["reason"].(string)
		}
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
	doc := account.Document{
		ID:           str("id"),
		Csesidx:      str("csesidx"),
		ConfigID:     str("config_id"),
		SecureCSes:   str("secure_c_ses"),
		HostCOses:    str("host_c_oses"),
		ExpiresAt:    str("expires_at"),
		MailProvider: providerTag,
		MailAddress:  box.Email(),
		MailPassword: box.Password(),
	}
	if doc.ID == "" {
		doc.ID = box.Email()
	}
	if !doc.Usable() {
		return nil, fmt.Errorf("automation result incomplete for %s", doc.ID)
	}
	if v := str("account_expires_at"); v != "" {
		doc.AccountExpiresAt = v
	} else {
		doc.AccountExpiresAt = account.FormatExpiry(time.Now().Add(30 * 24 * time.Hour))
	}
	if v := str("refresh_token"); v != "" {
		doc.RefreshToken = v
	}
	if v := str("tenant"); v != "" {
		doc.Tenant = v
	}
	for key, dst := range map[string]*string{
		"mail_base_url":  &doc.MailBaseURL,
		"mail_api_key":   &doc.MailAPIKey,
		"mail_jwt_token": &doc.MailJWTToken,
		"mail_domain":    &doc.MailDomain,
	} {
		if v := str(key); v != "" {
			*dst = v
		}
	}
	if len(doc.MailBaseURL) == 0 {
		for k, v := range box.Params() {
			switch k {
			case "base_url":
				doc.MailBaseURL, _ = v.(string)
			case "api_key":
				doc.MailAPIKey, _ = v.(string)
			case "jwt_token":
				doc.MailJWTToken, _ = v.(string)
			case "domain":
				doc.MailDomain, _ = v.(string)
			}
		}
	}
	return &doc, nil
}

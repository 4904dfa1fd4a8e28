// Package account holds the per-account availability state machine and the
// pool that round-robins requests across usable accounts.
package account

import (
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/router-for-me/GeminiBizAPI/internal/constant"
	"github.com/router-for-me/GeminiBizAPI/internal/registry"
)

// CooldownReason labels why an account is resting.
type CooldownReason string

const (
	CooldownNone         CooldownReason = "none"
	CooldownRateLimit    CooldownReason = "rate-limit"
	CooldownErrorDisable CooldownReason = "error-disable"
)

// Document is the persisted account record, one element of the "accounts"
// store document.
type Document struct {
	// ID is the account identifier, an email-like opaque string.
	ID string `json:"id"`

	// Csesidx, ConfigID, SecureCSes, HostCOses form the credential bundle
	// minted by the browser automation.
	Csesidx    string `json:"csesidx"`
	ConfigID   string `json:"config_id"`
	SecureCSes string `json:"secure_c_ses"`
	HostCOses  string `json:"host_c_oses,omitempty"`

	// ExpiresAt is the session expiry, "2006-01-02 15:04:05" in UTC+8.
	ExpiresAt string `json:"expires_at"`

	// AccountExpiresAt is the account lifetime, independent of the session.
	AccountExpiresAt string `json:"account_expires_at,omitempty"`

	// Disabled is operator intent; a disabled account is never selected.
	Disabled bool `json:"disabled,omitempty"`

	// Mail provider descriptor used by refresh automation.
	MailProvider  string `json:"mail_provider,omitempty"`
	MailAddress   string `json:"mail_address,omitempty"`
	MailPassword  string `json:"mail_password,omitempty"`
	MailBaseURL   string `json:"mail_base_url,omitempty"`
	MailAPIKey    string `json:"mail_api_key,omitempty"`
	MailJWTToken  string `json:"mail_jwt_token,omitempty"`
	MailDomain    string `json:"mail_domain,omitempty"`
	MailVerifySSL *bool  `json:"mail_verify_ssl,omitempty"`

	// RefreshToken and Tenant back the microsoft mail provider.
	RefreshToken string `json:"refresh_token,omitempty"`
	Tenant       string `json:"tenant,omitempty"`
}

// Usable reports whether the credential bundle is complete.
func (d *Document) Usable() bool {
	return d.ID != "" && d.Csesidx != "" && d.ConfigID != "" && d.SecureCSes != ""
}

// ParseExpiry parses an expiry string in the storage timezone.
func ParseExpiry(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation("2006-01-02 15:04:05", s, constant.TimeZone)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// FormatExpiry renders a timestamp in the storage timezone.
func FormatExpiry(t time.Time) string {
	return t.In(constant.TimeZone).Format("2006-01-02 15:04:05")
}

// Account couples the persisted document with never-persisted runtime state.
type Account struct {
	Document

	mu               sync.Mutex
	isAvailable      bool
	errorCount       int
	lastCooldownTime time.Time
	cooldownReason   CooldownReason
	quotaCooldowns   map[registry.QuotaClass]time.Time

	sessionUsageCount int64
	conversationCount int64

	failureThreshold int
	cooldownSeconds  int
}

func newAccount(doc Document, failureThreshold, cooldownSeconds int) *Account {
	return &Account{
		Document:         doc,
		isAvailable:      true,
		cooldownReason:   CooldownNone,
		quotaCooldowns:   make(map[registry.QuotaClass]time.Time),
		failureThreshold: failureThreshold,
		cooldownSeconds:  cooldownSeconds,
	}
}

// ShouldRetry reports whether the pool may hand this account out.
func (a *Account) ShouldRetry() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.Disabled || !a.isAvailable {
		return false
	}
	return a.cooldownExpiredLocked()
}

func (a *Account) cooldownExpiredLocked() bool {
	if a.cooldownReason != CooldownRateLimit {
		return true
	}
	return time.Since(a.lastCooldownTime) >= time.Duration(a.cooldownSeconds)*time.Second
}

// HandleHTTPError applies the status-specific account accounting. Rate
// limits never touch the error counter; auth and server errors do.
func (a *Account) HandleHTTPError(status int, body, requestID string, class registry.QuotaClass) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch {
	case status == 429:
		if strings.Contains(body, "RESOURCE_EXHAUSTED") || class == registry.QuotaImages || class == registry.QuotaVideos {
			deadline := time.Now().Add(time.Duration(a.cooldownSeconds) * time.Second)
			a.quotaCooldowns[class] = deadline
			log.Warnf("[%s] account %s quota %s exhausted, cooling down until %s", requestID, a.ID, class, FormatExpiry(deadline))
		} else {
			a.lastCooldownTime = time.Now()
			a.cooldownReason = CooldownRateLimit
			log.Warnf("[%s] account %s rate limited, cooling down %ds", requestID, a.ID, a.cooldownSeconds)
		}
	case status == 401 || status == 403:
		a.recordErrorLocked(requestID, "auth")
	case status >= 500:
		a.recordErrorLocked(requestID, "server")
	default:
		a.recordErrorLocked(requestID, "http")
	}
}

// HandleNonHTTPError counts a connection or parse failure against the
// account.
func (a *Account) HandleNonHTTPError(where, requestID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.recordErrorLocked(requestID, where)
}

func (a *Account) recordErrorLocked(requestID, kind string) {
	a.errorCount++
	log.Warnf("[%s] account %s %s error (count=%d/%d)", requestID, a.ID, kind, a.errorCount, a.failureThreshold)
	if a.errorCount >= a.failureThreshold {
		a.isAvailable = false
		a.cooldownReason = CooldownErrorDisable
		log.Errorf("[%s] account %s disabled after %d errors", requestID, a.ID, a.errorCount)
	}
}

// MarkSuccess resets the failure state after a successful exchange.
func (a *Account) MarkSuccess(requestID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.errorCount > 0 || !a.isAvailable {
		log.Infof("[%s] account %s recovered (errors were %d)", requestID, a.ID, a.errorCount)
	}
	a.errorCount = 0
	a.isAvailable = true
	if a.cooldownReason == CooldownErrorDisable {
		a.cooldownReason = CooldownNone
	}
}

// CooldownInfo returns the remaining global cooldown and its reason.
func (a *Account) CooldownInfo() (time.Duration, CooldownReason) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cooldownReason != CooldownRateLimit {
		return 0, a.cooldownReason
	}
	remaining := time.Duration(a.cooldownSeconds)*time.Second - time.Since(a.lastCooldownTime)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, a.cooldownReason
}

// IsQuotaAvailable reports whether the quota class is out of cooldown.
func (a *Account) IsQuotaAvailable(class registry.QuotaClass) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return time.Now().After(a.quotaCooldowns[class])
}

// QuotaStatus describes one quota class for the admin surface.
type QuotaStatus struct {
	Class     registry.QuotaClass `json:"class"`
	Limited   bool                `json:"limited"`
	ResetsAt  string              `json:"resets_at,omitempty"`
	SecondsTo int64               `json:"seconds_to_reset,omitempty"`
}

// GetQuotaStatus returns the per-class cooldown view plus the limited count.
func (a *Account) GetQuotaStatus() (int, []QuotaStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := time.Now()
	limited := 0
	out := make([]QuotaStatus, 0, 3)
	for _, class := range []registry.QuotaClass{registry.QuotaText, registry.QuotaImages, registry.QuotaVideos} {
		deadline, ok := a.quotaCooldowns[class]
		st := QuotaStatus{Class: class}
		if ok && now.Before(deadline) {
			st.Limited = true
			st.ResetsAt = FormatExpiry(deadline)
			st.SecondsTo = int64(deadline.Sub(now) / time.Second)
			limited++
		}
		out = append(out, st)
	}
	return limited, out
}

// Expired reports whether the account's upstream session is past expiry.
func (a *Account) Expired() bool {
	t, ok := ParseExpiry(a.ExpiresAt)
	if !ok {
		return false
	}
	return time.Now().After(t)
}

// AccountExpiresWithin reports whether the account lifetime ends inside d.
func (a *Account) AccountExpiresWithin(d time.Duration) bool {
	t, ok := ParseExpiry(a.AccountExpiresAt)
	if !ok {
		return false
	}
	return time.Now().Add(d).After(t)
}

// SessionExpiresWithin reports whether the session expiry falls inside d.
func (a *Account) SessionExpiresWithin(d time.Duration) bool {
	t, ok := ParseExpiry(a.ExpiresAt)
	if !ok {
		return false
	}
	return time.Now().Add(d).After(t)
}

// InRateLimitCooldown reports an active global rate-limit cooldown.
func (a *Account) InRateLimitCooldown() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cooldownReason == CooldownRateLimit && !a.cooldownExpiredLocked()
}

// IncrementConversation bumps the completed conversation counter.
func (a *Account) IncrementConversation() {
	a.mu.Lock()
	a.conversationCount++
	a.mu.Unlock()
}

// IncrementSessionUsage bumps the created-session counter.
func (a *Account) IncrementSessionUsage() {
	a.mu.Lock()
	a.sessionUsageCount++
	a.mu.Unlock()
}

// RuntimeState is the admin view of the never-persisted state.
type RuntimeState struct {
	IsAvailable       bool           `json:"is_available"`
	ErrorCount        int            `json:"error_count"`
	CooldownReason    CooldownReason `json:"cooldown_reason"`
	CooldownSecondsTo int64          `json:"cooldown_seconds_left"`
	QuotaLimitedCount int            `json:"quota_limited_count"`
	Quota             []QuotaStatus  `json:"quota"`
	SessionUsageCount int64          `json:"session_usage_count"`
	ConversationCount int64          `json:"conversation_count"`
}

// Runtime snapshots the account's runtime state.
func (a *Account) Runtime() RuntimeState {
	remaining, reason := a.CooldownInfo()
	limited, quota := a.GetQuotaStatus()
	a.mu.Lock()
	defer a.mu.Unlock()
	return RuntimeState{
		IsAvailable:       a.isAvailable,
		ErrorCount:        a.errorCount,
		CooldownReason:    reason,
		CooldownSecondsTo: int64(remaining / time.Second),
		QuotaLimitedCount: limited,
		Quota:             quota,
		SessionUsageCount: a.sessionUsageCount,
		ConversationCount: a.conversationCount,
	}
}

// applySettings updates tunables without touching counters.
func (a *Account) applySettings(failureThreshold, cooldownSeconds int) {
	a.mu.Lock()
	a.failureThreshold = failureThreshold
	a.cooldownSeconds = cooldownSeconds
	a.mu.Unlock()
}

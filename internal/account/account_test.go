package account

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/router-for-me/GeminiBizAPI/internal/registry"
)

func testDoc(id string) Document {
	return Document{
		ID:         id,
		Csesidx:    "csesidx-" + id,
		ConfigID:   "config-" + id,
		SecureCSes: "ses-" + id,
	}
}

func testAccount(t *testing.T, threshold, cooldown int) *Account {
	t.Helper()
	m := NewManager([]Document{testDoc("a1")}, threshold, cooldown)
	a, ok := m.Lookup("a1")
	require.True(t, ok)
	return a
}

func TestRateLimitNeverIncrementsErrorCount(t *testing.T) {
	a := testAccount(t, 3, 3600)
	a.HandleHTTPError(429, `{"error":{"message":"slow down"}}`, "req", registry.QuotaText)

	state := a.Runtime()
	assert.Zero(t, state.ErrorCount)
	assert.True(t, state.IsAvailable)
	assert.Equal(t, CooldownRateLimit, state.CooldownReason)
	assert.False(t, a.ShouldRetry())
}

func TestQuotaExhaustionIsolatesClass(t *testing.T) {
	a := testAccount(t, 3, 3600)
	a.HandleHTTPError(429, `{"error":{"status":"RESOURCE_EXHAUSTED"}}`, "req", registry.QuotaImages)

	assert.False(t, a.IsQuotaAvailable(registry.QuotaImages))
	assert.True(t, a.IsQuotaAvailable(registry.QuotaText))
	assert.True(t, a.IsQuotaAvailable(registry.QuotaVideos))

	// The account itself stays selectable for other classes.
	assert.True(t, a.ShouldRetry())
	assert.Zero(t, a.Runtime().ErrorCount)
}

func TestMediaClass429AlwaysQuotaCooldown(t *testing.T) {
	a := testAccount(t, 3, 3600)
	a.HandleHTTPError(429, `plain rate limit`, "req", registry.QuotaVideos)

	assert.False(t, a.IsQuotaAvailable(registry.QuotaVideos))
	assert.True(t, a.ShouldRetry())
}

func TestAuthErrorsDisableAtThreshold(t *testing.T) {
	a := testAccount(t, 3, 3600)
	a.HandleHTTPError(401, "unauthorized", "req", registry.QuotaText)
	a.HandleHTTPError(403, "forbidden", "req", registry.QuotaText)
	assert.True(t, a.ShouldRetry())

	a.HandleHTTPError(500, "boom", "req", registry.QuotaText)
	state := a.Runtime()
	assert.Equal(t, 3, state.ErrorCount)
	assert.False(t, state.IsAvailable)
	assert.Equal(t, CooldownErrorDisable, state.CooldownReason)
	assert.False(t, a.ShouldRetry())
}

func TestThresholdOneDisablesImmediately(t *testing.T) {
	a := testAccount(t, 1, 3600)
	a.HandleNonHTTPError("stream", "req")
	assert.False(t, a.ShouldRetry())
}

func TestMarkSuccessResets(t *testing.T) {
	a := testAccount(t, 2, 3600)
	a.HandleHTTPError(500, "boom", "req", registry.QuotaText)
	a.HandleHTTPError(500, "boom", "req", registry.QuotaText)
	require.False(t, a.ShouldRetry())

	a.MarkSuccess("req")
	state := a.Runtime()
	assert.Zero(t, state.ErrorCount)
	assert.True(t, state.IsAvailable)
	assert.Equal(t, CooldownNone, state.CooldownReason)
	assert.True(t, a.ShouldRetry())
}

func TestMarkSuccessDoesNotClearRateLimit(t *testing.T) {
	a := testAccount(t, 3, 3600)
	a.HandleHTTPError(429, "slow down", "req", registry.QuotaText)
	a.MarkSuccess("req")
	assert.False(t, a.ShouldRetry())
	assert.True(t, a.InRateLimitCooldown())
}

func TestRateLimitCooldownExpires(t *testing.T) {
	a := testAccount(t, 3, 3600)
	a.HandleHTTPError(429, "slow down", "req", registry.QuotaText)
	require.False(t, a.ShouldRetry())

	a.mu.Lock()
	a.lastCooldownTime = time.Now().Add(-2 * time.Hour)
	a.mu.Unlock()
	assert.True(t, a.ShouldRetry())
}

func TestDisabledFlagBlocksSelection(t *testing.T) {
	a := testAccount(t, 3, 3600)
	a.Disabled = true
	assert.False(t, a.ShouldRetry())
}

func TestExpiryParsing(t *testing.T) {
	a := testAccount(t, 3, 3600)
	assert.False(t, a.Expired())

	a.ExpiresAt = FormatExpiry(time.Now().Add(-time.Minute))
	assert.True(t, a.Expired())

	a.ExpiresAt = FormatExpiry(time.Now().Add(30 * time.Minute))
	assert.False(t, a.Expired())
	assert.True(t, a.SessionExpiresWithin(time.Hour))
	assert.False(t, a.SessionExpiresWithin(10*time.Minute))
}

func TestAccountExpiresWithin(t *testing.T) {
	a := testAccount(t, 3, 3600)
	assert.False(t, a.AccountExpiresWithin(24*time.Hour))

	a.AccountExpiresAt = FormatExpiry(time.Now().Add(12 * time.Hour))
	assert.True(t, a.AccountExpiresWithin(24*time.Hour))
	assert.False(t, a.AccountExpiresWithin(time.Hour))
}

func TestFormatParseRoundTrip(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	parsed, ok := ParseExpiry(FormatExpiry(now))
	require.True(t, ok)
	assert.True(t, parsed.Equal(now))

	_, ok = ParseExpiry("")
	assert.False(t, ok)
	_, ok = ParseExpiry("not a time")
	assert.False(t, ok)
}

func TestQuotaStatusReport(t *testing.T) {
	a := testAccount(t, 3, 3600)
	a.HandleHTTPError(429, `RESOURCE_EXHAUSTED`, "req", registry.QuotaImages)

	limited, statuses := a.GetQuotaStatus()
	assert.Equal(t, 1, limited)
	require.Len(t, statuses, 3)
	for _, st := range statuses {
		if st.Class == registry.QuotaImages {
			assert.True(t, st.Limited)
			assert.NotEmpty(t, st.ResetsAt)
		} else {
			assert.False(t, st.Limited)
		}
	}
}

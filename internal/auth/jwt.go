// Package auth mints the short-lived bearer tokens the upstream Discovery
// Engine endpoints require. Key material rotates server-side; each mint
// fetches the current XSRF token and key id for the account's session
// cookies, then assembles and signs the token locally.
//
// The upstream verifier expects the JWT header and payload to be encoded
// with a character-code byte scheme rather than UTF-8 (see KQEncode), which
// is why the token is assembled by hand instead of with a JWT library.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/router-for-me/GeminiBizAPI/internal/constant"
)

// StatusError carries a non-2xx upstream response through the retry layers.
type StatusError struct {
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, body)
}

// Credentials is the per-account material needed to mint a token.
type Credentials struct {
	AccountID  string
	Csesidx    string
	SecureCSes string
	HostCOses  string
}

// KQEncode converts a string to bytes using the upstream's character-code
// scheme: code points up to 255 become one byte; larger code points become
// two bytes, low byte first. For ASCII input this is identical to UTF-8.
func KQEncode(s string) []byte {
	out := make([]byte, 0, len(s))
	for _, c := range s {
		if c <= 255 {
			out = append(out, byte(c))
		} else {
			out = append(out, byte(c&0xFF), byte(c>>8))
		}
	}
	return out
}

func b64url(data []byte) string {
	return base64.RawURLEncoding.EncodeToString(data)
}

// CreateJWT assembles and signs a token from the rotating key material. The
// signing key is the URL-safe base64 decoding of xsrfToken.
func CreateJWT(csesidx, xsrfToken, keyID string, now time.Time) (string, error) {
	key, err := base64.URLEncoding.DecodeString(xsrfToken + "==")
	if err != nil {
		// Some tokens arrive already padded.
		key, err = base64.URLEncoding.DecodeString(xsrfToken)
		if err != nil {
			return "", fmt.Errorf("decode xsrf token: %w", err)
		}
	}

	header := map[string]any{"alg": "HS256", "typ": "JWT", "kid": keyID}
	iat := now.Unix()
	payload := map[string]any{
		"iss": constant.JWTIssuer,
		"aud": constant.JWTAudience,
		"sub": "csesidx/" + csesidx,
		"iat": iat,
		"exp": iat + int64(constant.JWTLifetime/time.Second),
		"nbf": iat,
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", fmt.Errorf("marshal header: %w", err)
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	signingInput := b64url(KQEncode(string(headerJSON))) + "." + b64url(KQEncode(string(payloadJSON)))
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(signingInput))
	return signingInput + "." + b64url(mac.Sum(nil)), nil
}

type tokenEntry struct {
	mu         sync.Mutex
	token      string
	expiry     time.Time
	refreshing bool
}

// Manager caches one token per account, refreshing synchronously when the
// cached token is expired and in the background when it is close to expiry.
// At most one refresh per account is in flight at any time.
type Manager struct {
	mu         sync.Mutex
	entries    map[string]*tokenEntry
	httpClient *http.Client
}

// NewManager creates a token manager over the auth-class HTTP client.
func NewManager(httpClient *http.Client) *Manager {
	return &Manager{
		entries:    make(map[string]*tokenEntry),
		httpClient: httpClient,
	}
}

// SetHTTPClient swaps the client on configuration reload.
func (m *Manager) SetHTTPClient(c *http.Client) {
	m.mu.Lock()
	m.httpClient = c
	m.mu.Unlock()
}

func (m *Manager) client() *http.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.httpClient
}

func (m *Manager) entry(accountID string) *tokenEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[accountID]
	if !ok {
		e = &tokenEntry{}
		m.entries[accountID] = e
	}
	return e
}

// Get returns a valid bearer token for the account, minting one if needed.
func (m *Manager) Get(ctx context.Context, creds Credentials, requestID string) (string, error) {
	e := m.entry(creds.AccountID)

	e.mu.Lock()
	now := time.Now()
	if e.token != "" && now.Before(e.expiry) {
		token := e.token
		if e.expiry.Sub(now) <= constant.JWTRefreshWindow && !e.refreshing {
			e.refreshing = true
			go m.backgroundRefresh(e, creds, requestID)
		}
		e.mu.Unlock()
		return token, nil
	}
	// Expired or absent. A background refresh may still be in flight from
	// the pre-expiry window; wait for it rather than minting a second token
	// for the same account.
	for e.refreshing {
		e.mu.Unlock()
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
		e.mu.Lock()
		if e.token != "" && time.Now().Before(e.expiry) {
			token := e.token
			e.mu.Unlock()
			return token, nil
		}
	}
	defer e.mu.Unlock()

	// Expired or absent: refresh while holding the entry lock so other
	// callers for this account wait rather than duplicating the fetch.
	token, expiry, err := m.refresh(ctx, creds, requestID)
	if err != nil {
		return "", err
	}
	e.token = token
	e.expiry = expiry
	return token, nil
}

func (m *Manager) backgroundRefresh(e *tokenEntry, creds Credentials, requestID string) {
	ctx, cancel := context.WithTimeout(context.Background(), constant.OXSRFTimeout)
	defer cancel()
	token, expiry, err := m.refresh(ctx, creds, requestID)

	e.mu.Lock()
	e.refreshing = false
	if err == nil {
		e.token = token
		e.expiry = expiry
	}
	e.mu.Unlock()

	if err != nil {
		log.Warnf("[%s] background JWT refresh for %s failed: %v", requestID, creds.AccountID, err)
	}
}

func (m *Manager) refresh(ctx context.Context, creds Credentials, requestID string) (string, time.Time, error) {
	reqCtx, cancel := context.WithTimeout(ctx, constant.OXSRFTimeout)
	defer cancel()

	endpoint := constant.AuthBaseURL + "/auth/getoxsrf?csesidx=" + url.QueryEscape(creds.Csesidx)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("build getoxsrf request: %w", err)
	}
	cookie := "__Secure-C_SES=" + creds.SecureCSes
	if creds.HostCOses != "" {
		cookie += "; __Host-C_OSES=" + creds.HostCOses
	}
	req.Header.Set("Cookie", cookie)
	req.Header.Set("User-Agent", constant.UserAgent)

	resp, err := m.client().Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("getoxsrf request: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("read getoxsrf response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	// The endpoint may prepend the XSSI guard )]}'.
	payload := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(string(body)), ")]}'"))
	xsrfToken := gjson.Get(payload, "xsrfToken").String()
	keyID := gjson.Get(payload, "keyId").String()
	if xsrfToken == "" || keyID == "" {
		return "", time.Time{}, fmt.Errorf("getoxsrf response missing xsrfToken/keyId")
	}

	now := time.Now()
	token, err := CreateJWT(creds.Csesidx, xsrfToken, keyID, now)
	if err != nil {
		return "", time.Time{}, err
	}
	log.Debugf("[%s] minted JWT for %s (kid=%s)", requestID, creds.AccountID, keyID)
	return token, now.Add(constant.JWTCacheLifetime), nil
}

// Invalidate drops the cached token for an account.
func (m *Manager) Invalidate(accountID string) {
	e := m.entry(accountID)
	e.mu.Lock()
	e.token = ""
	e.expiry = time.Time{}
	e.mu.Unlock()
}

// Remove forgets an account entirely (pool reload removed it).
func (m *Manager) Remove(accountID string) {
	m.mu.Lock()
	delete(m.entries, accountID)
	m.mu.Unlock()
}

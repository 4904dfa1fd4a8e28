// Package mailbox provisions throwaway inboxes for account registration and
// reads verification codes out of them. Each supported temp-mail service has
// a small provider; the browser automation child receives the same
// credentials through its params so either side can poll.
package mailbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/router-for-me/GeminiBizAPI/internal/config"
	"github.com/router-for-me/GeminiBizAPI/internal/util"
)

// Provider is one temp-mail backend bound to a single inbox.
type Provider interface {
	// RegisterAccount provisions the inbox. After it returns, Email and
	// Password are valid.
	RegisterAccount(ctx context.Context) error

	// Email returns the inbox address.
	Email() string

	// Password returns the inbox credential, when the backend has one.
	Password() string

	// PollForCode waits for a verification code to arrive after since.
	PollForCode(ctx context.Context, since time.Time) (string, error)

	// Params returns the connection settings handed to the automation
	// child so it can poll the same inbox.
	Params() map[string]any
}

// New builds the provider selected by tag, falling back to the configured
// default.
func New(cfg *config.Config, tag, domain string) (Provider, error) {
	if tag == "" {
		tag = cfg.Mail.Provider
	}
	client := mailClient(cfg)
	switch tag {
	case "duckmail":
		return newDuckMail(cfg.Mail.DuckMail, domain, client), nil
	case "moemail":
		return newMoeMail(cfg.Mail.MoeMail, domain, client), nil
	case "freemail":
		if cfg.Mail.FreeMail.JWTToken == "" {
			return nil, fmt.Errorf("freemail provider requires jwt-token")
		}
		return newFreeMail(cfg.Mail.FreeMail, domain, client), nil
	case "gptmail":
		return newGPTMail(cfg.Mail.GPTMail, domain, client), nil
	case "microsoft":
		return nil, fmt.Errorf("microsoft provider cannot provision inboxes; it only refreshes existing accounts")
	default:
		return nil, fmt.Errorf("unknown mail provider %q", tag)
	}
}

// mailClient returns the HTTP client mail traffic should use, honouring the
// auth proxy when mail proxying is enabled.
func mailClient(cfg *config.Config) *http.Client {
	if cfg.Proxy.MailEnabled && cfg.Proxy.Auth != "" {
		client := util.NewHTTPClient(util.ParseProxySetting(cfg.Proxy.Auth), cfg.Proxy.LocalIgnoreProxy)
		client.Timeout = 30 * time.Second
		return client
	}
	return &http.Client{Timeout: 30 * time.Second}
}

// randomToken returns n random hex characters.
func randomToken(n int) string {
	buf := make([]byte, (n+1)/2)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)[:n]
}

// randomLocalPart builds an inbox name that passes the upstream's address
// validation.
func randomLocalPart() string {
	return "gm" + randomToken(10)
}

var codePattern = regexp.MustCompile(`\b(\d{6})\b`)

// extractCode pulls a six-digit verification code out of a message body or
// subject.
func extractCode(text string) (string, bool) {
	m := codePattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// httpJSON performs one request and returns the body, treating non-2xx as an
// error.
func httpJSON(ctx context.Context, client *http.Client, method, url string, headers map[string]string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s %s: status %d: %s", method, url, resp.StatusCode, strings.TrimSpace(firstLine(string(data))))
	}
	return data, nil
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	if len(s) > 200 {
		return s[:200]
	}
	return s
}

// pollLoop drives the shared poll cadence until ctx or the deadline ends.
func pollLoop(ctx context.Context, timeout, interval time.Duration, check func(ctx context.Context) (string, bool, error)) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		code, found, err := check(ctx)
		if err == nil && found {
			return code, nil
		}
		if time.Now().After(deadline) {
			if err != nil {
				return "", fmt.Errorf("verification code not received: %w", err)
			}
			return "", fmt.Errorf("verification code not received within %s", timeout)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(interval):
		}
	}
}

const (
	pollTimeout  = 120 * time.Second
	pollInterval = 5 * time.Second
)

package mailbox

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/router-for-me/GeminiBizAPI/internal/config"
)

// moeMail speaks the moemail self-hosted API, authenticated by X-API-Key.
type moeMail struct {
	baseURL string
	apiKey  string
	domain  string
	client  *http.Client

	email   string
	emailID string
}

func newMoeMail(cfg config.MailProviderConfig, domain string, client *http.Client) *moeMail {
	if domain == "" {
		domain = cfg.Domain
	}
	return &moeMail{baseURL: cfg.BaseURL, apiKey: cfg.APIKey, domain: domain, client: client}
}

func (m *moeMail) Email() string    { return m.email }
func (m *moeMail) Password() string { return "" }

func (m *moeMail) Params() map[string]any {
	return map[string]any{
		"base_url": m.baseURL,
		"api_key":  m.apiKey,
		"domain":   m.domain,
		"email_id": m.emailID,
	}
}

func (m *moeMail) headers() map[string]string {
	return map[string]string{"X-API-Key": m.apiKey}
}

func (m *moeMail) RegisterAccount(ctx context.Context) error {
	if m.baseURL == "" {
		return fmt.Errorf("moemail base-url not configured")
	}
	body, _ := sjson.SetBytes([]byte(`{}`), "name", randomLocalPart())
	body, _ = sjson.SetBytes(body, "expiryTime", 3600000*24)
	if m.domain != "" {
		body, _ = sjson.SetBytes(body, "domain", m.domain)
	}
	data, err := httpJSON(ctx, m.client, http.MethodPost, m.baseURL+"/api/emails/generate", m.headers(), body)
	if err != nil {
		return err
	}
	m.email = gjson.GetBytes(data, "email").String()
	m.emailID = gjson.GetBytes(data, "id").String()
	if m.email == "" || m.emailID == "" {
		return fmt.Errorf("moemail generate response missing email or id")
	}
	return nil
}

func (m *moeMail) PollForCode(ctx context.Context, since time.Time) (string, error) {
	endpoint := m.baseURL + "/api/emails/" + url.PathEscape(m.emailID)
	return pollLoop(ctx, pollTimeout, pollInterval, func(ctx context.Context) (string, bool, error) {
		data, err := httpJSON(ctx, m.client, http.MethodGet, endpoint, m.headers(), nil)
		if err != nil {
			return "", false, err
		}
		for _, msg := range gjson.GetBytes(data, "messages").Array() {
			receivedAt := msg.Get("received_at").Int()
			if receivedAt > 0 && time.UnixMilli(receivedAt).Before(since) {
				continue
			}
			if code, ok := extractCode(msg.Get("subject").String()); ok {
				return code, true, nil
			}
			if code, ok := extractCode(msg.Get("content").String()); ok {
				return code, true, nil
			}
		}
		return "", false, nil
	})
}

package mailbox

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"

	"github.com/router-for-me/GeminiBizAPI/internal/config"
)

// gptMail speaks the gptmail hosted API, authenticated by an apikey query
// parameter.
type gptMail struct {
	baseURL string
	apiKey  string
	domain  string
	client  *http.Client

	email string
}

func newGPTMail(cfg config.MailProviderConfig, domain string, client *http.Client) *gptMail {
	base := cfg.BaseURL
	if base == "" {
		base = "https://mail.gpt.ge"
	}
	if domain == "" {
		domain = cfg.Domain
	}
	return &gptMail{baseURL: base, apiKey: cfg.APIKey, domain: domain, client: client}
}

func (g *gptMail) Email() string    { return g.email }
func (g *gptMail) Password() string { return "" }

func (g *gptMail) Params() map[string]any {
	return map[string]any{
		"base_url": g.baseURL,
		"api_key":  g.apiKey,
		"domain":   g.domain,
	}
}

func (g *gptMail) RegisterAccount(ctx context.Context) error {
	endpoint := g.baseURL + "/api/mail/new?apikey=" + url.QueryEscape(g.apiKey)
	if g.domain != "" {
		endpoint += "&domain=" + url.QueryEscape(g.domain)
	}
	data, err := httpJSON(ctx, g.client, http.MethodGet, endpoint, nil, nil)
	if err != nil {
		return err
	}
	g.email = gjson.GetBytes(data, "email").String()
	if g.email == "" {
		return fmt.Errorf("gptmail response missing email")
	}
	return nil
}

func (g *gptMail) PollForCode(ctx context.Context, since time.Time) (string, error) {
	endpoint := g.baseURL + "/api/mail/list?apikey=" + url.QueryEscape(g.apiKey) + "&email=" + url.QueryEscape(g.email)
	return pollLoop(ctx, pollTimeout, pollInterval, func(ctx context.Context) (string, bool, error) {
		data, err := httpJSON(ctx, g.client, http.MethodGet, endpoint, nil, nil)
		if err != nil {
			return "", false, err
		}
		for _, msg := range gjson.GetBytes(data, "messages").Array() {
			ts := msg.Get("timestamp").Int()
			if ts > 0 && time.Unix(ts, 0).Before(since) {
				continue
			}
			if code, ok := extractCode(msg.Get("subject").String()); ok {
				return code, true, nil
			}
			if code, ok := extractCode(msg.Get("body").String()); ok {
				return code, true, nil
			}
		}
		return "", false, nil
	})
}

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

// freeMail speaks the freemail self-hosted API, authenticated by a
// long-lived JWT.
type freeMail struct {
	baseURL  string
	jwtToken string
	domain   string
	client   *http.Client

	email    string
	password string
}

func newFreeMail(cfg config.MailProviderConfig, domain string, client *http.Client) *freeMail {
	if domain == "" {
		domain = cfg.Domain
	}
	return &freeMail{baseURL: cfg.BaseURL, jwtToken: cfg.JWTToken, domain: domain, client: client}
}

func (f *freeMail) Email() string    { return f.email }
func (f *freeMail) Password() string { return f.password }

func (f *freeMail) Params() map[string]any {
	return map[string]any{
		"base_url":  f.baseURL,
		"jwt_token": f.jwtToken,
		"domain":    f.domain,
	}
}

func (f *freeMail) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + f.jwtToken}
}

func (f *freeMail) RegisterAccount(ctx context.Context) error {
	if f.baseURL == "" {
		return fmt.Errorf("freemail base-url not configured")
	}
	f.password = randomToken(16)
	body, _ := sjson.SetBytes([]byte(`{}`), "name", randomLocalPart())
	body, _ = sjson.SetBytes(body, "password", f.password)
	if f.domain != "" {
		body, _ = sjson.SetBytes(body, "domain", f.domain)
	}
	data, err := httpJSON(ctx, f.client, http.MethodPost, f.baseURL+"/api/mailboxes", f.headers(), body)
	if err != nil {
		return err
	}
	f.email = gjson.GetBytes(data, "email").String()
	if f.email == "" {
		f.email = gjson.GetBytes(data, "address").String()
	}
	if f.email == "" {
		return fmt.Errorf("freemail mailbox response missing address")
	}
	return nil
}

func (f *freeMail) PollForCode(ctx context.Context, since time.Time) (string, error) {
	endpoint := f.baseURL + "/api/emails?mailbox=" + url.QueryEscape(f.email)
	return pollLoop(ctx, pollTimeout, pollInterval, func(ctx context.Context) (string, bool, error) {
		data, err := httpJSON(ctx, f.client, http.MethodGet, endpoint, f.headers(), nil)
		if err != nil {
			return "", false, err
		}
		list := gjson.GetBytes(data, "emails")
		if !list.Exists() {
			list = gjson.ParseBytes(data)
		}
		for _, msg := range list.Array() {
			created, errTime := time.Parse(time.RFC3339, msg.Get("created_at").String())
			if errTime == nil && created.Before(since) {
				continue
			}
			if code, ok := extractCode(msg.Get("subject").String()); ok {
				return code, true, nil
			}
			if code, ok := extractCode(msg.Get("text").String()); ok {
				return code, true, nil
			}
		}
		return "", false, nil
	})
}

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

// duckMail speaks the mail.tm-compatible API: create an account, exchange it
// for a bearer token, then list and read messages.
type duckMail struct {
	baseURL string
	domain  string
	client  *http.Client

	email    string
	password string
	token    string
}

func newDuckMail(cfg config.MailProviderConfig, domain string, client *http.Client) *duckMail {
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.duckmail.sbs"
	}
	if domain == "" {
		domain = cfg.Domain
	}
	return &duckMail{baseURL: base, domain: domain, client: client}
}

func (d *duckMail) Email() string    { return d.email }
func (d *duckMail) Password() string { return d.password }

func (d *duckMail) Params() map[string]any {
	return map[string]any{"base_url": d.baseURL, "domain": d.domain}
}

func (d *duckMail) RegisterAccount(ctx context.Context) error {
	domain := d.domain
	if domain == "" {
		data, err := httpJSON(ctx, d.client, http.MethodGet, d.baseURL+"/domains", nil, nil)
		if err != nil {
			return err
		}
		domain = gjson.GetBytes(data, "hydra:member.0.domain").String()
		if domain == "" {
			domain = gjson.GetBytes(data, "0.domain").String()
		}
		if domain == "" {
			return fmt.Errorf("no mail domain available")
		}
		d.domain = domain
	}

	d.email = randomLocalPart() + "@" + domain
	d.password = randomToken(16)

	body, _ := sjson.SetBytes([]byte(`{}`), "address", d.email)
	body, _ = sjson.SetBytes(body, "password", d.password)
	if _, err := httpJSON(ctx, d.client, http.MethodPost, d.baseURL+"/accounts", nil, body); err != nil {
		return err
	}

	data, err := httpJSON(ctx, d.client, http.MethodPost, d.baseURL+"/token", nil, body)
	if err != nil {
		return err
	}
	d.token = gjson.GetBytes(data, "token").String()
	if d.token == "" {
		return fmt.Errorf("token missing from auth response")
	}
	return nil
}

func (d *duckMail) PollForCode(ctx context.Context, since time.Time) (string, error) {
	headers := map[string]string{"Authorization": "Bearer " + d.token}
	return pollLoop(ctx, pollTimeout, pollInterval, func(ctx context.Context) (string, bool, error) {
		data, err := httpJSON(ctx, d.client, http.MethodGet, d.baseURL+"/messages", headers, nil)
		if err != nil {
			return "", false, err
		}
		messages := gjson.GetBytes(data, "hydra:member")
		if !messages.Exists() {
			messages = gjson.ParseBytes(data)
		}
		for _, msg := range messages.Array() {
			created, errTime := time.Parse(time.RFC3339, msg.Get("createdAt").String())
			if errTime == nil && created.Before(since) {
				continue
			}
			if code, ok := extractCode(msg.Get("subject").String()); ok {
				return code, true, nil
			}
			detail, errGet := httpJSON(ctx, d.client, http.MethodGet, d.baseURL+"/messages/"+url.PathEscape(msg.Get("id").String()), headers, nil)
			if errGet != nil {
				continue
			}
			if code, ok := extractCode(gjson.GetBytes(detail, "text").String()); ok {
				return code, true, nil
			}
		}
		return "", false, nil
	})
}

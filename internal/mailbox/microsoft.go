package mailbox

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
)

const graphMessagesURL = "https://graph.microsoft.com/v1.0/me/mailFolders/inbox/messages?$top=10&$orderby=receivedDateTime desc"

// msClientID is the public client used for refresh-token mail access.
const msClientID = "9e5f94bc-e8a4-4e73-b8be-63364c29d753"

// microsoftMail reads an existing Outlook inbox through the Graph API using
// a stored refresh token. It cannot provision inboxes; registration batches
// must use a temp-mail provider.
type microsoftMail struct {
	email        string
	refreshToken string
	tenant       string
	client       *http.Client
}

// NewMicrosoft builds the refresh-token-backed reader for one account.
func NewMicrosoft(email, refreshToken, tenant string, client *http.Client) Provider {
	if tenant == "" {
		tenant = "common"
	}
	return &microsoftMail{email: email, refreshToken: refreshToken, tenant: tenant, client: client}
}

func (m *microsoftMail) Email() string    { return m.email }
func (m *microsoftMail) Password() string { return "" }

func (m *microsoftMail) Params() map[string]any {
	return map[string]any{
		"refresh_token": m.refreshToken,
		"tenant":        m.tenant,
	}
}

func (m *microsoftMail) RegisterAccount(ctx context.Context) error {
	return fmt.Errorf("microsoft provider reads existing inboxes only")
}

// accessToken redeems the refresh token for a Graph access token.
func (m *microsoftMail) accessToken(ctx context.Context) (string, error) {
	conf := &oauth2.Config{
		ClientID: msClientID,
		Endpoint: microsoft.AzureADEndpoint(m.tenant),
		Scopes:   []string{"https://graph.microsoft.com/Mail.Read", "offline_access"},
	}
	if m.client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, m.client)
	}
	token, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: m.refreshToken}).Token()
	if err != nil {
		return "", fmt.Errorf("microsoft token refresh: %w", err)
	}
	return token.AccessToken, nil
}

func (m *microsoftMail) PollForCode(ctx context.Context, since time.Time) (string, error) {
	access, err := m.accessToken(ctx)
	if err != nil {
		return "", err
	}
	client := m.client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	headers := map[string]string{"Authorization": "Bearer " + access}
	endpoint := graphMessagesURL + "&$filter=" + url.QueryEscape(
		fmt.Sprintf("receivedDateTime ge %s", since.UTC().Format(time.RFC3339)))

	return pollLoop(ctx, pollTimeout, pollInterval, func(ctx context.Context) (string, bool, error) {
		data, err := httpJSON(ctx, client, http.MethodGet, endpoint, headers, nil)
		if err != nil {
			return "", false, err
		}
		for _, msg := range gjson.GetBytes(data, "value").Array() {
			if code, ok := extractCode(msg.Get("subject").String()); ok {
				return code, true, nil
			}
			if code, ok := extractCode(msg.Get("bodyPreview").String()); ok {
				return code, true, nil
			}
		}
		return "", false, nil
	})
}

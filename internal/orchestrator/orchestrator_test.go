package orchestrator

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/router-for-me/GeminiBizAPI/internal/account"
	"github.com/router-for-me/GeminiBizAPI/internal/auth"
	"github.com/router-for-me/GeminiBizAPI/internal/binding"
	"github.com/router-for-me/GeminiBizAPI/internal/config"
	"github.com/router-for-me/GeminiBizAPI/internal/media"
	"github.com/router-for-me/GeminiBizAPI/internal/stats"
	"github.com/router-for-me/GeminiBizAPI/internal/store"
	"github.com/router-for-me/GeminiBizAPI/internal/upstream"
)

// rewriteTransport redirects every request to the test server regardless of
// the hard-coded upstream hosts.
type rewriteTransport struct {
	target *url.URL
	inner  http.RoundTripper
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.URL.Scheme = t.target.Scheme
	clone.URL.Host = t.target.Host
	return t.inner.RoundTrip(clone)
}

// fakeUpstream serves the widget endpoints the orchestrator drives.
type fakeUpstream struct {
	srv *httptest.Server

	assistBody   string
	assistFails  atomic.Int32 // remaining widgetStreamAssist calls to 429
	assistCalls  atomic.Int32
	sessionCalls atomic.Int32
}

func newFakeUpstream(t *testing.T, assistBody string) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{assistBody: assistBody}

	keyBytes := make([]byte, 32)
	_, err := rand.Read(keyBytes)
	require.NoError(t, err)
	xsrfToken := base64.URLEncoding.EncodeToString(keyBytes)

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/getoxsrf", func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.URL.Query().Get("csesidx"))
		assert.Contains(t, r.Header.Get("Cookie"), "__Secure-C_SES=")
		_, _ = w.Write([]byte(")]}'\n" + `{"xsrfToken":"` + xsrfToken + `","keyId":"kid-test"}`))
	})
	mux.HandleFunc("/v1alpha/locations/global/widgetCreateSession", func(w http.ResponseWriter, r *http.Request) {
		n := f.sessionCalls.Add(1)
		assert.Contains(t, r.Header.Get("Authorization"), "Bearer ")
		_, _ = w.Write([]byte(`{"session":{"name":"projects/p/sessions/s` + string(rune('0'+n)) + `"}}`))
	})
	mux.HandleFunc("/v1alpha/locations/global/widgetStreamAssist", func(w http.ResponseWriter, r *http.Request) {
		f.assistCalls.Add(1)
		if f.assistFails.Load() > 0 {
			f.assistFails.Add(-1)
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"code":429,"status":"RESOURCE_EXHAUSTED"}}`))
			return
		}
		_, _ = w.Write([]byte(f.assistBody))
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeUpstream) client() *http.Client {
	target, _ := url.Parse(f.srv.URL)
	base := f.srv.Client()
	return &http.Client{
		Timeout:   10 * time.Second,
		Transport: &rewriteTransport{target: target, inner: base.Transport},
	}
}

func testOrchestrator(t *testing.T, f *fakeUpstream, docs []account.Document) *Orchestrator {
	t.Helper()
	cfg := &config.Config{}
	cfg.Retry.FailureThreshold = 3
	cfg.Retry.RateLimitCooldownSeconds = 3600
	cfg.Retry.MaxRequestRetries = 2
	cfg.Retry.MaxNewSessionTries = 2
	cfg.Retry.MaxAccountSwitchTries = 3
	cfg.ImageGeneration.OutputMode = "base64"
	cfg.VideoGeneration.OutputFormat = "markdown"

	pool := account.NewManager(docs, cfg.Retry.FailureThreshold, cfg.Retry.RateLimitCooldownSeconds)
	client := f.client()
	up := upstream.NewClient(client, auth.NewManager(client))

	st, err := store.Open("", t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	mediaHandler, err := media.NewHandler(t.TempDir())
	require.NoError(t, err)

	return New(cfg, pool, binding.NewManager(), up, mediaHandler, stats.NewCollector(store.NewBuffered(st), nil), client)
}

func chatDoc(id string) account.Document {
	return account.Document{
		ID:         id,
		Csesidx:    "csesidx-" + id,
		ConfigID:   "config-" + id,
		SecureCSes: "ses-" + id,
	}
}

func chatRequest(text string) ChatRequest {
	return ChatRequest{
		Body:      []byte(`{"model":"gemini-2.5-flash","messages":[{"role":"user","content":"` + text + `"}]}`),
		Model:     "gemini-2.5-flash",
		ChatID:    "chat-1",
		Mode:      config.APIKeyModeMemory,
		RequestID: "req-test",
	}
}

func collect(t *testing.T, chunks <-chan []byte, errChan <-chan error) ([]gjson.Result, error) {
	t.Helper()
	var out []gjson.Result
	timeout := time.After(10 * time.Second)
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return out, <-errChan
			}
			out = append(out, gjson.ParseBytes(chunk))
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

const assistOK = `[
  {"sessionInfo":{"session":"projects/p/sessions/live"}},
  {"streamAssistResponse":{"answer":{"replies":[{"groundedContent":{"content":{"text":"think first","thought":true}}}]}}},
  {"streamAssistResponse":{"answer":{"replies":[{"groundedContent":{"content":{"text":"Hello"}}}]}}},
  {"streamAssistResponse":{"answer":{"replies":[{"groundedContent":{"content":{"text":" world"}}}]}}}
]`

func TestStreamHappyPath(t *testing.T) {
	f := newFakeUpstream(t, assistOK)
	o := testOrchestrator(t, f, []account.Document{chatDoc("a1")})

	chunks, errChan := o.Stream(context.Background(), chatRequest("hi"))
	got, err := collect(t, chunks, errChan)
	require.NoError(t, err)
	require.NotEmpty(t, got)

	assert.Equal(t, "assistant", got[0].Get("choices.0.delta.role").String())

	var content, reasoning strings.Builder
	for _, chunk := range got {
		content.WriteString(chunk.Get("choices.0.delta.content").String())
		reasoning.WriteString(chunk.Get("choices.0.delta.reasoning_content").String())
	}
	assert.Equal(t, "Hello world", content.String())
	assert.Equal(t, "think first", reasoning.String())
	assert.Equal(t, "stop", got[len(got)-1].Get("choices.0.finish_reason").String())

	// The conversation is now bound to the account and the renamed session.
	rec, ok := o.Bindings().Get("chat-1")
	require.True(t, ok)
	assert.Equal(t, "a1", rec.AccountID)
	assert.Equal(t, "projects/p/sessions/live", rec.SessionID)
}

func TestStreamReusesBinding(t *testing.T) {
	f := newFakeUpstream(t, assistOK)
	o := testOrchestrator(t, f, []account.Document{chatDoc("a1")})

	for i := 0; i < 2; i++ {
		chunks, errChan := o.Stream(context.Background(), chatRequest("hi"))
		_, err := collect(t, chunks, errChan)
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, f.sessionCalls.Load())
	assert.EqualValues(t, 2, f.assistCalls.Load())
}

func TestStreamUnknownModel(t *testing.T) {
	f := newFakeUpstream(t, assistOK)
	o := testOrchestrator(t, f, []account.Document{chatDoc("a1")})

	req := chatRequest("hi")
	req.Model = "gpt-4"
	chunks, errChan := o.Stream(context.Background(), req)
	_, err := collect(t, chunks, errChan)

	var failure *Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, http.StatusNotFound, failure.Code)
	assert.Zero(t, f.assistCalls.Load())
}

func TestStreamFailsOverOnRateLimit(t *testing.T) {
	f := newFakeUpstream(t, assistOK)
	f.assistFails.Store(1)
	o := testOrchestrator(t, f, []account.Document{chatDoc("a1"), chatDoc("a2")})

	chunks, errChan := o.Stream(context.Background(), chatRequest("hi"))
	got, err := collect(t, chunks, errChan)
	require.NoError(t, err)
	assert.Equal(t, "stop", got[len(got)-1].Get("choices.0.finish_reason").String())
	assert.EqualValues(t, 2, f.assistCalls.Load())

	// The binding moved to the account that answered.
	rec, ok := o.Bindings().Get("chat-1")
	require.True(t, ok)
	assert.Equal(t, "a2", rec.AccountID)
}

func TestStreamAllAccountsRateLimited(t *testing.T) {
	f := newFakeUpstream(t, assistOK)
	f.assistFails.Store(10)
	o := testOrchestrator(t, f, []account.Document{chatDoc("a1"), chatDoc("a2")})

	chunks, errChan := o.Stream(context.Background(), chatRequest("hi"))
	_, err := collect(t, chunks, errChan)

	var failure *Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, http.StatusTooManyRequests, failure.Code)
}

func TestStreamNoAccounts(t *testing.T) {
	f := newFakeUpstream(t, assistOK)
	o := testOrchestrator(t, f, nil)

	chunks, errChan := o.Stream(context.Background(), chatRequest("hi"))
	_, err := collect(t, chunks, errChan)

	var failure *Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, http.StatusServiceUnavailable, failure.Code)
}

func TestStreamEmptyResponseFails(t *testing.T) {
	f := newFakeUpstream(t, `[]`)
	o := testOrchestrator(t, f, []account.Document{chatDoc("a1")})

	chunks, errChan := o.Stream(context.Background(), chatRequest("hi"))
	_, err := collect(t, chunks, errChan)

	var failure *Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, http.StatusServiceUnavailable, failure.Code)
}

func TestResetSessionCommand(t *testing.T) {
	f := newFakeUpstream(t, assistOK)
	o := testOrchestrator(t, f, []account.Document{chatDoc("a1")})

	// Establish a binding first.
	chunks, errChan := o.Stream(context.Background(), chatRequest("hi"))
	_, err := collect(t, chunks, errChan)
	require.NoError(t, err)
	rec, _ := o.Bindings().Get("chat-1")
	require.NotEmpty(t, rec.SessionID)

	chunks, errChan = o.Stream(context.Background(), chatRequest("重置"))
	got, err := collect(t, chunks, errChan)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, "stop", got[len(got)-1].Get("choices.0.finish_reason").String())

	// The account stays bound but the session is cleared.
	rec, ok := o.Bindings().Get("chat-1")
	require.True(t, ok)
	assert.Equal(t, "a1", rec.AccountID)
	assert.Empty(t, rec.SessionID)

	// The next message opens a fresh session on the same account.
	sessionsBefore := f.sessionCalls.Load()
	chunks, errChan = o.Stream(context.Background(), chatRequest("next"))
	_, err = collect(t, chunks, errChan)
	require.NoError(t, err)
	assert.Equal(t, sessionsBefore+1, f.sessionCalls.Load())
	rec, _ = o.Bindings().Get("chat-1")
	assert.Equal(t, "a1", rec.AccountID)
}

func TestSwitchAccountCommand(t *testing.T) {
	f := newFakeUpstream(t, assistOK)
	o := testOrchestrator(t, f, []account.Document{chatDoc("a1")})

	chunks, errChan := o.Stream(context.Background(), chatRequest("hi"))
	_, err := collect(t, chunks, errChan)
	require.NoError(t, err)

	chunks, errChan = o.Stream(context.Background(), chatRequest("换号"))
	_, err = collect(t, chunks, errChan)
	require.NoError(t, err)

	_, ok := o.Bindings().Get("chat-1")
	assert.False(t, ok)
}

func TestFastModeDoesNotTouchPersistentBindings(t *testing.T) {
	f := newFakeUpstream(t, assistOK)
	o := testOrchestrator(t, f, []account.Document{chatDoc("a1")})

	req := chatRequest("hi")
	req.Mode = config.APIKeyModeFast
	chunks, errChan := o.Stream(context.Background(), req)
	_, err := collect(t, chunks, errChan)
	require.NoError(t, err)

	_, ok := o.Bindings().Get("chat-1")
	assert.False(t, ok)
}

func TestFastModeOpensFreshSessionPerRequest(t *testing.T) {
	f := newFakeUpstream(t, assistOK)
	o := testOrchestrator(t, f, []account.Document{chatDoc("a1")})

	// Two fast-mode calls with the same fingerprint chat id. Each request
	// must open its own upstream session; nothing carries over.
	for _, id := range []string{"req-fast-1", "req-fast-2"} {
		req := chatRequest("hi")
		req.Mode = config.APIKeyModeFast
		req.RequestID = id
		chunks, errChan := o.Stream(context.Background(), req)
		_, err := collect(t, chunks, errChan)
		require.NoError(t, err)
	}

	assert.EqualValues(t, 2, f.sessionCalls.Load())
	_, ok := o.Bindings().Get("chat-1")
	assert.False(t, ok)
}

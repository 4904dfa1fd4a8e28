package auth

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hostRewrite points the hard-coded auth endpoint at the test server.
type hostRewrite struct {
	target *url.URL
	inner  http.RoundTripper
}

func (t *hostRewrite) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.URL.Scheme = t.target.Scheme
	clone.URL.Host = t.target.Host
	return t.inner.RoundTrip(clone)
}

func newOXSRFServer(t *testing.T, hits *atomic.Int32, delay time.Duration) *http.Client {
	t.Helper()
	xsrf := base64.RawURLEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		time.Sleep(delay)
		_, _ = w.Write([]byte(")]}'\n" + `{"xsrfToken":"` + xsrf + `","keyId":"kid-test"}`))
	}))
	t.Cleanup(srv.Close)

	target, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return &http.Client{
		Timeout:   10 * time.Second,
		Transport: &hostRewrite{target: target, inner: srv.Client().Transport},
	}
}

var testCreds = Credentials{AccountID: "acc-1", Csesidx: "idx-1", SecureCSes: "ses-1"}

func TestGetWaitsForInFlightRefresh(t *testing.T) {
	var hits atomic.Int32
	m := NewManager(newOXSRFServer(t, &hits, 0))

	// Simulate a refresh already in flight for an entry whose token just
	// expired.
	e := m.entry(testCreds.AccountID)
	e.mu.Lock()
	e.token = "stale"
	e.expiry = time.Now().Add(-time.Second)
	e.refreshing = true
	e.mu.Unlock()

	done := make(chan string, 1)
	go func() {
		token, err := m.Get(context.Background(), testCreds, "req-wait")
		assert.NoError(t, err)
		done <- token
	}()

	// The caller must block instead of starting a second mint.
	select {
	case <-done:
		t.Fatal("Get returned while a refresh was in flight")
	case <-time.After(150 * time.Millisecond):
	}

	// The in-flight refresh completes.
	e.mu.Lock()
	e.token = "fresh-token"
	e.expiry = time.Now().Add(time.Hour)
	e.refreshing = false
	e.mu.Unlock()

	select {
	case token := <-done:
		assert.Equal(t, "fresh-token", token)
	case <-time.After(5 * time.Second):
		t.Fatal("Get did not pick up the refreshed token")
	}
	assert.Zero(t, hits.Load())
}

func TestGetWaitCancelled(t *testing.T) {
	var hits atomic.Int32
	m := NewManager(newOXSRFServer(t, &hits, 0))

	e := m.entry(testCreds.AccountID)
	e.mu.Lock()
	e.refreshing = true
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := m.Get(ctx, testCreds, "req-cancel")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, hits.Load())
}

func TestConcurrentGetMintsOnce(t *testing.T) {
	var hits atomic.Int32
	m := NewManager(newOXSRFServer(t, &hits, 100*time.Millisecond))

	tokens := make(chan string, 2)
	for i := 0; i < 2; i++ {
		go func() {
			token, err := m.Get(context.Background(), testCreds, "req-conc")
			assert.NoError(t, err)
			tokens <- token
		}()
	}

	first := <-tokens
	second := <-tokens
	assert.NotEmpty(t, first)
	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, hits.Load())
}

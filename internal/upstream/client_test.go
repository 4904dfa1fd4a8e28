package upstream

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSetHTTPClientSwapsTransport(t *testing.T) {
	first := &http.Client{Timeout: 1 * time.Second}
	second := &http.Client{Timeout: 2 * time.Second}

	c := NewClient(first, nil)
	assert.Same(t, first, c.client())

	// A config reload installs a new chat-class client; every call after the
	// swap must go through it.
	c.SetHTTPClient(second)
	assert.Same(t, second, c.client())
}

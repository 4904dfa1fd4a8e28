package mailbox

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/router-for-me/GeminiBizAPI/internal/config"
)

func TestExtractCode(t *testing.T) {
	code, ok := extractCode("Your Gemini verification code is 482915. It expires soon.")
	require.True(t, ok)
	assert.Equal(t, "482915", code)
}

func TestExtractCodeIgnoresLongerRuns(t *testing.T) {
	_, ok := extractCode("order 12345678 confirmed")
	assert.False(t, ok)

	_, ok = extractCode("pin 12345")
	assert.False(t, ok)
}

func TestExtractCodeFirstMatchWins(t *testing.T) {
	code, ok := extractCode("code 111222, backup 333444")
	require.True(t, ok)
	assert.Equal(t, "111222", code)
}

func TestExtractCodeNone(t *testing.T) {
	_, ok := extractCode("no digits here")
	assert.False(t, ok)
}

func TestRandomLocalPart(t *testing.T) {
	a := randomLocalPart()
	b := randomLocalPart()
	assert.True(t, strings.HasPrefix(a, "gm"))
	assert.Len(t, a, 12)
	assert.NotEqual(t, a, b)
}

func TestNewSelectsProvider(t *testing.T) {
	cfg := &config.Config{}
	cfg.Mail.Provider = "duckmail"

	p, err := New(cfg, "", "")
	require.NoError(t, err)
	assert.NotNil(t, p)

	p, err = New(cfg, "moemail", "moe.example.com")
	require.NoError(t, err)
	assert.NotNil(t, p)
}

func TestNewFreemailRequiresJWT(t *testing.T) {
	cfg := &config.Config{}
	_, err := New(cfg, "freemail", "")
	assert.Error(t, err)

	cfg.Mail.FreeMail.JWTToken = "jwt"
	p, err := New(cfg, "freemail", "")
	require.NoError(t, err)
	assert.NotNil(t, p)
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	cfg := &config.Config{}
	_, err := New(cfg, "carrier-pigeon", "")
	assert.Error(t, err)
}

package message

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestContentTextString(t *testing.T) {
	assert.Equal(t, "hello", ContentText(gjson.Parse(`"hello"`)))
}

func TestContentTextMultimodal(t *testing.T) {
	content := gjson.Parse(`[{"type":"text","text":"a"},{"type":"image_url","image_url":{"url":"http://x"}},{"type":"text","text":"b"}]`)
	assert.Equal(t, "ab", ContentText(content))
}

func TestContentTextOtherTypes(t *testing.T) {
	assert.Empty(t, ContentText(gjson.Parse(`{"not":"array"}`)))
	assert.Empty(t, ContentText(gjson.Parse(`null`)))
}

func TestParse(t *testing.T) {
	msgs := Parse(gjson.Parse(`[{"role":"system","content":"s"},{"role":"user","content":[{"type":"text","text":"u"}]}]`))
	require.Len(t, msgs, 2)
	assert.Equal(t, Message{Role: "system", Content: "s"}, msgs[0])
	assert.Equal(t, Message{Role: "user", Content: "u"}, msgs[1])
}

func TestParseLastMessageText(t *testing.T) {
	text, images := ParseLastMessage(gjson.Parse(`[{"role":"user","content":"first"},{"role":"assistant","content":"a"},{"role":"user","content":"second"}]`))
	assert.Equal(t, "second", text)
	assert.Empty(t, images)
}

func TestParseLastMessageDataURI(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte("png-bytes"))
	body := `[{"role":"user","content":[{"type":"text","text":"look"},{"type":"image_url","image_url":{"url":"data:image/png;base64,` + payload + `"}}]}]`

	text, images := ParseLastMessage(gjson.Parse(body))
	assert.Equal(t, "look", text)
	require.Len(t, images, 1)
	assert.Equal(t, "image/png", images[0].MIME)
	assert.Equal(t, []byte("png-bytes"), images[0].Data)
	assert.Empty(t, images[0].URL)
}

func TestParseLastMessageRemoteURL(t *testing.T) {
	_, images := ParseLastMessage(gjson.Parse(`[{"role":"user","content":[{"type":"image_url","image_url":{"url":"https://example.com/a.png"}}]}]`))
	require.Len(t, images, 1)
	assert.Equal(t, "https://example.com/a.png", images[0].URL)
	assert.Nil(t, images[0].Data)
}

func TestParseLastMessageNoUser(t *testing.T) {
	text, images := ParseLastMessage(gjson.Parse(`[{"role":"system","content":"s"}]`))
	assert.Empty(t, text)
	assert.Nil(t, images)
}

func TestFetchImages(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("jpeg-data"))
	}))
	defer srv.Close()

	images := []Image{{URL: srv.URL + "/pic.jpg"}}
	require.NoError(t, FetchImages(context.Background(), srv.Client(), images))
	assert.Equal(t, "image/jpeg", images[0].MIME)
	assert.Equal(t, []byte("jpeg-data"), images[0].Data)
	assert.Empty(t, images[0].URL)
}

func TestFetchImagesStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	err := FetchImages(context.Background(), srv.Client(), []Image{{URL: srv.URL}})
	assert.Error(t, err)
}

func TestStripFirstTurnKeepsSystems(t *testing.T) {
	msgs := []Message{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: "q1"},
		{Role: "assistant", Content: "a1"},
		{Role: "user", Content: "q2"},
	}
	got := StripToLastUserMessage(msgs, true)
	assert.Equal(t, []Message{{Role: "system", Content: "sys"}, {Role: "user", Content: "q2"}}, got)
}

func TestStripLaterTurnOnlyLastUser(t *testing.T) {
	msgs := []Message{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: "q1"},
		{Role: "user", Content: "q2"},
	}
	got := StripToLastUserMessage(msgs, false)
	assert.Equal(t, []Message{{Role: "user", Content: "q2"}}, got)
}

func TestStripIdempotent(t *testing.T) {
	msgs := []Message{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: "q"},
	}
	once := StripToLastUserMessage(msgs, true)
	twice := StripToLastUserMessage(once, true)
	assert.Equal(t, once, twice)
}

func TestBuildFullContextText(t *testing.T) {
	msgs := []Message{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: "q1"},
		{Role: "assistant", Content: ""},
		{Role: "user", Content: "q2"},
	}
	assert.Equal(t, "system: sys\nuser: q1\nuser: q2", BuildFullContextText(msgs))
}

func TestQueryTextLoneUserPassesThrough(t *testing.T) {
	assert.Equal(t, "just this", QueryText([]Message{{Role: "user", Content: "just this"}}))
}

func TestQueryTextWithSystemRendersTranscript(t *testing.T) {
	got := QueryText([]Message{{Role: "system", Content: "sys"}, {Role: "user", Content: "q"}})
	assert.Equal(t, "system: sys\nuser: q", got)
}

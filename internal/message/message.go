// Package message normalizes OpenAI-shape chat messages into the text and
// media the upstream query accepts.
package message

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/router-for-me/GeminiBizAPI/internal/constant"
)

// Message is one normalized chat turn.
type Message struct {
	Role    string
	Content string
}

// Image is one inline image extracted from a user message.
type Image struct {
	MIME string
	Data []byte
	// URL is set when the image arrived as a remote reference and has not
	// been fetched yet.
	URL string
}

// ContentText flattens an OpenAI content value to plain text: strings pass
// through, multimodal arrays contribute their text parts concatenated.
func ContentText(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if !content.IsArray() {
		return ""
	}
	var parts []string
	content.ForEach(func(_, part gjson.Result) bool {
		if part.Get("type").String() == "text" {
			parts = append(parts, part.Get("text").String())
		}
		return true
	})
	return strings.Join(parts, "")
}

// Parse converts the messages array of an OpenAI request body into
// normalized turns.
func Parse(messages gjson.Result) []Message {
	var out []Message
	messages.ForEach(func(_, msg gjson.Result) bool {
		out = append(out, Message{
			Role:    msg.Get("role").String(),
			Content: ContentText(msg.Get("content")),
		})
		return true
	})
	return out
}

// ParseLastMessage returns the trailing user message's text and any images
// it carries. Data-URI images are decoded in place; remote URLs are returned
// unfetched for FetchImages.
func ParseLastMessage(messages gjson.Result) (string, []Image) {
	var last gjson.Result
	found := false
	messages.ForEach(func(_, msg gjson.Result) bool {
		if msg.Get("role").String() == "user" {
			last = msg
			found = true
		}
		return true
	})
	if !found {
		return "", nil
	}

	content := last.Get("content")
	text := ContentText(content)
	var images []Image
	if content.IsArray() {
		content.ForEach(func(_, part gjson.Result) bool {
			if part.Get("type").String() != "image_url" {
				return true
			}
			url := part.Get("image_url.url").String()
			if img, ok := decodeDataURI(url); ok {
				images = append(images, img)
			} else if url != "" {
				images = append(images, Image{URL: url})
			}
			return true
		})
	}
	return text, images
}

func decodeDataURI(uri string) (Image, bool) {
	if !strings.HasPrefix(uri, "data:") {
		return Image{}, false
	}
	meta, payload, ok := strings.Cut(uri[len("data:"):], ",")
	if !ok || !strings.HasSuffix(meta, ";base64") {
		return Image{}, false
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return Image{}, false
	}
	return Image{MIME: strings.TrimSuffix(meta, ";base64"), Data: data}, true
}

// FetchImages resolves URL-typed images over the given client, honoring the
// chat traffic proxy policy. Failures are returned per image.
func FetchImages(ctx context.Context, client *http.Client, images []Image) error {
	for i := range images {
		if images[i].URL == "" {
			continue
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, images[i].URL, nil)
		if err != nil {
			return fmt.Errorf("build image request: %w", err)
		}
		req.Header.Set("User-Agent", constant.UserAgent)
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("fetch image %s: %w", images[i].URL, err)
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
		_ = resp.Body.Close()
		if err != nil {
			return fmt.Errorf("read image %s: %w", images[i].URL, err)
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("fetch image %s: status %d", images[i].URL, resp.StatusCode)
		}
		mime := resp.Header.Get("Content-Type")
		if mime == "" {
			mime = "image/png"
		}
		images[i].MIME = mime
		images[i].Data = data
		images[i].URL = ""
	}
	return nil
}

// StripToLastUserMessage reduces history to what a fresh upstream session
// needs. The first turn keeps system prompts; later turns send only the
// trailing user message because the session already holds the history.
// Applying it twice equals applying it once.
func StripToLastUserMessage(messages []Message, isFirst bool) []Message {
	var lastUser *Message
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			lastUser = &messages[i]
			break
		}
	}

	var out []Message
	if isFirst {
		for _, m := range messages {
			if m.Role == "system" {
				out = append(out, m)
			}
		}
	}
	if lastUser != nil {
		out = append(out, *lastUser)
	}
	return out
}

// BuildFullContextText renders the whole conversation as a transcript for
// catching up a brand-new session after an account switch.
func BuildFullContextText(messages []Message) string {
	var b strings.Builder
	for _, m := range messages {
		if m.Content == "" {
			continue
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// QueryText serializes stripped messages into the upstream query text. A
// lone user message passes through unchanged; when system prompts are
// present the turns are rendered transcript-style.
func QueryText(stripped []Message) string {
	if len(stripped) == 1 && stripped[0].Role == "user" {
		return stripped[0].Content
	}
	return BuildFullContextText(stripped)
}

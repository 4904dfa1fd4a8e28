package binding

import (
	"crypto/md5"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/router-for-me/GeminiBizAPI/internal/message"
)

// Header and body fields consulted for an explicit conversation id, in
// priority order.
var (
	chatIDHeaders    = []string{"x-conversation-id", "x-chat-id", "conversation-id", "chat-id"}
	chatIDBodyFields = []string{"conversation_id", "chat_id", "session_id", "thread_id"}
)

func md5hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// ChatIDFromAPIKey derives the stable memory-mode chat id for a client key.
func ChatIDFromAPIKey(token string) string {
	return md5hex("apikey:" + token)
}

// ExtractChatID resolves the conversation fingerprint with a strict
// priority: explicit headers, explicit body fields, body metadata fields,
// then a content fingerprint from the first user message.
func ExtractChatID(headers http.Header, body []byte, clientIP string) string {
	for _, name := range chatIDHeaders {
		if v := strings.TrimSpace(headers.Get(name)); v != "" {
			return v
		}
	}
	for _, field := range chatIDBodyFields {
		if v := strings.TrimSpace(gjson.GetBytes(body, field).String()); v != "" {
			return v
		}
	}
	for _, field := range chatIDBodyFields {
		if v := strings.TrimSpace(gjson.GetBytes(body, "metadata."+field).String()); v != "" {
			return v
		}
	}
	return fingerprint(body, clientIP)
}

// fingerprint hashes client ip, role, and the first 500 characters of the
// first user message. Multimodal content contributes its concatenated text
// parts.
func fingerprint(body []byte, clientIP string) string {
	var role, content string
	gjson.GetBytes(body, "messages").ForEach(func(_, msg gjson.Result) bool {
		if msg.Get("role").String() != "user" {
			return true
		}
		role = "user"
		content = message.ContentText(msg.Get("content"))
		return false
	})

	runes := []rune(content)
	if len(runes) > 500 {
		content = string(runes[:500])
	}
	return md5hex(clientIP + "|" + role + "|" + content)
}

package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/router-for-me/GeminiBizAPI/internal/binding"
	"github.com/router-for-me/GeminiBizAPI/internal/config"
	"github.com/router-for-me/GeminiBizAPI/internal/orchestrator"
	"github.com/router-for-me/GeminiBizAPI/internal/registry"
)

// listModels serves the OpenAI-shape model catalogue.
func (s *Server) listModels(c *gin.Context) {
	models := registry.Models()
	data := make([]gin.H, 0, len(models))
	for _, id := range models {
		data = append(data, modelEntry(id))
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

func (s *Server) getModel(c *gin.Context) {
	id := c.Param("model")
	if !registry.Known(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"message": fmt.Sprintf("model %q not found", id), "type": "invalid_request_error"}})
		return
	}
	c.JSON(http.StatusOK, modelEntry(id))
}

func modelEntry(id string) gin.H {
	return gin.H{
		"id":       id,
		"object":   "model",
		"created":  1714521600,
		"owned_by": "google",
	}
}

// chatCompletions serves POST /v1/chat/completions, streaming or not.
func (s *Server) chatCompletions(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 64<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, openaiError("failed to read request body"))
		return
	}
	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		c.JSON(http.StatusBadRequest, openaiError("model is required"))
		return
	}
	if !gjson.GetBytes(body, "messages").IsArray() {
		c.JSON(http.StatusBadRequest, openaiError("messages must be an array"))
		return
	}
	streaming := gjson.GetBytes(body, "stream").Bool()

	key := clientKey(c)
	req := orchestrator.ChatRequest{
		Body:      body,
		Model:     model,
		ChatID:    s.resolveChatID(c, key, body),
		Mode:      key.Mode,
		ClientIP:  c.ClientIP(),
		BaseURL:   requestBaseURL(c),
		RequestID: strings.ReplaceAll(uuid.NewString(), "-", "")[:8],
	}
	log.Debugf("[%s] chat request model=%s chat=%s mode=%s stream=%t", req.RequestID, model, req.ChatID, key.Mode, streaming)

	chunks, errChan := s.deps.Orchestrator.Stream(c.Request.Context(), req)
	if streaming {
		s.streamResponse(c, chunks, errChan)
		return
	}
	s.aggregateResponse(c, req, chunks, errChan)
}

// resolveChatID derives the conversation identity. Named keys in memory mode
// bind the whole key to one conversation; everything else falls through the
// header, body, and fingerprint chain.
func (s *Server) resolveChatID(c *gin.Context, key config.APIKey, body []byte) string {
	if key.Mode == config.APIKeyModeMemory && key.Key != "" && key.Key != "default" {
		if s.cfg().FindAPIKey(key.Key) != nil || key.Key == s.cfg().LegacyAPIKey {
			return binding.ChatIDFromAPIKey(key.Key)
		}
	}
	return binding.ExtractChatID(c.Request.Header, body, c.ClientIP())
}

// streamResponse frames orchestrator chunks as server-sent events.
func (s *Server) streamResponse(c *gin.Context, chunks <-chan []byte, errChan <-chan error) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, openaiError("streaming unsupported"))
		return
	}

	wrote := false
	for chunk := range chunks {
		_, _ = fmt.Fprintf(c.Writer, "data: %s\n\n", chunk)
		flusher.Flush()
		wrote = true
	}

	if err := <-errChan; err != nil {
		status, msg := failureOf(err)
		if !wrote {
			c.Status(status)
		}
		payload, _ := sjson.SetBytes([]byte(`{}`), "error.message", msg)
		payload, _ = sjson.SetBytes(payload, "error.type", "api_error")
		payload, _ = sjson.SetBytes(payload, "error.code", status)
		_, _ = fmt.Fprintf(c.Writer, "data: %s\n\n", payload)
		flusher.Flush()
	}

	_, _ = fmt.Fprint(c.Writer, "data: [DONE]\n\n")
	flusher.Flush()
}

// aggregateResponse folds the chunk stream into one chat.completion object.
func (s *Server) aggregateResponse(c *gin.Context, req orchestrator.ChatRequest, chunks <-chan []byte, errChan <-chan error) {
	var content, reasoning strings.Builder
	for chunk := range chunks {
		if v := gjson.GetBytes(chunk, "choices.0.delta.content"); v.Exists() {
			content.WriteString(v.String())
		}
		if v := gjson.GetBytes(chunk, "choices.0.delta.reasoning_content"); v.Exists() {
			reasoning.WriteString(v.String())
		}
	}
	if err := <-errChan; err != nil {
		status, msg := failureOf(err)
		c.JSON(status, openaiError(msg))
		return
	}

	body, _ := sjson.SetBytes([]byte(`{}`), "id", "chatcmpl-"+req.RequestID)
	body, _ = sjson.SetBytes(body, "object", "chat.completion")
	body, _ = sjson.SetBytes(body, "created", time.Now().Unix())
	body, _ = sjson.SetBytes(body, "model", req.Model)
	body, _ = sjson.SetBytes(body, "choices.0.index", 0)
	body, _ = sjson.SetBytes(body, "choices.0.message.role", "assistant")
	body, _ = sjson.SetBytes(body, "choices.0.message.content", content.String())
	if reasoning.Len() > 0 {
		body, _ = sjson.SetBytes(body, "choices.0.message.reasoning_content", reasoning.String())
	}
	body, _ = sjson.SetBytes(body, "choices.0.finish_reason", "stop")
	body, _ = sjson.SetRawBytes(body, "usage", []byte(`{"prompt_tokens":0,"completion_tokens":0,"total_tokens":0}`))

	c.Data(http.StatusOK, "application/json", body)
}

// failureOf maps an orchestrator error to a response status and message.
func failureOf(err error) (int, string) {
	var failure *orchestrator.Failure
	if errors.As(err, &failure) {
		return failure.Code, failure.Message
	}
	return http.StatusInternalServerError, err.Error()
}

func openaiError(message string) gin.H {
	return gin.H{"error": gin.H{"message": message, "type": "api_error"}}
}

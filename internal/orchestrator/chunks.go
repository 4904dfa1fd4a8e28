package orchestrator

import (
	"time"

	"github.com/tidwall/sjson"
)

// chunkWriter builds OpenAI chat.completion.chunk payloads with a stable id
// for the lifetime of one response.
type chunkWriter struct {
	id      string
	model   string
	created int64
}

func newChunkWriter(requestID, model string) *chunkWriter {
	return &chunkWriter{
		id:      "chatcmpl-" + requestID,
		model:   model,
		created: time.Now().Unix(),
	}
}

func (w *chunkWriter) base() []byte {
	body, _ := sjson.SetBytes([]byte(`{}`), "id", w.id)
	body, _ = sjson.SetBytes(body, "object", "chat.completion.chunk")
	body, _ = sjson.SetBytes(body, "created", w.created)
	body, _ = sjson.SetBytes(body, "model", w.model)
	body, _ = sjson.SetRawBytes(body, "choices.0.index", []byte(`0`))
	body, _ = sjson.SetRawBytes(body, "choices.0.logprobs", []byte(`null`))
	body, _ = sjson.SetRawBytes(body, "choices.0.finish_reason", []byte(`null`))
	body, _ = sjson.SetRawBytes(body, "system_fingerprint", []byte(`null`))
	return body
}

// Role opens the response with the assistant role delta.
func (w *chunkWriter) Role() []byte {
	body := w.base()
	body, _ = sjson.SetBytes(body, "choices.0.delta.role", "assistant")
	body, _ = sjson.SetBytes(body, "choices.0.delta.content", "")
	return body
}

// Content emits an answer token delta.
func (w *chunkWriter) Content(text string) []byte {
	body := w.base()
	body, _ = sjson.SetBytes(body, "choices.0.delta.content", text)
	return body
}

// Reasoning emits a thought token delta.
func (w *chunkWriter) Reasoning(text string) []byte {
	body := w.base()
	body, _ = sjson.SetBytes(body, "choices.0.delta.reasoning_content", text)
	return body
}

// Finish closes the stream with finish_reason stop.
func (w *chunkWriter) Finish() []byte {
	body := w.base()
	body, _ = sjson.SetRawBytes(body, "choices.0.delta", []byte(`{}`))
	body, _ = sjson.SetBytes(body, "choices.0.finish_reason", "stop")
	return body
}

package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/router-for-me/GeminiBizAPI/internal/auth"
	"github.com/router-for-me/GeminiBizAPI/internal/constant"
	"github.com/router-for-me/GeminiBizAPI/internal/registry"
)

// FileRef identifies one generated file announced in the stream.
type FileRef struct {
	FileID   string
	MimeType string
}

// Event is one parsed element of the assist stream. Exactly one of the
// fields is meaningful per event.
type Event struct {
	// Text is a content or reasoning delta; Thought distinguishes them.
	Text    string
	Thought bool

	// File announces a generated file to fetch after the stream ends.
	File *FileRef

	// Session carries the latest session path when upstream renames it
	// mid-stream.
	Session string
}

// AssistRequest carries everything one widgetStreamAssist call needs.
type AssistRequest struct {
	Creds          auth.Credentials
	ConfigID       string
	Session        string
	QueryText      string
	FileIDs        []string
	Model          string
	ImageGenModels []string
	RequestID      string
}

func buildAssistBody(r AssistRequest) []byte {
	body, _ := sjson.SetBytes([]byte(`{}`), "configId", r.ConfigID)
	body, _ = sjson.SetBytes(body, "additionalParams.token", "-")
	body, _ = sjson.SetBytes(body, "streamAssistRequest.session", r.Session)
	body, _ = sjson.SetBytes(body, "streamAssistRequest.query.parts.0.text", r.QueryText)
	body, _ = sjson.SetBytes(body, "streamAssistRequest.filter", "")
	if len(r.FileIDs) > 0 {
		body, _ = sjson.SetBytes(body, "streamAssistRequest.fileIds", r.FileIDs)
	} else {
		body, _ = sjson.SetRawBytes(body, "streamAssistRequest.fileIds", []byte(`[]`))
	}
	body, _ = sjson.SetBytes(body, "streamAssistRequest.answerGenerationMode", "NORMAL")
	body, _ = sjson.SetRawBytes(body, "streamAssistRequest.toolsSpec", BuildToolsSpec(r.Model, r.ImageGenModels))
	body, _ = sjson.SetBytes(body, "streamAssistRequest.languageCode", "zh-CN")
	body, _ = sjson.SetBytes(body, "streamAssistRequest.userMetadata.timeZone", "Asia/Shanghai")
	body, _ = sjson.SetBytes(body, "streamAssistRequest.assistSkippingMode", "REQUEST_ASSIST")
	if upstreamModel := registry.UpstreamModelID(r.Model); upstreamModel != "" {
		body, _ = sjson.SetBytes(body, "streamAssistRequest.assistGenerationConfig.modelId", upstreamModel)
	}
	return body
}

// StreamAssist issues the generation call and decodes the response array
// into events. The events channel closes when the stream ends; errChan then
// carries at most one terminal error. In-band error elements are promoted to
// StatusError so the account state machine can classify them.
func (c *Client) StreamAssist(ctx context.Context, r AssistRequest) (<-chan Event, <-chan error) {
	events := make(chan Event, 16)
	errChan := make(chan error, 1)

	go func() {
		defer close(events)
		defer close(errChan)

		body := buildAssistBody(r)
		req, err := c.authedRequest(ctx, r.Creds, r.RequestID, http.MethodPost, constant.APIBaseURL+"/v1alpha/locations/global/widgetStreamAssist", body)
		if err != nil {
			errChan <- err
			return
		}
		resp, err := c.client().Do(req)
		if err != nil {
			errChan <- fmt.Errorf("stream assist: %w", err)
			return
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			errChan <- &auth.StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
			return
		}

		parser := &ArrayParser{}
		buf := make([]byte, 32*1024)
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				objects, parseErr := parser.Feed(buf[:n])
				if parseErr != nil {
					errChan <- fmt.Errorf("stream parse: %w", parseErr)
					return
				}
				for _, obj := range objects {
					if err = emitElement(obj, events, ctx); err != nil {
						errChan <- err
						return
					}
				}
			}
			if readErr == io.EOF {
				if parser.Pending() {
					errChan <- fmt.Errorf("stream parse: truncated element at EOF")
				}
				return
			}
			if readErr != nil {
				if ctx.Err() != nil {
					errChan <- ctx.Err()
				} else {
					errChan <- fmt.Errorf("stream read: %w", readErr)
				}
				return
			}
		}
	}()

	return events, errChan
}

// emitElement decodes one array element into events, promoting in-band
// errors to terminal failures.
func emitElement(obj []byte, events chan<- Event, ctx context.Context) error {
	element := gjson.ParseBytes(obj)

	if errObj := element.Get("error"); errObj.Exists() {
		code := int(errObj.Get("code").Int())
		status := errObj.Get("status").String()
		msg := errObj.Get("message").String()
		if code == 429 || strings.Contains(status, "RESOURCE_EXHAUSTED") {
			code = 429
		}
		if code == 0 {
			code = 500
		}
		log.Debugf("upstream in-band error: code=%d status=%s", code, status)
		return &auth.StatusError{StatusCode: code, Body: status + ": " + msg}
	}

	if session := element.Get("sessionInfo.session").String(); session != "" {
		if !send(ctx, events, Event{Session: session}) {
			return ctx.Err()
		}
	}

	var failed error
	element.Get("streamAssistResponse.answer.replies").ForEach(func(_, reply gjson.Result) bool {
		content := reply.Get("groundedContent.content")
		if !content.Exists() {
			return true
		}
		if text := content.Get("text").String(); text != "" {
			ev := Event{Text: text, Thought: content.Get("thought").Bool()}
			if !send(ctx, events, ev) {
				failed = ctx.Err()
				return false
			}
		}
		if file := content.Get("file"); file.Exists() {
			ref := &FileRef{
				FileID:   file.Get("fileId").String(),
				MimeType: file.Get("mimeType").String(),
			}
			if ref.FileID != "" && !send(ctx, events, Event{File: ref}) {
				failed = ctx.Err()
				return false
			}
		}
		return true
	})
	return failed
}

func send(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

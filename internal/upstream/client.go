package upstream

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/router-for-me/GeminiBizAPI/internal/auth"
	"github.com/router-for-me/GeminiBizAPI/internal/constant"
	"github.com/router-for-me/GeminiBizAPI/internal/registry"
)

// Client issues authenticated widget calls for one gateway process. The
// HTTP client is the chat traffic class and is swappable on config reload.
type Client struct {
	mu         sync.Mutex
	httpClient *http.Client
	jwt        *auth.Manager
}

// NewClient builds the upstream client over the chat-class HTTP client.
func NewClient(httpClient *http.Client, jwt *auth.Manager) *Client {
	return &Client{httpClient: httpClient, jwt: jwt}
}

// SetHTTPClient swaps the transport on configuration reload.
func (c *Client) SetHTTPClient(client *http.Client) {
	c.mu.Lock()
	c.httpClient = client
	c.mu.Unlock()
}

func (c *Client) client() *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.httpClient
}

// JWT exposes the token manager for callers that download media directly.
func (c *Client) JWT() *auth.Manager {
	return c.jwt
}

func (c *Client) authedRequest(ctx context.Context, creds auth.Credentials, requestID, method, url string, body []byte) (*http.Request, error) {
	token, err := c.jwt.Get(ctx, creds, requestID)
	if err != nil {
		return nil, fmt.Errorf("mint JWT: %w", err)
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", constant.UserAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// CreateSession opens a fresh upstream conversation session and returns its
// opaque path.
func (c *Client) CreateSession(ctx context.Context, creds auth.Credentials, configID, requestID string) (string, error) {
	body, _ := sjson.SetBytes([]byte(`{}`), "configId", configID)
	body, _ = sjson.SetBytes(body, "additionalParams.token", "-")
	body, _ = sjson.SetRawBytes(body, "createSessionRequest.session", []byte(`{}`))

	req, err := c.authedRequest(ctx, creds, requestID, http.MethodPost, constant.APIBaseURL+"/v1alpha/locations/global/widgetCreateSession", body)
	if err != nil {
		return "", err
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read create session response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &auth.StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	session := gjson.GetBytes(respBody, "session.name").String()
	if session == "" {
		session = gjson.GetBytes(respBody, "name").String()
	}
	if session == "" {
		return "", fmt.Errorf("create session response carried no session name")
	}
	log.Debugf("[%s] created upstream session %s", requestID, session)
	return session, nil
}

// UploadContextFile attaches an inline image to the session and returns the
// upstream file id to reference in the next assist call.
func (c *Client) UploadContextFile(ctx context.Context, creds auth.Credentials, configID, session, fileName, mimeType string, data []byte, requestID string) (string, error) {
	body, _ := sjson.SetBytes([]byte(`{}`), "configId", configID)
	body, _ = sjson.SetBytes(body, "additionalParams.token", "-")
	body, _ = sjson.SetBytes(body, "addContextFileRequest.session", session)
	body, _ = sjson.SetBytes(body, "addContextFileRequest.fileName", fileName)
	body, _ = sjson.SetBytes(body, "addContextFileRequest.mimeType", mimeType)
	body, _ = sjson.SetBytes(body, "addContextFileRequest.fileContents", base64.StdEncoding.EncodeToString(data))

	req, err := c.authedRequest(ctx, creds, requestID, http.MethodPost, constant.APIBaseURL+"/v1alpha/locations/global/widgetAddContextFile", body)
	if err != nil {
		return "", err
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return "", fmt.Errorf("upload context file: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read upload response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &auth.StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	fileID := gjson.GetBytes(respBody, "fileId").String()
	if fileID == "" {
		return "", fmt.Errorf("upload response carried no fileId")
	}
	return fileID, nil
}

// FileMetadata is the authoritative record for one generated file.
type FileMetadata struct {
	FileID   string
	MimeType string
	Session  string
}

// ListSessionFileMetadata fetches the metadata of every file attached to the
// session. Downloads use the session path returned here, which may differ
// from the one the stream started with.
func (c *Client) ListSessionFileMetadata(ctx context.Context, creds auth.Credentials, configID, session, requestID string) (map[string]FileMetadata, error) {
	body, _ := sjson.SetBytes([]byte(`{}`), "configId", configID)
	body, _ = sjson.SetBytes(body, "additionalParams.token", "-")
	body, _ = sjson.SetBytes(body, "listSessionFileMetadataRequest.session", session)

	req, err := c.authedRequest(ctx, creds, requestID, http.MethodPost, constant.APIBaseURL+"/v1alpha/locations/global/widgetListSessionFileMetadata", body)
	if err != nil {
		return nil, err
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("list file metadata: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read file metadata response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &auth.StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	out := make(map[string]FileMetadata)
	gjson.GetBytes(respBody, "fileMetadata").ForEach(func(_, meta gjson.Result) bool {
		fm := FileMetadata{
			FileID:   meta.Get("fileId").String(),
			MimeType: meta.Get("mimeType").String(),
			Session:  meta.Get("session").String(),
		}
		if fm.Session == "" {
			fm.Session = session
		}
		if fm.FileID != "" {
			out[fm.FileID] = fm
		}
		return true
	})
	return out, nil
}

// DownloadFile retrieves one generated file with a fresh token.
func (c *Client) DownloadFile(ctx context.Context, creds auth.Credentials, session, fileID, requestID string) ([]byte, error) {
	url := fmt.Sprintf("%s/v1alpha/%s/files/%s:downloadFile?alt=media", constant.APIBaseURL, session, fileID)
	req, err := c.authedRequest(ctx, creds, requestID, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file %s: %w", fileID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 256<<20))
	if err != nil {
		return nil, fmt.Errorf("read file %s: %w", fileID, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &auth.StatusError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}

// BuildToolsSpec returns the toolsSpec JSON for the requested model. The
// virtual media models replace the tool set entirely; text models ground on
// web search and optionally enable image generation.
func BuildToolsSpec(model string, imageGenModels []string) []byte {
	switch model {
	case registry.ModelImagen:
		return []byte(`{"imageGenerationSpec":{}}`)
	case registry.ModelVeo:
		return []byte(`{"videoGenerationSpec":{}}`)
	}
	spec := []byte(`{"webGroundingSpec":{},"toolRegistry":"default_tool_registry"}`)
	for _, m := range imageGenModels {
		if m == model {
			spec, _ = sjson.SetRawBytes(spec, "imageGenerationSpec", []byte(`{}`))
			break
		}
	}
	return spec
}

// Package openai talks to the OpenAI Files, Vector Stores and Assistants
// APIs. Vector stores serve as the search index documents are attached to.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"kbsync/internal/remote"
)

const DefaultBaseURL = "https://api.openai.com/v1"

type Client struct {
	apiKey  string
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// NewClient builds a client. rps bounds the request rate across all
// callers; zero disables the limit.
func NewClient(apiKey, baseURL string, rps float64) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &Client{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 2 * time.Minute},
		limiter: rate.NewLimiter(limit, 1),
	}
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// do sends a request and decodes a successful response into out, which
// may be nil.
func (c *Client) do(ctx context.Context, op, method, path string, body io.Reader, contentType string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return remote.FromTransport(op, err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("OpenAI-Beta", "assistants=v2")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return remote.FromTransport(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(raw))
		var apiErr apiError
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Message != "" {
			msg = apiErr.Error.Message
		}
		return remote.FromStatus(op, resp.StatusCode, msg)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
		contentType = "application/json"
	}
	return c.do(ctx, op, method, path, body, contentType, out)
}

type object struct {
	ID string `json:"id"`
}

// UploadDocument uploads content as a file for assistant retrieval and
// returns the file id.
func (c *Client) UploadDocument(ctx context.Context, filename string, content []byte) (string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("purpose", "assistants"); err != nil {
		return "", err
	}
	part, err := w.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(content); err != nil {
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}

	var out object
	if err := c.do(ctx, "upload document", http.MethodPost, "/files", &buf, w.FormDataContentType(), &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *Client) DeleteDocument(ctx context.Context, handle string) error {
	return c.doJSON(ctx, "delete document", http.MethodDelete, "/files/"+url.PathEscape(handle), nil, nil)
}

func (c *Client) CreateIndex(ctx context.Context, name string) (string, error) {
	var out object
	if err := c.doJSON(ctx, "create index", http.MethodPost, "/vector_stores", map[string]string{"name": name}, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func (c *Client) IndexExists(ctx context.Context, indexID string) (bool, error) {
	err := c.doJSON(ctx, "get index", http.MethodGet, "/vector_stores/"+url.PathEscape(indexID), nil, nil)
	if remote.IsNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

func (c *Client) AttachDocument(ctx context.Context, indexID, handle string) error {
	path := "/vector_stores/" + url.PathEscape(indexID) + "/files"
	return c.doJSON(ctx, "attach document", http.MethodPost, path, map[string]string{"file_id": handle}, nil)
}

func (c *Client) DetachDocument(ctx context.Context, indexID, handle string) error {
	path := "/vector_stores/" + url.PathEscape(indexID) + "/files/" + url.PathEscape(handle)
	return c.doJSON(ctx, "detach document", http.MethodDelete, path, nil, nil)
}

type toolResources struct {
	FileSearch struct {
		VectorStoreIDs []string `json:"vector_store_ids"`
	} `json:"file_search"`
}

func resourcesFor(indexID string) toolResources {
	var tr toolResources
	tr.FileSearch.VectorStoreIDs = []string{indexID}
	return tr
}

type assistantRequest struct {
	Name          string              `json:"name,omitempty"`
	Model         string              `json:"model,omitempty"`
	Instructions  string              `json:"instructions,omitempty"`
	Tools         []map[string]string `json:"tools,omitempty"`
	ToolResources toolResources       `json:"tool_resources"`
}

// CreateAssistant creates an assistant with file search over indexID.
func (c *Client) CreateAssistant(ctx context.Context, name, model, instructions, indexID string) (string, error) {
	req := assistantRequest{
		Name:          name,
		Model:         model,
		Instructions:  instructions,
		Tools:         []map[string]string{{"type": "file_search"}},
		ToolResources: resourcesFor(indexID),
	}
	var out object
	if err := c.doJSON(ctx, "create assistant", http.MethodPost, "/assistants", req, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// AssistantIndex returns the first vector store the assistant searches.
func (c *Client) AssistantIndex(ctx context.Context, assistantID string) (string, bool, error) {
	var out struct {
		ID            string        `json:"id"`
		ToolResources toolResources `json:"tool_resources"`
	}
	err := c.doJSON(ctx, "get assistant", http.MethodGet, "/assistants/"+url.PathEscape(assistantID), nil, &out)
	if remote.IsNotFound(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if ids := out.ToolResources.FileSearch.VectorStoreIDs; len(ids) > 0 {
		return ids[0], true, nil
	}
	return "", true, nil
}

func (c *Client) UpdateAssistantIndex(ctx context.Context, assistantID, indexID string) error {
	req := assistantRequest{ToolResources: resourcesFor(indexID)}
	return c.doJSON(ctx, "update assistant", http.MethodPost, "/assistants/"+url.PathEscape(assistantID), req, nil)
}

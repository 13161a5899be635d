package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"vox_back/envelope"
	"vox_back/metrics"
)

const (
	PathQuery               = "/ai/conversation/query"
	PathSuggestions         = "/ai/conversation/suggestions/enhanced"
	PathResponseSuggestions = "/ai/conversation/response-suggestions/enhanced"
	PathTrain               = "/ai/conversation/train"
	PathSummary             = "/ai/conversation/summary"

	defaultTimeout = 120 * time.Second
	metricsTarget  = "fastapi"
)

// Client calls the FastAPI inference backend.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// New constructs a Client for baseURL (FASTAPI_URL).
func New(baseURL string, httpClient *http.Client) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("inference: FASTAPI_URL or NEXT_PUBLIC_FASTAPI_URL environment variable is required")
	}
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("inference: invalid base URL %q", baseURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{httpClient: httpClient, baseURL: baseURL}, nil
}

// Request is the conversation payload shared by the query, suggestion and
// summary endpoints.
type Request struct {
	UserID           string          `json:"userId"`
	ConversationID   string          `json:"conversationId,omitempty"`
	AgentID          string          `json:"agentId,omitempty"`
	KnowledgebaseID  string          `json:"knowledgebaseId,omitempty"`
	KnowledgebaseIDs []string        `json:"knowledgebaseIds,omitempty"`
	Model            string          `json:"model,omitempty"`
	Temperature      *float64        `json:"temperature,omitempty"`
	SystemPrompt     string          `json:"systemPrompt,omitempty"`
	Query            string          `json:"query,omitempty"`
	ContactID        string          `json:"contactId,omitempty"`
	LocationID       string          `json:"locationId,omitempty"`
	Messages         json.RawMessage `json:"messages,omitempty"`
	Limit            int             `json:"limit,omitempty"`
	Language         string          `json:"language,omitempty"`
}

// TrainFile references one uploaded document by a fetchable URL.
type TrainFile struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	URL         string `json:"url"`
	ContentType string `json:"contentType,omitempty"`
}

// TrainFAQ is a question and answer pair.
type TrainFAQ struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// TrainRequest asks the backend to (re)index a knowledge base.
type TrainRequest struct {
	UserID          string      `json:"userId"`
	KnowledgebaseID string      `json:"knowledgebaseId"`
	Name            string      `json:"name,omitempty"`
	Files           []TrainFile `json:"files,omitempty"`
	FAQs            []TrainFAQ  `json:"faqs,omitempty"`
	WebSources      []string    `json:"webSources,omitempty"`
}

// Query answers a free-form question about a conversation.
func (c *Client) Query(ctx context.Context, req Request) (json.RawMessage, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, envelope.Validation("query is required")
	}
	return c.post(ctx, PathQuery, req)
}

// Suggestions returns suggested next actions for a conversation.
func (c *Client) Suggestions(ctx context.Context, req Request) (json.RawMessage, error) {
	return c.post(ctx, PathSuggestions, req)
}

// ResponseSuggestions returns draft replies for a conversation.
func (c *Client) ResponseSuggestions(ctx context.Context, req Request) (json.RawMessage, error) {
	return c.post(ctx, PathResponseSuggestions, req)
}

// Summary summarises a conversation.
func (c *Client) Summary(ctx context.Context, req Request) (json.RawMessage, error) {
	return c.post(ctx, PathSummary, req)
}

// Train submits a knowledge base for indexing.
func (c *Client) Train(ctx context.Context, req TrainRequest) (json.RawMessage, error) {
	if strings.TrimSpace(req.KnowledgebaseID) == "" {
		return nil, envelope.Validation("knowledgebaseId is required")
	}
	return c.post(ctx, PathTrain, req)
}

func (c *Client) post(ctx context.Context, path string, payload any) (json.RawMessage, error) {
	if c == nil {
		return nil, errors.New("inference: client is nil")
	}

	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(payload); err != nil {
		return nil, fmt.Errorf("inference: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("inference: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.UpstreamLatency.WithLabelValues(metricsTarget).Observe(time.Since(started).Seconds())
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues(metricsTarget, "error").Inc()
		return nil, envelope.Unavailable(fmt.Sprintf("fastapi: %s request failed", path), err)
	}
	defer resp.Body.Close()
	metrics.UpstreamRequests.WithLabelValues(metricsTarget, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, envelope.Upstream(fmt.Sprintf("fastapi: %s status %s: %s", path, resp.Status, strings.TrimSpace(string(snippet))), nil)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, envelope.Unavailable(fmt.Sprintf("fastapi: %s read response", path), err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(data) {
		return nil, envelope.Upstream(fmt.Sprintf("fastapi: %s returned invalid JSON", path), nil)
	}
	return json.RawMessage(data), nil
}

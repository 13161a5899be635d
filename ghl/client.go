package ghl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"vox_back/cache"
	"vox_back/envelope"
	"vox_back/logging"
	"vox_back/metrics"
	"vox_back/tokens"
)

const (
	// APIVersion is sent on every LeadConnector request.
	APIVersion = "2021-04-15"

	metricsTarget      = "ghl"
	defaultSearchLimit = 20
	maxSearchLimit     = 100
)

// TokenStore supplies stored tokens for a user.
type TokenStore interface {
	Get(ctx context.Context, userID string) (*tokens.Token, error)
}

// TokenRefresher renews an expired access token.
type TokenRefresher interface {
	Refresh(ctx context.Context, userID, refreshToken, userTypeHint string) (*tokens.Token, error)
}

// Client calls the LeadConnector REST API on behalf of a user.
type Client struct {
	httpClient *http.Client
	baseURL    string
	tokens     TokenStore
	refresher  TokenRefresher
	searches   cache.SearchCache
}

// NewClient builds a client. searches may be nil to disable caching.
func NewClient(baseURL string, httpClient *http.Client, store TokenStore, refresher TokenRefresher, searches cache.SearchCache) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("ghl: GHL_API_BASE_URL is required")
	}
	if store == nil {
		return nil, errors.New("ghl: token store is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		tokens:     store,
		refresher:  refresher,
		searches:   searches,
	}, nil
}

// SearchContacts lists contacts of a location matching query.
func (c *Client) SearchContacts(ctx context.Context, userID, locationID, query string, limit int) (json.RawMessage, error) {
	locationID, err := c.locationFor(ctx, userID, locationID)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("locationId", locationID)
	if q := strings.TrimSpace(query); q != "" {
		params.Set("query", q)
	}
	params.Set("limit", strconv.Itoa(clampLimit(limit)))
	return c.do(ctx, userID, http.MethodGet, "/contacts/", params)
}

// SearchConversations searches conversations. Results are cached per user and
// query for the cache's TTL.
func (c *Client) SearchConversations(ctx context.Context, userID string, params url.Values) (json.RawMessage, error) {
	query := url.Values{}
	for key, values := range params {
		for _, value := range values {
			if strings.TrimSpace(value) != "" {
				query.Add(key, value)
			}
		}
	}
	locationID, err := c.locationFor(ctx, userID, query.Get("locationId"))
	if err != nil {
		return nil, err
	}
	query.Set("locationId", locationID)

	key := cache.SearchKey(userID, "conversations", query.Encode())
	if c.searches != nil {
		if cached, ok := c.searches.Get(ctx, key); ok {
			return json.RawMessage(cached), nil
		}
	}

	data, err := c.do(ctx, userID, http.MethodGet, "/conversations/search", query)
	if err != nil {
		return nil, err
	}
	if c.searches != nil {
		c.searches.Set(ctx, key, data)
	}
	return data, nil
}

// GetLocation fetches one location (sub-account).
func (c *Client) GetLocation(ctx context.Context, userID, locationID string) (json.RawMessage, error) {
	locationID = strings.TrimSpace(locationID)
	if locationID == "" {
		return nil, envelope.Validation("location id is required")
	}
	return c.do(ctx, userID, http.MethodGet, "/locations/"+url.PathEscape(locationID), nil)
}

// GetCurrentUser fetches the CRM user the token belongs to.
func (c *Client) GetCurrentUser(ctx context.Context, userID string) (json.RawMessage, error) {
	return c.do(ctx, userID, http.MethodGet, "/users/me", nil)
}

// ContactTotal returns the number of contacts reported by the CRM.
func (c *Client) ContactTotal(ctx context.Context, userID string) (int64, error) {
	data, err := c.SearchContacts(ctx, userID, "", "", 1)
	if err != nil {
		return 0, err
	}
	var decoded struct {
		Meta struct {
			Total int64 `json:"total"`
		} `json:"meta"`
		Total *int64 `json:"total"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return 0, fmt.Errorf("ghl: decode contacts response: %w", err)
	}
	if decoded.Total != nil {
		return *decoded.Total, nil
	}
	return decoded.Meta.Total, nil
}

func (c *Client) locationFor(ctx context.Context, userID, locationID string) (string, error) {
	if trimmed := strings.TrimSpace(locationID); trimmed != "" {
		return trimmed, nil
	}
	token, err := c.token(ctx, userID)
	if err != nil {
		return "", err
	}
	if token.LocationID == "" {
		return "", envelope.Validation("locationId is required")
	}
	return token.LocationID, nil
}

func (c *Client) token(ctx context.Context, userID string) (*tokens.Token, error) {
	token, err := c.tokens.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, tokens.ErrNotConnected) {
			return nil, envelope.NotFound("GoHighLevel account not connected")
		}
		return nil, envelope.Internal("failed to load GoHighLevel token", err)
	}
	return token, nil
}

// do sends one request, refreshing the token and retrying exactly once when
// the API answers 401.
func (c *Client) do(ctx context.Context, userID, method, path string, query url.Values) (json.RawMessage, error) {
	token, err := c.token(ctx, userID)
	if err != nil {
		return nil, err
	}

	status, body, err := c.send(ctx, method, path, query, token.AccessToken)
	if err != nil {
		return nil, err
	}

	if status == http.StatusUnauthorized && c.refresher != nil {
		log := logging.For("ghl").WithField("user_id", userID)
		log.Info("access token rejected, refreshing")
		refreshed, refreshErr := c.refresher.Refresh(ctx, userID, token.RefreshToken, token.UserType)
		if refreshErr != nil {
			log.WithError(refreshErr).Warn("token refresh failed")
			return nil, envelope.Upstream("GoHighLevel token refresh failed", refreshErr)
		}
		status, body, err = c.send(ctx, method, path, query, refreshed.AccessToken)
		if err != nil {
			return nil, err
		}
	}

	if status < 200 || status >= 300 {
		return nil, envelope.Upstream(fmt.Sprintf("ghl: %s %s status %d: %s", method, path, status, snippet(body)), nil)
	}
	if len(body) == 0 {
		return json.RawMessage("null"), nil
	}
	return json.RawMessage(body), nil
}

func (c *Client) send(ctx context.Context, method, path string, query url.Values, accessToken string) (int, []byte, error) {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("ghl: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Version", APIVersion)
	req.Header.Set("Accept", "application/json")

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	metrics.UpstreamLatency.WithLabelValues(metricsTarget).Observe(time.Since(started).Seconds())
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues(metricsTarget, "error").Inc()
		return 0, nil, envelope.Unavailable(fmt.Sprintf("ghl: %s %s request failed", method, path), err)
	}
	defer resp.Body.Close()
	metrics.UpstreamRequests.WithLabelValues(metricsTarget, strconv.Itoa(resp.StatusCode)).Inc()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return 0, nil, envelope.Unavailable(fmt.Sprintf("ghl: %s %s read response", method, path), err)
	}
	return resp.StatusCode, body, nil
}

func snippet(body []byte) string {
	if len(body) > 4<<10 {
		body = body[:4<<10]
	}
	return strings.TrimSpace(string(body))
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultSearchLimit
	case limit > maxSearchLimit:
		return maxSearchLimit
	default:
		return limit
	}
}

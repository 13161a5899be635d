package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"vox_back/logging"
	"vox_back/metrics"
)

const defaultUserType = "Location"

// RefreshError carries the provider's rejection of a refresh request.
type RefreshError struct {
	StatusCode int
	Body       string
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("token refresh failed with status %d: %s", e.StatusCode, e.Body)
}

// Refresher exchanges refresh tokens at the provider's token endpoint and
// persists the result.
type Refresher struct {
	httpClient   *http.Client
	tokenURL     string
	clientID     string
	clientSecret string
	store        *Store
	now          func() time.Time
}

// RefresherConfig configures a Refresher.
type RefresherConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
	HTTPClient   *http.Client
}

// NewRefresher builds a refresher persisting into store.
func NewRefresher(cfg RefresherConfig, store *Store) (*Refresher, error) {
	tokenURL := strings.TrimSpace(cfg.TokenURL)
	if tokenURL == "" {
		return nil, errors.New("tokens: GHL_TOKEN_URL is required")
	}
	if store == nil {
		return nil, errors.New("tokens: store is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Refresher{
		httpClient:   httpClient,
		tokenURL:     tokenURL,
		clientID:     strings.TrimSpace(cfg.ClientID),
		clientSecret: strings.TrimSpace(cfg.ClientSecret),
		store:        store,
		now:          time.Now,
	}, nil
}

type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	UserType     string `json:"userType"`
	LocationID   string `json:"locationId"`
	CompanyID    string `json:"companyId"`
}

// Refresh trades refreshToken for a new token pair, stores it for userID and
// returns it. userTypeHint selects the grant audience ("Location" or "Company").
func (r *Refresher) Refresh(ctx context.Context, userID, refreshToken, userTypeHint string) (*Token, error) {
	if strings.TrimSpace(refreshToken) == "" {
		metrics.TokenRefreshes.WithLabelValues("missing").Inc()
		return nil, errors.New("tokens: no refresh token stored")
	}
	userType := strings.TrimSpace(userTypeHint)
	if userType == "" {
		userType = defaultUserType
	}

	form := url.Values{}
	form.Set("client_id", r.clientID)
	form.Set("client_secret", r.clientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("user_type", userType)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("tokens: create refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		metrics.TokenRefreshes.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("tokens: execute refresh request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		metrics.TokenRefreshes.WithLabelValues("rejected").Inc()
		return nil, &RefreshError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	var decoded refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		metrics.TokenRefreshes.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("tokens: decode refresh response: %w", err)
	}
	if decoded.AccessToken == "" {
		metrics.TokenRefreshes.WithLabelValues("error").Inc()
		return nil, errors.New("tokens: refresh response missing access_token")
	}

	token := &Token{
		AccessToken:  decoded.AccessToken,
		RefreshToken: decoded.RefreshToken,
		ExpiresAt:    r.now().UTC().Add(time.Duration(decoded.ExpiresIn) * time.Second),
		UserType:     decoded.UserType,
		LocationID:   decoded.LocationID,
		CompanyID:    decoded.CompanyID,
		Scope:        decoded.Scope,
	}
	if token.RefreshToken == "" {
		token.RefreshToken = refreshToken
	}

	if err := r.store.Save(ctx, userID, token); err != nil {
		metrics.TokenRefreshes.WithLabelValues("persist_failed").Inc()
		return nil, err
	}

	metrics.TokenRefreshes.WithLabelValues("ok").Inc()
	logging.For("tokens").WithField("user_id", userID).Info("refreshed provider token")
	return token, nil
}

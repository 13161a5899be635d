package ghl

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"vox_back/tokens"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

const (
	stateCookieName = "ghl_oauth_state"
	stateCookieTTL  = 10 * time.Minute
)

// OAuthConfig holds the marketplace app credentials.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	AuthorizeURL string
	TokenURL     string
	Scopes       []string
	// SuccessURL is where the browser lands after a completed connection.
	SuccessURL string
}

// OAuth runs the authorization-code flow that connects a CRM account.
type OAuth struct {
	config     oauth2.Config
	store      *tokens.Store
	successURL string
	httpClient *http.Client
	now        func() time.Time
}

// NewOAuth validates cfg and builds the flow.
func NewOAuth(cfg OAuthConfig, store *tokens.Store) (*OAuth, error) {
	if strings.TrimSpace(cfg.ClientID) == "" || strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, errors.New("ghl: GHL_CLIENT_ID and GHL_CLIENT_SECRET are required")
	}
	if strings.TrimSpace(cfg.RedirectURI) == "" {
		return nil, errors.New("ghl: GHL_REDIRECT_URI is required")
	}
	if store == nil {
		return nil, errors.New("ghl: token store is required")
	}
	return &OAuth{
		config: oauth2.Config{
			ClientID:     strings.TrimSpace(cfg.ClientID),
			ClientSecret: strings.TrimSpace(cfg.ClientSecret),
			RedirectURL:  strings.TrimSpace(cfg.RedirectURI),
			Scopes:       cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthorizeURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		store:      store,
		successURL: strings.TrimSpace(cfg.SuccessURL),
		now:        time.Now,
	}, nil
}

// NewState returns a random state value for one authorization round trip.
func NewState() string {
	return uuid.NewString()
}

// AuthCodeURL returns the consent screen URL for state.
func (o *OAuth) AuthCodeURL(state string) string {
	return o.config.AuthCodeURL(state)
}

// Exchange trades an authorization code for a token and stores it for userID.
func (o *OAuth) Exchange(ctx context.Context, userID, code string) (*tokens.Token, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, errors.New("ghl: authorization code is required")
	}
	if o.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, o.httpClient)
	}

	grant, err := o.config.Exchange(ctx, code, oauth2.SetAuthURLParam("user_type", "Location"))
	if err != nil {
		return nil, fmt.Errorf("ghl: exchange authorization code: %w", err)
	}

	token := &tokens.Token{
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		ExpiresAt:    grant.Expiry,
		UserType:     extraString(grant, "userType"),
		LocationID:   extraString(grant, "locationId"),
		CompanyID:    extraString(grant, "companyId"),
		Scope:        extraString(grant, "scope"),
	}
	if token.ExpiresAt.IsZero() {
		token.ExpiresAt = o.now().UTC().Add(24 * time.Hour)
	}

	if err := o.store.Save(ctx, userID, token); err != nil {
		return nil, err
	}
	return token, nil
}

func extraString(token *oauth2.Token, key string) string {
	value, _ := token.Extra(key).(string)
	return strings.TrimSpace(value)
}

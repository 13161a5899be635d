package ghl

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"vox_back/authorization"
	"vox_back/envelope"
	"vox_back/logging"
	"vox_back/tokens"

	"github.com/gin-gonic/gin"
)

// Module exposes the CRM proxy and OAuth connection routes.
type Module struct {
	client *Client
	oauth  *OAuth
	store  *tokens.Store
}

// NewModule assembles the module. oauth may be nil when the marketplace app
// is not configured; the connect routes then answer 404.
func NewModule(client *Client, oauth *OAuth, store *tokens.Store) *Module {
	return &Module{client: client, oauth: oauth, store: store}
}

// RegisterRoutes mounts /api/ghl and /api/auth/ghl.
func (m *Module) RegisterRoutes(router gin.IRouter, guard *authorization.Guard) {
	api := router.Group("/api/ghl")
	api.Use(guard.RequireAuthenticated())
	api.GET("/contacts", m.handleSearchContacts)
	api.GET("/conversations/search", m.handleSearchConversations)
	api.GET("/locations/:id", m.handleGetLocation)
	api.GET("/users/me", m.handleGetCurrentUser)
	api.GET("/status", m.handleStatus)

	auth := router.Group("/api/auth/ghl")
	auth.Use(guard.RequireAuthenticated())
	auth.GET("/connect", m.handleConnect)
	auth.GET("/callback", m.handleCallback)
	auth.POST("/disconnect", m.handleDisconnect)
}

func (m *Module) handleSearchContacts(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	data, err := m.client.SearchContacts(c.Request.Context(), authorization.CurrentUserID(c), c.Query("locationId"), c.Query("query"), limit)
	if err != nil {
		envelope.Fail(c, err)
		return
	}
	envelope.OK(c, http.StatusOK, data)
}

func (m *Module) handleSearchConversations(c *gin.Context) {
	data, err := m.client.SearchConversations(c.Request.Context(), authorization.CurrentUserID(c), c.Request.URL.Query())
	if err != nil {
		envelope.Fail(c, err)
		return
	}
	envelope.OK(c, http.StatusOK, data)
}

func (m *Module) handleGetLocation(c *gin.Context) {
	data, err := m.client.GetLocation(c.Request.Context(), authorization.CurrentUserID(c), c.Param("id"))
	if err != nil {
		envelope.Fail(c, err)
		return
	}
	envelope.OK(c, http.StatusOK, data)
}

func (m *Module) handleGetCurrentUser(c *gin.Context) {
	data, err := m.client.GetCurrentUser(c.Request.Context(), authorization.CurrentUserID(c))
	if err != nil {
		envelope.Fail(c, err)
		return
	}
	envelope.OK(c, http.StatusOK, data)
}

func (m *Module) handleStatus(c *gin.Context) {
	token, err := m.store.Get(c.Request.Context(), authorization.CurrentUserID(c))
	if err != nil {
		if errors.Is(err, tokens.ErrNotConnected) {
			envelope.OK(c, http.StatusOK, gin.H{"connected": false})
			return
		}
		envelope.Fail(c, envelope.Internal("failed to load connection status", err))
		return
	}
	envelope.OK(c, http.StatusOK, gin.H{
		"connected":  true,
		"locationId": token.LocationID,
		"companyId":  token.CompanyID,
		"userType":   token.UserType,
		"expiresAt":  token.ExpiresAt,
	})
}

func (m *Module) handleConnect(c *gin.Context) {
	if m.oauth == nil {
		envelope.Fail(c, envelope.NotFound("GoHighLevel integration is not configured"))
		return
	}
	state := NewState()
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(stateCookieName, state, int(stateCookieTTL.Seconds()), "/api/auth/ghl", "", c.Request.TLS != nil, true)
	c.Redirect(http.StatusFound, m.oauth.AuthCodeURL(state))
}

func (m *Module) handleCallback(c *gin.Context) {
	if m.oauth == nil {
		envelope.Fail(c, envelope.NotFound("GoHighLevel integration is not configured"))
		return
	}
	if providerErr := strings.TrimSpace(c.Query("error")); providerErr != "" {
		envelope.Fail(c, envelope.Validationf("authorization denied: %s", providerErr))
		return
	}

	expected, err := c.Cookie(stateCookieName)
	if err != nil || expected == "" || expected != c.Query("state") {
		envelope.Fail(c, envelope.Validation("invalid OAuth state"))
		return
	}
	c.SetCookie(stateCookieName, "", -1, "/api/auth/ghl", "", c.Request.TLS != nil, true)

	code := strings.TrimSpace(c.Query("code"))
	if code == "" {
		envelope.Fail(c, envelope.Validation("code is required"))
		return
	}

	userID := authorization.CurrentUserID(c)
	token, err := m.oauth.Exchange(c.Request.Context(), userID, code)
	if err != nil {
		logging.For("ghl").WithError(err).WithField("user_id", userID).Warn("oauth callback failed")
		envelope.Fail(c, envelope.Upstream("failed to connect GoHighLevel account", err))
		return
	}

	if m.oauth.successURL != "" {
		c.Redirect(http.StatusFound, m.oauth.successURL)
		return
	}
	envelope.OK(c, http.StatusOK, gin.H{"connected": true, "locationId": token.LocationID})
}

func (m *Module) handleDisconnect(c *gin.Context) {
	if err := m.store.Delete(c.Request.Context(), authorization.CurrentUserID(c)); err != nil {
		envelope.Fail(c, envelope.Internal("failed to disconnect", err))
		return
	}
	envelope.OK(c, http.StatusOK, gin.H{"connected": false})
}

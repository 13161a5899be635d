package settings

import (
	"net/http"

	"vox_back/authorization"
	"vox_back/envelope"

	"github.com/gin-gonic/gin"
)

// Module exposes the settings routes.
type Module struct {
	store *Store
}

// NewModule wraps store with HTTP handlers.
func NewModule(store *Store) *Module {
	return &Module{store: store}
}

// RegisterRoutes mounts /api/settings and the per-conversation settings route.
func (m *Module) RegisterRoutes(router gin.IRouter, guard *authorization.Guard) {
	group := router.Group("/api/settings")
	group.Use(guard.RequireAuthenticated())
	group.GET("/global", m.handleGetGlobal)
	group.PUT("/global", m.handleSaveGlobal)
	group.GET("/preferences", m.handleGetPreferences)
	group.PUT("/preferences", m.handleSavePreferences)

	conversations := router.Group("/api/conversations")
	conversations.Use(guard.RequireAuthenticated())
	conversations.GET("/:id/settings", m.handleGetConversation)
	conversations.PUT("/:id/settings", m.handleSaveConversation)
}

func (m *Module) handleGetGlobal(c *gin.Context) {
	row, err := m.store.GetGlobal(c.Request.Context(), authorization.CurrentUserID(c))
	if err != nil {
		envelope.Fail(c, err)
		return
	}
	envelope.OK(c, http.StatusOK, row)
}

func (m *Module) handleSaveGlobal(c *gin.Context) {
	var input GlobalInput
	if err := c.ShouldBindJSON(&input); err != nil {
		envelope.Fail(c, envelope.Validationf("invalid request body: %v", err))
		return
	}
	row, err := m.store.SaveGlobal(c.Request.Context(), authorization.CurrentUserID(c), input)
	if err != nil {
		envelope.Fail(c, err)
		return
	}
	envelope.OK(c, http.StatusOK, row)
}

func (m *Module) handleGetPreferences(c *gin.Context) {
	row, err := m.store.GetPreferences(c.Request.Context(), authorization.CurrentUserID(c))
	if err != nil {
		envelope.Fail(c, err)
		return
	}
	envelope.OK(c, http.StatusOK, row)
}

func (m *Module) handleSavePreferences(c *gin.Context) {
	var input PreferencesInput
	if err := c.ShouldBindJSON(&input); err != nil {
		envelope.Fail(c, envelope.Validationf("invalid request body: %v", err))
		return
	}
	row, err := m.store.SavePreferences(c.Request.Context(), authorization.CurrentUserID(c), input)
	if err != nil {
		envelope.Fail(c, err)
		return
	}
	envelope.OK(c, http.StatusOK, row)
}

func (m *Module) handleGetConversation(c *gin.Context) {
	row, err := m.store.GetConversation(c.Request.Context(), authorization.CurrentUserID(c), c.Param("id"))
	if err != nil {
		envelope.Fail(c, err)
		return
	}
	envelope.OK(c, http.StatusOK, row)
}

func (m *Module) handleSaveConversation(c *gin.Context) {
	var input ConversationInput
	if err := c.ShouldBindJSON(&input); err != nil {
		envelope.Fail(c, envelope.Validationf("invalid request body: %v", err))
		return
	}
	row, err := m.store.SaveConversation(c.Request.Context(), authorization.CurrentUserID(c), c.Param("id"), input)
	if err != nil {
		envelope.Fail(c, err)
		return
	}
	envelope.OK(c, http.StatusOK, row)
}

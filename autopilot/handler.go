package autopilot

import (
	"net/http"

	"vox_back/authorization"
	"vox_back/envelope"

	"github.com/gin-gonic/gin"
)

// Module exposes the autopilot routes.
type Module struct {
	manager *Manager
}

// NewModule wraps manager with HTTP handlers.
func NewModule(manager *Manager) *Module {
	return &Module{manager: manager}
}

// RegisterRoutes mounts /api/autopilot.
func (m *Module) RegisterRoutes(router gin.IRouter, guard *authorization.Guard) {
	group := router.Group("/api/autopilot")
	group.Use(guard.RequireAuthenticated())
	group.GET("/config", m.handleGetConfig)
	group.POST("/config", m.handleSaveConfig)
	group.DELETE("/config", m.handleDeleteConfig)
	group.GET("/analytics", m.handleAnalytics)
	group.GET("/tracking/:conversationId", m.handleTracking)
}

// handleGetConfig godoc
// @Summary Autopilot config
// @Description Returns the conversation config, the global fallback, or defaults, with a source marker
// @Tags Autopilot
// @Produce json
// @Param conversationId query string false "conversation id, empty for the global config"
// @Success 200 {object} envelope.Response
func (m *Module) handleGetConfig(c *gin.Context) {
	view, err := m.manager.GetConfig(c.Request.Context(), authorization.CurrentUserID(c), c.Query("conversationId"))
	if err != nil {
		envelope.Fail(c, err)
		return
	}
	envelope.OK(c, http.StatusOK, view)
}

// handleSaveConfig godoc
// @Summary Save autopilot config
// @Description Upserts the config for (user, conversation). Omitted fields keep their stored values.
// @Tags Autopilot
// @Accept json
// @Produce json
// @Success 200 {object} envelope.Response
// @Failure 400 {object} envelope.Response
// @Failure 404 {object} envelope.Response "no active agent"
// @Failure 500 {object} envelope.Response
func (m *Module) handleSaveConfig(c *gin.Context) {
	var input SaveInput
	if err := c.ShouldBindJSON(&input); err != nil {
		envelope.Fail(c, envelope.Validationf("invalid request body: %v", err))
		return
	}
	result, err := m.manager.SaveConfig(c.Request.Context(), authorization.CurrentUserID(c), input)
	if err != nil {
		envelope.Fail(c, err)
		return
	}
	envelope.OK(c, http.StatusOK, result)
}

// handleDeleteConfig godoc
// @Summary Delete autopilot config
// @Description Removes the config for (user, conversation) and disables tracking for it
// @Tags Autopilot
// @Produce json
// @Param conversationId query string false "conversation id, empty for the global config"
// @Success 200 {object} envelope.Response
// @Failure 404 {object} envelope.Response "config not found"
// @Failure 500 {object} envelope.Response
func (m *Module) handleDeleteConfig(c *gin.Context) {
	job, report, err := m.manager.DeleteConfig(c.Request.Context(), authorization.CurrentUserID(c), c.Query("conversationId"))
	if err != nil {
		envelope.Fail(c, err)
		return
	}
	envelope.OK(c, http.StatusOK, gin.H{"deleted": true, "syncJob": job, "sync": report})
}

// handleAnalytics godoc
// @Summary Autopilot analytics
// @Description Returns the per-location counters of one day
// @Tags Autopilot
// @Produce json
// @Param date query string false "day as YYYY-MM-DD, defaults to today (UTC)"
// @Success 200 {object} envelope.Response
// @Failure 400 {object} envelope.Response
func (m *Module) handleAnalytics(c *gin.Context) {
	rows, err := m.manager.Analytics(c.Request.Context(), authorization.CurrentUserID(c), c.Query("date"))
	if err != nil {
		envelope.Fail(c, err)
		return
	}
	envelope.OK(c, http.StatusOK, rows)
}

// handleTracking godoc
// @Summary Autopilot tracking
// @Description Returns the reply counters of one conversation
// @Tags Autopilot
// @Produce json
// @Param conversationId path string true "conversation id"
// @Success 200 {object} envelope.Response
// @Failure 400 {object} envelope.Response
// @Failure 404 {object} envelope.Response "tracking not found"
func (m *Module) handleTracking(c *gin.Context) {
	row, err := m.manager.Tracking(c.Request.Context(), authorization.CurrentUserID(c), c.Param("conversationId"))
	if err != nil {
		envelope.Fail(c, err)
		return
	}
	envelope.OK(c, http.StatusOK, row)
}

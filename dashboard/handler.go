package dashboard

import (
	"net/http"

	"vox_back/authorization"
	"vox_back/envelope"

	"github.com/gin-gonic/gin"
)

type Module struct {
	service *Service
}

func NewModule(service *Service) *Module {
	return &Module{service: service}
}

func (m *Module) RegisterRoutes(router gin.IRouter, guard *authorization.Guard) {
	group := router.Group("/api/dashboard")
	group.Use(guard.RequireAuthenticated())
	group.GET("/stats", m.handleStats)
}

func (m *Module) handleStats(c *gin.Context) {
	envelope.OK(c, http.StatusOK, m.service.Stats(c.Request.Context(), authorization.CurrentUserID(c)))
}

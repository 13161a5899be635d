package conversations

import (
	"errors"
	"io"
	"net/http"

	"vox_back/authorization"
	"vox_back/envelope"
	"vox_back/middleware"

	"github.com/gin-gonic/gin"
)

// Module exposes the AI feature routes of a conversation.
type Module struct {
	service *Service
	limiter *middleware.RateLimiter
}

// NewModule wraps service with HTTP handlers. limiter may be nil to disable
// per-user throttling.
func NewModule(service *Service, limiter *middleware.RateLimiter) *Module {
	return &Module{service: service, limiter: limiter}
}

// RegisterRoutes mounts the feature routes under /api/conversations/:id.
func (m *Module) RegisterRoutes(router gin.IRouter, guard *authorization.Guard) {
	group := router.Group("/api/conversations")
	group.Use(guard.RequireAuthenticated())
	if m.limiter != nil {
		group.Use(m.limiter.PerUser())
	}
	group.POST("/:id/query", m.handle(ActionQuery))
	group.POST("/:id/suggestions", m.handle(ActionSuggestions))
	group.POST("/:id/response-suggestions", m.handle(ActionResponseSuggestions))
	group.POST("/:id/summary", m.handle(ActionSummary))
}

func (m *Module) handle(action Action) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input Input
		if err := c.ShouldBindJSON(&input); err != nil && !errors.Is(err, io.EOF) {
			envelope.Fail(c, envelope.Validationf("invalid request body: %v", err))
			return
		}
		result, err := m.service.Run(c.Request.Context(), authorization.CurrentUserID(c), c.Param("id"), action, input)
		if err != nil {
			envelope.Fail(c, err)
			return
		}
		envelope.OK(c, http.StatusOK, result)
	}
}

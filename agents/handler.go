package agents

import (
	"net/http"
	"strconv"

	"vox_back/authorization"
	"vox_back/envelope"

	"github.com/gin-gonic/gin"
)

// Module 聚合智能体存储与解析器。
type Module struct {
	store    *Store
	resolver *Resolver
}

// NewModule 创建智能体模块。
func NewModule(store *Store, resolver *Resolver) *Module {
	return &Module{store: store, resolver: resolver}
}

// RegisterRoutes 注册 /api/agents 下的路由。
func (m *Module) RegisterRoutes(router gin.IRouter, guard *authorization.Guard) {
	group := router.Group("/api/agents")
	group.Use(guard.RequireAuthenticated())
	group.GET("", m.handleListAgents)
	group.POST("", m.handleCreateAgent)
	group.GET("/resolve", m.handleResolve)
	group.GET("/:id", m.handleGetAgent)
	group.PUT("/:id", m.handleUpdateAgent)
	group.DELETE("/:id", m.handleDeleteAgent)
	group.POST("/:id/activate", m.handleSetActive(true))
	group.POST("/:id/deactivate", m.handleSetActive(false))
}

// handleListAgents godoc
// @Summary 智能体列表
// @Description 返回当前用户的智能体，可按类型与激活状态过滤
// @Tags Agents
// @Produce json
// @Param type query string false "智能体类型"
// @Param active query bool false "仅返回激活的智能体"
// @Success 200 {object} envelope.Response
// @Failure 401 {object} envelope.Response
func (m *Module) handleListAgents(c *gin.Context) {
	activeOnly, _ := strconv.ParseBool(c.Query("active"))
	agents, err := m.store.List(c.Request.Context(), authorization.CurrentUserID(c), ListFilter{
		Type:       c.Query("type"),
		ActiveOnly: activeOnly,
	})
	if err != nil {
		envelope.Fail(c, err)
		return
	}
	envelope.OK(c, http.StatusOK, agents)
}

// handleCreateAgent godoc
// @Summary 创建智能体
// @Description 创建智能体；激活的非通用智能体会停用同类型的其他智能体
// @Tags Agents
// @Accept json
// @Produce json
// @Param request body CreateInput true "智能体信息"
// @Success 201 {object} envelope.Response
// @Failure 400 {object} envelope.Response
// @Failure 404 {object} envelope.Response "知识库不存在"
func (m *Module) handleCreateAgent(c *gin.Context) {
	var input CreateInput
	if err := c.ShouldBindJSON(&input); err != nil {
		envelope.Fail(c, envelope.Validationf("invalid request body: %v", err))
		return
	}
	agent, err := m.store.Create(c.Request.Context(), authorization.CurrentUserID(c), input)
	if err != nil {
		envelope.Fail(c, err)
		return
	}
	envelope.OK(c, http.StatusCreated, agent)
}

// handleGetAgent 返回单个智能体。
func (m *Module) handleGetAgent(c *gin.Context) {
	agent, err := m.store.Get(c.Request.Context(), authorization.CurrentUserID(c), c.Param("id"))
	if err != nil {
		envelope.Fail(c, err)
		return
	}
	envelope.OK(c, http.StatusOK, agent)
}

// handleUpdateAgent 部分更新智能体。
func (m *Module) handleUpdateAgent(c *gin.Context) {
	var input UpdateInput
	if err := c.ShouldBindJSON(&input); err != nil {
		envelope.Fail(c, envelope.Validationf("invalid request body: %v", err))
		return
	}
	agent, err := m.store.Update(c.Request.Context(), authorization.CurrentUserID(c), c.Param("id"), input)
	if err != nil {
		envelope.Fail(c, err)
		return
	}
	envelope.OK(c, http.StatusOK, agent)
}

// handleDeleteAgent 删除智能体。
func (m *Module) handleDeleteAgent(c *gin.Context) {
	if err := m.store.Delete(c.Request.Context(), authorization.CurrentUserID(c), c.Param("id")); err != nil {
		envelope.Fail(c, err)
		return
	}
	envelope.OK(c, http.StatusOK, gin.H{"deleted": true})
}

func (m *Module) handleSetActive(active bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		agent, err := m.store.SetActive(c.Request.Context(), authorization.CurrentUserID(c), c.Param("id"), active)
		if err != nil {
			envelope.Fail(c, err)
			return
		}
		envelope.OK(c, http.StatusOK, agent)
	}
}

// handleResolve godoc
// @Summary 解析智能体
// @Description 按会话覆盖、全局设置与激活列表返回某功能将使用的智能体
// @Tags Agents
// @Produce json
// @Param feature query string true "query|suggestions|autopilot|response"
// @Param conversationId query string false "会话 id"
// @Success 200 {object} envelope.Response
// @Failure 404 {object} envelope.Response "没有激活的智能体"
func (m *Module) handleResolve(c *gin.Context) {
	feature, ok := ParseFeature(c.Query("feature"))
	if !ok {
		envelope.Fail(c, envelope.Validation("feature must be one of query, suggestions, autopilot, response"))
		return
	}
	resolution, err := m.resolver.Resolve(c.Request.Context(), authorization.CurrentUserID(c), feature, c.Query("conversationId"))
	if err != nil {
		envelope.Fail(c, err)
		return
	}
	envelope.OK(c, http.StatusOK, gin.H{
		"agentId": resolution.AgentID,
		"tier":    resolution.Tier,
		"agent":   resolution.Agent,
	})
}

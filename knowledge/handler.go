package knowledge

import (
	"net/http"

	"vox_back/authorization"
	"vox_back/envelope"
	"vox_back/storage"

	"github.com/gin-gonic/gin"
)

type Module struct {
	service *Service
}

func NewModule(service *Service) *Module {
	return &Module{service: service}
}

// RegisterRoutes mounts /api/knowledge-bases.
func (m *Module) RegisterRoutes(router gin.IRouter, guard *authorization.Guard) {
	group := router.Group("/api/knowledge-bases")
	group.Use(guard.RequireAuthenticated())
	group.GET("", m.handleList)
	group.POST("", m.handleCreate)
	group.GET("/:id", m.handleGet)
	group.PUT("/:id", m.handleUpdate)
	group.DELETE("/:id", m.handleDelete)
	group.POST("/:id/files", m.handleAddFile)
	group.DELETE("/:id/files/:fileId", m.handleRemoveFile)
	group.POST("/:id/train", m.handleTrain)
}

func (m *Module) handleList(c *gin.Context) {
	records, err := m.service.List(c.Request.Context(), authorization.CurrentUserID(c))
	if err != nil {
		envelope.Fail(c, err)
		return
	}
	envelope.OK(c, http.StatusOK, records)
}

func (m *Module) handleGet(c *gin.Context) {
	record, err := m.service.Get(c.Request.Context(), authorization.CurrentUserID(c), c.Param("id"))
	if err != nil {
		envelope.Fail(c, err)
		return
	}
	envelope.OK(c, http.StatusOK, record)
}

func (m *Module) handleCreate(c *gin.Context) {
	var input Input
	if err := c.ShouldBindJSON(&input); err != nil {
		envelope.Fail(c, envelope.Validationf("invalid request body: %v", err))
		return
	}
	record, err := m.service.Create(c.Request.Context(), authorization.CurrentUserID(c), input)
	if err != nil {
		envelope.Fail(c, err)
		return
	}
	envelope.OK(c, http.StatusCreated, record)
}

func (m *Module) handleUpdate(c *gin.Context) {
	var changes Update
	if err := c.ShouldBindJSON(&changes); err != nil {
		envelope.Fail(c, envelope.Validationf("invalid request body: %v", err))
		return
	}
	record, err := m.service.Update(c.Request.Context(), authorization.CurrentUserID(c), c.Param("id"), changes)
	if err != nil {
		envelope.Fail(c, err)
		return
	}
	envelope.OK(c, http.StatusOK, record)
}

func (m *Module) handleDelete(c *gin.Context) {
	if err := m.service.Delete(c.Request.Context(), authorization.CurrentUserID(c), c.Param("id")); err != nil {
		envelope.Fail(c, err)
		return
	}
	envelope.OK(c, http.StatusOK, gin.H{"deleted": true})
}

func (m *Module) handleAddFile(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, storage.MaxFileBytes+1<<20)
	fileHeader, err := c.FormFile("file")
	if err != nil {
		envelope.Fail(c, envelope.Validationf("file is required: %v", err))
		return
	}
	record, err := m.service.AddFile(c.Request.Context(), authorization.CurrentUserID(c), c.Param("id"), fileHeader)
	if err != nil {
		envelope.Fail(c, err)
		return
	}
	envelope.OK(c, http.StatusCreated, record)
}

func (m *Module) handleRemoveFile(c *gin.Context) {
	record, err := m.service.RemoveFile(c.Request.Context(), authorization.CurrentUserID(c), c.Param("id"), c.Param("fileId"))
	if err != nil {
		envelope.Fail(c, err)
		return
	}
	envelope.OK(c, http.StatusOK, record)
}

func (m *Module) handleTrain(c *gin.Context) {
	record, err := m.service.Train(c.Request.Context(), authorization.CurrentUserID(c), c.Param("id"))
	if err != nil {
		envelope.Fail(c, err)
		return
	}
	envelope.OK(c, http.StatusOK, record)
}

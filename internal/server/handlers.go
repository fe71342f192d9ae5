package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/models"
	"github.com/ifuryst/crosspost/internal/service"
	"github.com/ifuryst/crosspost/internal/service/publisher"
	"github.com/ifuryst/crosspost/internal/store"
)

const userIDHeader = "X-User-ID"

func (s *Server) handleSubmitTask(c *gin.Context) {
	var req service.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	task, err := s.PublishService.Submit(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, "Failed to submit task", err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"task_id": task.ID, "task": task})
}

func (s *Server) handleGetTaskStatus(c *gin.Context) {
	status, err := s.PublishService.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, "Failed to get task status", err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleListTasks(c *gin.Context) {
	limit, offset := pagination(c)
	tasks, total, err := s.PublishService.ListTasks(c.Request.Context(), store.TaskFilter{
		UserID:    c.Query("user_id"),
		AccountID: c.Query("account_id"),
		Platform:  models.PlatformType(c.Query("platform")),
		Status:    models.PublishStatus(c.Query("status")),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		s.writeError(c, "Failed to list tasks", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "total": total})
}

func (s *Server) handleListRecords(c *gin.Context) {
	limit, offset := pagination(c)
	records, total, err := s.PublishService.ListRecords(c.Request.Context(), store.RecordFilter{
		UserID:    c.Query("user_id"),
		AccountID: c.Query("account_id"),
		Platform:  models.PlatformType(c.Query("platform")),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		s.writeError(c, "Failed to list records", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records, "total": total})
}

func (s *Server) handleDeleteTask(c *gin.Context) {
	if err := s.PublishService.Delete(c.Request.Context(), c.Param("id"), requestUser(c)); err != nil {
		s.writeError(c, "Failed to delete task", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Task deleted"})
}

type publishTimeRequest struct {
	PublishTime time.Time `json:"publish_time" binding:"required"`
}

func (s *Server) handleUpdatePublishTime(c *gin.Context) {
	var req publishTimeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	task, err := s.PublishService.UpdatePublishTime(c.Request.Context(), c.Param("id"), requestUser(c), req.PublishTime)
	if err != nil {
		s.writeError(c, "Failed to update publish time", err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handlePublishNow(c *gin.Context) {
	task, err := s.PublishService.PublishNow(c.Request.Context(), c.Param("id"), requestUser(c))
	if err != nil {
		s.writeError(c, "Failed to publish task", err)
		return
	}
	c.JSON(http.StatusAccepted, task)
}

func (s *Server) handleCheckAuth(c *gin.Context) {
	status, err := s.PublishService.CheckAuth(c.Request.Context(), models.PlatformType(c.Param("platform")), c.Param("accountId"))
	if err != nil {
		s.writeError(c, "Failed to check account auth", err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleRetryTask(c *gin.Context) {
	task, err := s.PublishService.Retry(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, "Failed to retry task", err)
		return
	}
	c.JSON(http.StatusAccepted, task)
}

func (s *Server) handleListErrors(c *gin.Context) {
	limit, _ := pagination(c)
	logs, err := s.Monitoring.GetRecentErrors(c.Request.Context(), limit, c.Query("unresolved") == "true")
	if err != nil {
		s.writeError(c, "Failed to get errors", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"errors": logs})
}

func (s *Server) handleResolveError(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid error id"})
		return
	}
	if err := s.Monitoring.ResolveError(c.Request.Context(), uint(id)); err != nil {
		s.writeError(c, "Failed to resolve error", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Error resolved"})
}

func (s *Server) handleCleanupErrors(c *gin.Context) {
	days, err := strconv.Atoi(c.DefaultQuery("days", "30"))
	if err != nil || days < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid days"})
		return
	}
	if err := s.Monitoring.CleanupOldData(c.Request.Context(), days); err != nil {
		s.writeError(c, "Failed to cleanup errors", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Cleanup completed"})
}

// writeError maps service errors to HTTP status codes. Anything unexpected is
// logged and reported as 500.
func (s *Server) writeError(c *gin.Context, msg string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrInvalidTask):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrNotFound),
		errors.Is(err, publisher.ErrPublisherNotFound),
		errors.Is(err, publisher.ErrAccountNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, service.ErrTaskBusy), errors.Is(err, service.ErrInvalidState):
		status = http.StatusConflict
	}

	if status == http.StatusInternalServerError {
		s.Logger.Error(msg, zap.Error(err))
		c.JSON(status, gin.H{"error": msg})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func requestUser(c *gin.Context) string {
	if user := c.GetHeader(userIDHeader); user != "" {
		return user
	}
	return c.Query("user_id")
}

func pagination(c *gin.Context) (int, int) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}
	return limit, offset
}

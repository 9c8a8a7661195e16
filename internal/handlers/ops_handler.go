package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"autorules/internal/metrics"
	"autorules/internal/models"
	"autorules/internal/services"
)

// HealthHandler 进程存活探针
type HealthHandler struct{}

func NewHealthHandler() *HealthHandler {
	return &HealthHandler{}
}

func (h *HealthHandler) Ping(c *gin.Context) {
	c.String(http.StatusOK, "pong")
}

func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// StatusHandler 流水线运行状态
type StatusHandler struct {
	pipeline *services.Pipeline
}

func NewStatusHandler(pipeline *services.Pipeline) *StatusHandler {
	return &StatusHandler{pipeline: pipeline}
}

func (h *StatusHandler) GetStatus(c *gin.Context) {
	realtime, scheduled := metrics.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": map[string]interface{}{
			"queue_size":                 h.pipeline.QueueSize(),
			"realtime_triggered_count":   realtime,
			"scheduled_triggered_count":  scheduled,
			"subscriber_heartbeat":       metrics.Heartbeat(),
		},
	})
}

// TaskLogHandler 规则执行日志查询
type TaskLogHandler struct {
	db     *gorm.DB
	logger *logrus.Logger
}

func NewTaskLogHandler(db *gorm.DB, logger *logrus.Logger) *TaskLogHandler {
	return &TaskLogHandler{db: db, logger: logger}
}

func (h *TaskLogHandler) ListByRule(c *gin.Context) {
	ruleID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "invalid rule id",
		})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "25"))
	if limit <= 0 || limit > 100 {
		limit = 25
	}

	var logs []models.TaskLog
	if err := h.db.WithContext(c.Request.Context()).
		Where("rule_id = ?", ruleID).
		Order("trigger_time DESC").
		Limit(limit).
		Find(&logs).Error; err != nil {
		h.logger.Errorf("list task logs for rule %d: %v", ruleID, err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "failed to list task logs",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    logs,
	})
}

// RegisterRoutes 运维接口全挂在这里
func RegisterRoutes(r *gin.Engine, pipeline *services.Pipeline, db *gorm.DB, logger *logrus.Logger) {
	health := NewHealthHandler()
	r.GET("/ping", health.Ping)
	r.GET("/health", health.Health)

	v1 := r.Group("/api/v1")
	{
		v1.GET("/status", NewStatusHandler(pipeline).GetStatus)
		v1.GET("/rules/:id/task-logs", NewTaskLogHandler(db, logger).ListByRule)
	}
}

package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"autorules/internal/models"
	"autorules/internal/services"
)

func newOpsTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := "file:ops_handler_" + t.Name() + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.TaskLog{}); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return db
}

func newQuietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func newOpsRouter(t *testing.T, db *gorm.DB) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	pipeline := services.NewPipeline(nil, nil, 1, 10, nil)
	RegisterRoutes(router, pipeline, db, newQuietLogger())
	return router
}

func TestPing(t *testing.T) {
	router := newOpsRouter(t, newOpsTestDB(t))

	req := httptest.NewRequest("GET", "/ping", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pong", w.Body.String())
}

func TestHealth(t *testing.T) {
	router := newOpsRouter(t, newOpsTestDB(t))

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &response)
	assert.NoError(t, err)
	assert.Equal(t, "healthy", response["status"])
}

func TestStatus(t *testing.T) {
	router := newOpsRouter(t, newOpsTestDB(t))

	req := httptest.NewRequest("GET", "/api/v1/status", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response struct {
		Success bool                   `json:"success"`
		Data    map[string]interface{} `json:"data"`
	}
	err := json.Unmarshal(w.Body.Bytes(), &response)
	assert.NoError(t, err)
	assert.True(t, response.Success)
	assert.Contains(t, response.Data, "queue_size")
	assert.Contains(t, response.Data, "realtime_triggered_count")
	assert.Contains(t, response.Data, "scheduled_triggered_count")
}

func TestListTaskLogs(t *testing.T) {
	db := newOpsTestDB(t)
	router := newOpsRouter(t, db)

	now := time.Now().UTC()
	logs := []models.TaskLog{
		{RuleID: 7, TriggerTime: now.Add(-2 * time.Hour), Success: true, RunCondition: "per_update", DTableUUID: "uuid-1", Warnings: "[]"},
		{RuleID: 7, TriggerTime: now.Add(-1 * time.Hour), Success: false, RunCondition: "per_update", DTableUUID: "uuid-1", Warnings: "[]"},
		{RuleID: 8, TriggerTime: now, Success: true, RunCondition: "per_day", DTableUUID: "uuid-2", Warnings: "[]"},
	}
	assert.NoError(t, db.Create(&logs).Error)

	req := httptest.NewRequest("GET", "/api/v1/rules/7/task-logs", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var response struct {
		Success bool             `json:"success"`
		Data    []models.TaskLog `json:"data"`
	}
	err := json.Unmarshal(w.Body.Bytes(), &response)
	assert.NoError(t, err)
	assert.True(t, response.Success)
	assert.Len(t, response.Data, 2)
	// 按触发时间倒序
	assert.False(t, response.Data[0].Success)
	assert.True(t, response.Data[1].Success)
}

func TestListTaskLogs_Limit(t *testing.T) {
	db := newOpsTestDB(t)
	router := newOpsRouter(t, db)

	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		log := models.TaskLog{RuleID: 7, TriggerTime: now.Add(time.Duration(-i) * time.Minute), Success: true, Warnings: "[]"}
		assert.NoError(t, db.Create(&log).Error)
	}

	req := httptest.NewRequest("GET", "/api/v1/rules/7/task-logs?limit=3", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var response struct {
		Data []models.TaskLog `json:"data"`
	}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Len(t, response.Data, 3)
}

func TestListTaskLogs_InvalidRuleID(t *testing.T) {
	router := newOpsRouter(t, newOpsTestDB(t))

	req := httptest.NewRequest("GET", "/api/v1/rules/not-a-number/task-logs", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)

	var response map[string]interface{}
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	assert.Equal(t, false, response["success"])
}

package services

import (
	"context"
	"testing"
	"time"

	"autorules/internal/models"
	"autorules/pkg/dtable"
)

func TestPipeline_EndToEnd(t *testing.T) {
	db := newStatsTestDB(t)
	db.Create(&models.AutomationRule{ID: 1, RunCondition: RunPerUpdate, Trigger: "{}", IsValid: true})

	api := &fakeAPI{metadata: &dtable.Metadata{Tables: []*dtable.Table{{
		ID: "tbl1", Name: "Orders",
		Columns: []*dtable.Column{{Key: "c1", Name: "Status", Type: dtable.ColumnTypeText}},
	}}}}
	api.columns = api.metadata.Tables[0].Columns

	sender := NewSender("", time.Second, nil)
	rt := NewRuntime(db, api, sender, NewDateRenderer("UTC"), "secret", nil)
	stats := NewStatsManager(db, NewRateLimiter(300, 25), NewQuotaManager(db, -1, -1, nil), api, nil)
	pipeline := NewPipeline(rt, stats, 2, 10, nil)
	pipeline.Start(context.Background())

	task := realtimeTask(
		`{"condition":"rows_added","table_id":"tbl1"}`,
		`[{"type":"update_record","updates":{"Status":"done"}}]`,
		&Event{TableName: "Orders", Row: map[string]interface{}{"_id": "row1"}},
	)
	task.Metadata = apiSource{api}
	if !pipeline.TryEnqueue(task) {
		t.Fatal("enqueue into an empty queue must succeed")
	}
	pipeline.Stop(10 * time.Second)

	// 结果被记账：任务日志一条，规则计数加一
	var logCount int64
	db.Model(&models.TaskLog{}).Count(&logCount)
	if logCount != 1 {
		t.Errorf("task log rows = %d, want 1", logCount)
	}
	var rule models.AutomationRule
	db.Take(&rule, 1)
	if rule.TriggerCount != 1 {
		t.Errorf("trigger count = %d, want 1", rule.TriggerCount)
	}
	if len(api.updatedRows) != 1 {
		t.Errorf("the action should have run, updates = %d", len(api.updatedRows))
	}
}

func TestPipeline_TryEnqueueFull(t *testing.T) {
	// 不启动 worker，队列容量 1
	pipeline := NewPipeline(nil, nil, 1, 1, nil)
	if !pipeline.TryEnqueue(&Task{}) {
		t.Fatal("first enqueue should succeed")
	}
	if pipeline.TryEnqueue(&Task{}) {
		t.Error("full queue must reject without blocking")
	}
	if pipeline.QueueSize() != 1 {
		t.Errorf("queue size = %d", pipeline.QueueSize())
	}
}

func TestPipeline_RecordResultPath(t *testing.T) {
	db := newStatsTestDB(t)
	db.Create(&models.AutomationRule{ID: 9, RunCondition: RunPerUpdate, Trigger: "{}", IsValid: true})

	api := &fakeAPI{}
	stats := NewStatsManager(db, NewRateLimiter(300, 25), NewQuotaManager(db, -1, -1, nil), api, nil)
	rt := NewRuntime(db, api, NewSender("", time.Second, nil), NewDateRenderer("UTC"), "secret", nil)
	pipeline := NewPipeline(rt, stats, 1, 10, nil)
	pipeline.Start(context.Background())

	rule, _ := NewRule(models.AutomationRule{
		ID: 9, RunCondition: RunPerUpdate, DTableUUID: "uuid-1",
		Creator: "alice@example.com", OrgID: -1, Trigger: "{}",
	})
	pipeline.RecordResult(ExceedLimitResult(rule, time.Now()))
	pipeline.Stop(5 * time.Second)

	var log models.TaskLog
	if err := db.Take(&log).Error; err != nil {
		t.Fatalf("exceed-limit result should leave a task log: %v", err)
	}
	if log.Success {
		t.Error("rejected runs are logged as failures")
	}
}

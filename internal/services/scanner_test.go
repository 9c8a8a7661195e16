package services

import (
	"context"
	"strconv"
	"testing"
	"time"

	"autorules/internal/models"
	"autorules/pkg/dtable"
)

func scannerFixture(t *testing.T, grace time.Duration) (*Scanner, *Pipeline, *fakeAPI) {
	t.Helper()
	db := newStatsTestDB(t)
	api := &fakeAPI{metadata: &dtable.Metadata{}}
	quota := NewQuotaManager(db, -1, -1, nil)
	sender := NewSender("", time.Second, nil)
	rt := NewRuntime(db, api, sender, NewDateRenderer("UTC"), "secret", nil)
	stats := NewStatsManager(db, NewRateLimiter(300, 25), quota, api, nil)
	pipeline := NewPipeline(rt, stats, 1, 10, nil)
	scanner := NewScanner(db, api, quota, pipeline, grace, nil)
	return scanner, pipeline, api
}

// scheduledRule 构造一条在 now 时刻时刻门恰好命中的 per_day 规则
func scheduledRule(id int64, now time.Time, owner string, orgID int64) *models.AutomationRule {
	return &models.AutomationRule{
		ID:           id,
		RunCondition: RunPerDay,
		DTableUUID:   "uuid-1",
		Creator:      owner,
		OrgID:        orgID,
		IsValid:      true,
		Trigger:      `{"condition":"run_periodically","notify_hour":` + strconv.Itoa(now.Hour()) + `}`,
		Actions:      "[]",
	}
}

func TestScanner_Sweep(t *testing.T) {
	scanner, pipeline, _ := scannerFixture(t, 0)
	now := time.Now()

	scanner.db.Create(scheduledRule(1, now, "alice@example.com", -1))

	// 停用与失效的不扫
	paused := scheduledRule(2, now, "alice@example.com", -1)
	paused.IsPause = true
	scanner.db.Create(paused)
	invalid := scheduledRule(3, now, "alice@example.com", -1)
	invalid.IsValid = false
	scanner.db.Create(invalid)
	// gorm 对带 default 标签的零值会跳列，这里确认 false 真的落了库
	var stored models.AutomationRule
	if err := scanner.db.First(&stored, 3).Error; err != nil {
		t.Fatalf("load rule 3: %v", err)
	}
	if stored.IsValid {
		t.Fatal("is_valid=false must persist as false")
	}

	// 回看窗口内触发过的不再入队
	recent := now.Add(-1 * time.Hour)
	fresh := scheduledRule(4, now, "alice@example.com", -1)
	fresh.LastTriggerTime = &recent
	scanner.db.Create(fresh)

	// 时刻门不匹配的不入队
	offHour := scheduledRule(5, now, "alice@example.com", -1)
	offHour.Trigger = `{"condition":"run_periodically","notify_hour":` + strconv.Itoa((now.Hour()+5)%24) + `}`
	scanner.db.Create(offHour)

	scanner.Sweep(context.Background())
	if got := pipeline.QueueSize(); got != 1 {
		t.Errorf("exactly one rule should be enqueued, got %d", got)
	}
}

func TestScanner_QuotaMemo(t *testing.T) {
	scanner, pipeline, _ := scannerFixture(t, 0)
	now := time.Now()

	// 租户额度 1，已用 1 => 两条规则都被拦下
	scanner.db.Create(&models.UserQuota{Username: "alice@example.com", MonthlyAutomationLimit: 1})
	scanner.db.Create(&models.UserStatistic{
		Username: "alice@example.com", TriggerDate: MonthFirstDay(now), TriggerCount: 1,
	})
	scanner.db.Create(scheduledRule(1, now, "alice@example.com", -1))
	scanner.db.Create(scheduledRule(2, now, "alice@example.com", -1))
	scanner.db.Create(scheduledRule(3, now, "bob@example.com", -1))

	scanner.Sweep(context.Background())
	if got := pipeline.QueueSize(); got != 1 {
		t.Errorf("only the under-quota tenant's rule should be enqueued, got %d", got)
	}
}

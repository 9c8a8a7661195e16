package services

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"autorules/internal/models"
)

func newQuotaTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(
		&models.UserStatistic{}, &models.OrgStatistic{},
		&models.UserQuota{}, &models.OrgQuota{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	return db
}

func TestMonthFirstDay(t *testing.T) {
	in := time.Date(2024, 5, 17, 13, 42, 3, 0, time.FixedZone("CST", 8*3600))
	got := MonthFirstDay(in)
	want := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("MonthFirstDay = %v, want %v", got, want)
	}
}

func TestQuotaManager_LimitFallback(t *testing.T) {
	db := newQuotaTestDB(t)
	q := NewQuotaManager(db, 500, 5000, nil)
	ctx := context.Background()

	// 无覆盖行 => 配置默认
	limit, err := q.UserLimit(ctx, "alice@example.com")
	if err != nil || limit != 500 {
		t.Fatalf("UserLimit = %d, %v; want 500", limit, err)
	}
	// 覆盖行为 0 => 仍然回落默认
	db.Create(&models.UserQuota{Username: "bob@example.com", MonthlyAutomationLimit: 0})
	limit, err = q.UserLimit(ctx, "bob@example.com")
	if err != nil || limit != 500 {
		t.Fatalf("UserLimit(zero override) = %d, %v; want 500", limit, err)
	}
	// 非零覆盖优先
	db.Create(&models.OrgQuota{OrgID: 7, MonthlyAutomationLimit: 20})
	limit, err = q.OrgLimit(ctx, 7)
	if err != nil || limit != 20 {
		t.Fatalf("OrgLimit = %d, %v; want 20", limit, err)
	}
}

func TestQuotaManager_IsExceeded(t *testing.T) {
	db := newQuotaTestDB(t)
	q := NewQuotaManager(db, 10, -1, nil)
	ctx := context.Background()
	month := MonthFirstDay(time.Now())

	db.Create(&models.UserStatistic{Username: "alice@example.com", TriggerDate: month, TriggerCount: 10})
	exceeded, err := q.IsExceeded(ctx, "alice@example.com", -1)
	if err != nil {
		t.Fatalf("IsExceeded: %v", err)
	}
	if !exceeded {
		t.Error("usage == limit counts as exceeded")
	}

	// 负额度不限
	db.Create(&models.OrgStatistic{OrgID: 3, TriggerDate: month, TriggerCount: 99999})
	exceeded, err = q.IsExceeded(ctx, "whoever", 3)
	if err != nil || exceeded {
		t.Errorf("negative limit should never exceed, got %v, %v", exceeded, err)
	}

	// 个人小组哨兵豁免
	db.Create(&models.UserStatistic{Username: "g@seafile_group", TriggerDate: month, TriggerCount: 99999})
	exceeded, err = q.IsExceeded(ctx, "g@seafile_group", -1)
	if err != nil || exceeded {
		t.Errorf("personal group owner should be exempt, got %v, %v", exceeded, err)
	}
}

func TestQuotaManager_CheckWarning_Idempotent(t *testing.T) {
	db := newQuotaTestDB(t)
	q := NewQuotaManager(db, 100, -1, nil)
	ctx := context.Background()
	month := MonthFirstDay(time.Now())

	warned := 0
	q.SetWarnFunc(func(ctx context.Context, dtableUUID, owner string, orgID int64, limit, usage int64) {
		warned++
	})

	db.Create(&models.UserStatistic{Username: "alice@example.com", TriggerDate: month, TriggerCount: 90})
	if err := q.CheckWarning(ctx, "uuid-1", "alice@example.com", -1); err != nil {
		t.Fatalf("CheckWarning: %v", err)
	}
	if warned != 1 {
		t.Fatalf("expected one warning at 90%%, got %d", warned)
	}

	// 同一额度下不再重复
	if err := q.CheckWarning(ctx, "uuid-1", "alice@example.com", -1); err != nil {
		t.Fatalf("CheckWarning: %v", err)
	}
	if warned != 1 {
		t.Fatalf("warning must be idempotent per limit, got %d", warned)
	}

	// 额度上调且用量再次越过新阈值 => 重新告警
	db.Create(&models.UserQuota{Username: "alice@example.com", MonthlyAutomationLimit: 120})
	db.Model(&models.UserStatistic{}).
		Where("username = ?", "alice@example.com").
		Update("trigger_count", 110)
	if err := q.CheckWarning(ctx, "uuid-1", "alice@example.com", -1); err != nil {
		t.Fatalf("CheckWarning: %v", err)
	}
	if warned != 2 {
		t.Fatalf("raised limit should re-arm the warning, got %d", warned)
	}
}

func TestQuotaManager_CheckWarning_BelowThreshold(t *testing.T) {
	db := newQuotaTestDB(t)
	q := NewQuotaManager(db, 100, -1, nil)
	warned := 0
	q.SetWarnFunc(func(ctx context.Context, dtableUUID, owner string, orgID int64, limit, usage int64) {
		warned++
	})

	db.Create(&models.UserStatistic{
		Username:     "alice@example.com",
		TriggerDate:  MonthFirstDay(time.Now()),
		TriggerCount: 89,
	})
	if err := q.CheckWarning(context.Background(), "uuid-1", "alice@example.com", -1); err != nil {
		t.Fatalf("CheckWarning: %v", err)
	}
	if warned != 0 {
		t.Errorf("89/100 is below the 90%% threshold, got %d warnings", warned)
	}
}

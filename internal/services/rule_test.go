package services

import (
	"context"
	"testing"
	"time"

	"autorules/internal/models"
)

func mustRule(t *testing.T, row models.AutomationRule) *Rule {
	t.Helper()
	rule, err := NewRule(row)
	if err != nil {
		t.Fatalf("NewRule: %v", err)
	}
	return rule
}

func TestNewRule_DecodeErrors(t *testing.T) {
	_, err := NewRule(models.AutomationRule{ID: 1, Trigger: "{not json"})
	if err == nil {
		t.Error("corrupt trigger JSON must fail")
	}
	_, err = NewRule(models.AutomationRule{ID: 2, Trigger: "{}", Actions: "[{"})
	if err == nil {
		t.Error("corrupt actions JSON must fail")
	}
}

func TestRule_CanDoActions_OpMatching(t *testing.T) {
	tests := []struct {
		name      string
		condition string
		opType    string
		want      bool
	}{
		{"added accepts insert", ConditionRowsAdded, OpInsertRow, true},
		{"added accepts append", ConditionRowsAdded, OpAppendRows, true},
		{"added rejects modify", ConditionRowsAdded, OpModifyRow, false},
		{"modified accepts modify", ConditionRowsModified, OpModifyRow, true},
		{"filters accepts modify-batch", ConditionFiltersSatisfy, OpModifyRows, true},
		{"filters rejects insert", ConditionFiltersSatisfy, OpInsertRow, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := mustRule(t, models.AutomationRule{
				ID:           1,
				RunCondition: RunPerUpdate,
				Trigger:      `{"condition":"` + tt.condition + `"}`,
			})
			event := &Event{OpType: tt.opType}
			if got := rule.CanDoActions(context.Background(), event, nil, time.Now()); got != tt.want {
				t.Errorf("CanDoActions = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRule_CanDoActions_ScheduledRuleNeverRealtime(t *testing.T) {
	rule := mustRule(t, models.AutomationRule{
		ID:           1,
		RunCondition: RunPerDay,
		Trigger:      `{"condition":"rows_added"}`,
	})
	if rule.CanDoActions(context.Background(), &Event{OpType: OpInsertRow}, nil, time.Now()) {
		t.Error("scheduled rules must not admit realtime events")
	}
}

func TestRule_TimeGateMatches(t *testing.T) {
	grace := 10 * time.Minute

	perDay := mustRule(t, models.AutomationRule{
		ID: 1, RunCondition: RunPerDay,
		Trigger: `{"condition":"run_periodically","notify_hour":9}`,
	})
	at := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC) // Monday
	if !perDay.TimeGateMatches(at, grace) {
		t.Error("per_day should match at its hour")
	}
	if perDay.TimeGateMatches(at.Add(2*time.Hour), grace) {
		t.Error("per_day should not match other hours")
	}
	// grace 吸收 tick 提前：08:55 + 10min = 09:05
	if !perDay.TimeGateMatches(time.Date(2024, 6, 3, 8, 55, 0, 0, time.UTC), grace) {
		t.Error("grace should absorb an early tick")
	}

	perWeek := mustRule(t, models.AutomationRule{
		ID: 2, RunCondition: RunPerWeek,
		Trigger: `{"condition":"run_periodically","notify_hour":9,"notify_week_day":1}`,
	})
	if !perWeek.TimeGateMatches(at, grace) {
		t.Error("per_week should match Monday==1")
	}
	if perWeek.TimeGateMatches(at.AddDate(0, 0, 1), grace) {
		t.Error("per_week should not match Tuesday")
	}

	// 周日映射为 7
	sunday := mustRule(t, models.AutomationRule{
		ID: 3, RunCondition: RunPerWeek,
		Trigger: `{"condition":"run_periodically","notify_hour":9,"notify_week_day":7}`,
	})
	if !sunday.TimeGateMatches(time.Date(2024, 6, 2, 9, 0, 0, 0, time.UTC), grace) {
		t.Error("Sunday should map to week day 7")
	}

	perMonth := mustRule(t, models.AutomationRule{
		ID: 4, RunCondition: RunPerMonth,
		Trigger: `{"condition":"run_periodically","notify_hour":9,"notify_month_day":3}`,
	})
	if !perMonth.TimeGateMatches(at, grace) {
		t.Error("per_month should match its month day")
	}
	if perMonth.TimeGateMatches(at.AddDate(0, 0, 1), grace) {
		t.Error("per_month should not match other days")
	}
}

func TestRule_TimeGateDefaults(t *testing.T) {
	// 省略 notify_* 时缺省 hour=12 weekday=7 monthday=1
	rule := mustRule(t, models.AutomationRule{
		ID: 1, RunCondition: RunPerWeek,
		Trigger: `{"condition":"run_periodically"}`,
	})
	sundayNoon := time.Date(2024, 6, 2, 12, 0, 0, 0, time.UTC)
	if !rule.TimeGateMatches(sundayNoon, 0) {
		t.Error("defaults should be Sunday at 12")
	}
}

func TestRule_DueForScan(t *testing.T) {
	now := time.Now()
	recent := now.Add(-1 * time.Hour)
	old := now.Add(-24 * time.Hour)

	perDay := mustRule(t, models.AutomationRule{
		ID: 1, RunCondition: RunPerDay, Trigger: "{}", LastTriggerTime: &recent,
	})
	if perDay.DueForScan(now) {
		t.Error("triggered an hour ago, not yet due")
	}
	perDay.Model.LastTriggerTime = &old
	if !perDay.DueForScan(now) {
		t.Error("24h since last trigger clears the 23h window")
	}
	perDay.Model.LastTriggerTime = nil
	if !perDay.DueForScan(now) {
		t.Error("never-triggered rules are always due")
	}

	realtime := mustRule(t, models.AutomationRule{
		ID: 2, RunCondition: RunPerUpdate, Trigger: "{}",
	})
	if realtime.DueForScan(now) {
		t.Error("realtime rules are never scanned")
	}
}

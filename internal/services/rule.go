package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"autorules/internal/models"
)

// TriggerSpec 规则触发器配置（JSON 存储）
type TriggerSpec struct {
	RuleName          string                   `json:"rule_name"`
	Condition         string                   `json:"condition"`
	TableID           string                   `json:"table_id"`
	ViewID            string                   `json:"view_id"`
	Filters           []map[string]interface{} `json:"filters"`
	FilterConjunction string                   `json:"filter_conjunction"`
	NotifyHour        *int                     `json:"notify_hour"`
	NotifyWeekDay     *int                     `json:"notify_week_day"`  // 1=周一 .. 7=周日
	NotifyMonthDay    *int                     `json:"notify_month_day"` // 1..28
}

// 时刻门的缺省值
const (
	defaultNotifyHour     = 12
	defaultNotifyWeekDay  = 7
	defaultNotifyMonthDay = 1
)

func (t *TriggerSpec) hour() int {
	if t.NotifyHour != nil {
		return *t.NotifyHour
	}
	return defaultNotifyHour
}

func (t *TriggerSpec) weekDay() int {
	if t.NotifyWeekDay != nil {
		return *t.NotifyWeekDay
	}
	return defaultNotifyWeekDay
}

func (t *TriggerSpec) monthDay() int {
	if t.NotifyMonthDay != nil {
		return *t.NotifyMonthDay
	}
	return defaultNotifyMonthDay
}

// MatchCondition link_records 的一组列配对
type MatchCondition struct {
	ColumnKey      string `json:"column_key"`
	OtherColumnKey string `json:"other_column_key"`
}

// ActionSpec 动作的带标签变体；除 Type 外各字段按动作种类取用
type ActionSpec struct {
	Type string `json:"type"`

	// update_record / add_record
	Updates map[string]interface{} `json:"updates"`
	Row     map[string]interface{} `json:"row"`

	// notify
	Users          []string `json:"users"`
	UsersColumnKey string   `json:"users_column_key"`
	DefaultMsg     string   `json:"default_msg"`

	// send_wechat / send_dingtalk / send_email
	AccountID int64  `json:"account_id"`
	MsgType   string `json:"msg_type"`
	Title     string `json:"title"`
	Subject   string `json:"subject"`
	SendTo    string `json:"send_to"` // 逗号分隔
	CopyTo    string `json:"copy_to"`

	// run_python_script
	ScriptName string `json:"script_name"`

	// link_records
	LinkedTableID   string           `json:"linked_table_id"`
	LinkID          string           `json:"link_id"`
	MatchConditions []MatchCondition `json:"match_conditions"`

	// copy_record_to
	DstTableID string `json:"dst_table_id"`
}

// Action type tags.
const (
	ActionUpdateRecord    = "update_record"
	ActionAddRecord       = "add_record"
	ActionLockRecord      = "lock_record"
	ActionNotify          = "notify"
	ActionSendWechat      = "send_wechat"
	ActionSendDingtalk    = "send_dingtalk"
	ActionSendEmail       = "send_email"
	ActionRunPythonScript = "run_python_script"
	ActionLinkRecords     = "link_records"
	ActionCopyRecordTo    = "copy_record_to"
)

// Rule 出队后由单个 worker 独占的内存聚合
type Rule struct {
	Model   models.AutomationRule
	Trigger TriggerSpec
	Actions []ActionSpec
}

// NewRule 解码持久化行；trigger/actions JSON 损坏视为错误
func NewRule(row models.AutomationRule) (*Rule, error) {
	r := &Rule{Model: row}
	if err := json.Unmarshal([]byte(row.Trigger), &r.Trigger); err != nil {
		return nil, fmt.Errorf("rule %d: decode trigger: %w", row.ID, err)
	}
	if row.Actions != "" {
		if err := json.Unmarshal([]byte(row.Actions), &r.Actions); err != nil {
			return nil, fmt.Errorf("rule %d: decode actions: %w", row.ID, err)
		}
	}
	return r, nil
}

func (r *Rule) Name() string {
	if r.Trigger.RuleName != "" {
		return r.Trigger.RuleName
	}
	return fmt.Sprintf("rule-%d", r.Model.ID)
}

func (r *Rule) Owner() string { return r.Model.Creator }
func (r *Rule) OrgID() int64  { return r.Model.OrgID }

// CanDoActions 实时规则的准入门：触发条件种类与事件 op_type 匹配，
// 再过每分钟突发上限
func (r *Rule) CanDoActions(ctx context.Context, event *Event, burst *BurstStore, now time.Time) bool {
	if r.Model.RunCondition != RunPerUpdate {
		return false
	}
	switch r.Trigger.Condition {
	case ConditionRowsAdded:
		if event.OpType != OpInsertRow && event.OpType != OpAppendRows {
			return false
		}
	case ConditionFiltersSatisfy, ConditionRowsModified:
		if event.OpType != OpModifyRow && event.OpType != OpModifyRows {
			return false
		}
	case ConditionRunPeriodically, ConditionRunPeriodicallyByCondition:
		// 周期类条件出现在 per_update 规则上时不拦截 op_type
	default:
		return false
	}

	if burst != nil {
		allowed, err := burst.Allow(ctx, r.Model.ID, now)
		if err == nil && !allowed {
			return false
		}
	}
	return true
}

// TimeGateMatches 周期规则的时刻门：小时/星期/月日逐项比对，
// grace 允许 tick 早到几分钟
func (r *Rule) TimeGateMatches(now time.Time, grace time.Duration) bool {
	effective := now.Add(grace)
	if effective.Hour() != r.Trigger.hour() {
		return false
	}
	switch r.Model.RunCondition {
	case RunPerDay:
		return true
	case RunPerWeek:
		wd := int(effective.Weekday())
		if wd == 0 {
			wd = 7
		}
		return wd == r.Trigger.weekDay()
	case RunPerMonth:
		return effective.Day() == r.Trigger.monthDay()
	default:
		return false
	}
}

// 周期规则的扫描回看窗口，故意小于 24h/7d/28d 以吸收时钟偏差
var scanWindows = map[string]time.Duration{
	RunPerDay:   23 * time.Hour,
	RunPerWeek:  6 * 24 * time.Hour,
	RunPerMonth: 27 * 24 * time.Hour,
}

// DueForScan 上次触发早于回看窗口（或从未触发）才可再次入队
func (r *Rule) DueForScan(now time.Time) bool {
	window, ok := scanWindows[r.Model.RunCondition]
	if !ok {
		return false
	}
	if r.Model.LastTriggerTime == nil {
		return true
	}
	return now.Sub(*r.Model.LastTriggerTime) >= window
}

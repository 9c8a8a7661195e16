package services

import (
	"strings"
	"time"
)

// EventChannel 上游表格服务发布触发事件的 pub/sub 频道
const EventChannel = "automation-rule-triggered"

// Mutation op types carried by trigger events.
const (
	OpInsertRow  = "insert_row"
	OpAppendRows = "append_rows"
	OpModifyRow  = "modify_row"
	OpModifyRows = "modify_rows"
)

// Run conditions of a rule.
const (
	RunPerUpdate = "per_update"
	RunPerDay    = "per_day"
	RunPerWeek   = "per_week"
	RunPerMonth  = "per_month"
)

// Trigger condition kinds.
const (
	ConditionRowsAdded                  = "rows_added"
	ConditionRowsModified               = "rows_modified"
	ConditionFiltersSatisfy             = "filters_satisfy"
	ConditionNearDeadline               = "near_deadline"
	ConditionRunPeriodically            = "run_periodically"
	ConditionRunPeriodicallyByCondition = "run_periodically_by_condition"
)

// Event 实时触发事件；入队裁决后或执行完毕即弃
type Event struct {
	DTableUUID        string                 `json:"dtable_uuid"`
	AutomationRuleID  int64                  `json:"automation_rule_id"`
	OpType            string                 `json:"op_type"`
	TableName         string                 `json:"table_name"`
	Row               map[string]interface{} `json:"row"`            // column_key -> raw value
	ConvertedRow      map[string]interface{} `json:"converted_row"`  // column_name -> resolved value
	UpdatedColumnKeys []string               `json:"updated_column_keys"`
}

// RowID 当前行 ID
func (e *Event) RowID() string {
	if e.Row != nil {
		if id, ok := e.Row["_id"].(string); ok {
			return id
		}
	}
	if e.ConvertedRow != nil {
		if id, ok := e.ConvertedRow["_id"].(string); ok {
			return id
		}
	}
	return ""
}

// Warning 附在执行结果上的结构化告警
type Warning struct {
	Type    string                 `json:"type"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Warning types.
const (
	WarningExceedSystemLimit    = "exceed_system_limit"
	WarningActionFailed         = "action_failed"
	WarningActionSkipped        = "action_skipped"
	WarningConditionInvalidType = "invalid_rule"
)

// Invalid types persisted with an invalidated rule.
const (
	InvalidTypeDTableNotFound  = "dtable_not_found"
	InvalidTypeAccountNotFound = "third_party_account_not_found"
)

// ExecutionResult 一次出队规则恰好对应一条结果
type ExecutionResult struct {
	RuleID       int64
	RuleName     string
	DTableUUID   string
	RunCondition string
	OrgID        int64
	Owner        string
	TriggerTime  time.Time
	RunTime      float64 // seconds
	Success      bool
	IsValid      bool
	InvalidType  string
	Warnings     []Warning
	// ExceedsLimit 为 true 时本次未产生任何副作用，仅记日志
	ExceedsLimit bool
}

// Action outcome kinds, aggregated by the worker into the ExecutionResult.
type outcomeKind int

const (
	outcomeOK outcomeKind = iota
	outcomeSkipped
	outcomeTransient
	outcomeRuleInvalid
)

// ActionOutcome 单个动作的执行结论；动作内部不抛异常
type ActionOutcome struct {
	Kind        outcomeKind
	Reason      string
	InvalidType string
}

func outcomeOKResult() ActionOutcome { return ActionOutcome{Kind: outcomeOK} }

func outcomeSkip(reason string) ActionOutcome {
	return ActionOutcome{Kind: outcomeSkipped, Reason: reason}
}

func outcomeFail(reason string) ActionOutcome {
	return ActionOutcome{Kind: outcomeTransient, Reason: reason}
}

func outcomeInvalid(invalidType, reason string) ActionOutcome {
	return ActionOutcome{Kind: outcomeRuleInvalid, InvalidType: invalidType, Reason: reason}
}

// PersonalGroupSentinel 出现在 owner 串中表示团队表格，豁免限流与个人额度
const PersonalGroupSentinel = "@seafile_group"

// IsPersonalGroupOwner 团队表格判定
func IsPersonalGroupOwner(owner string) bool {
	return strings.Contains(owner, PersonalGroupSentinel)
}

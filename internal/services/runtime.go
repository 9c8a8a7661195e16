package services

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"autorules/pkg/dtable"
)

// Task 准入通过、等待 worker 的一条规则
type Task struct {
	ID        string // 日志关联
	Rule      *Rule
	Event     *Event // 周期规则为 nil
	Scheduled bool
	Metadata  MetadataSource
}

// Runtime 规则执行器：按序解释动作表，聚合出一条 ExecutionResult。
// 动作级错误不越过规则，规则级错误不越过 worker。
type Runtime struct {
	db           *gorm.DB
	api          dtable.API
	sender       *Sender
	dates        *DateRenderer
	privateKey   string
	canRunPython bool
	scriptsLimit int64
	logger       *logrus.Logger
}

func NewRuntime(db *gorm.DB, api dtable.API, sender *Sender, dates *DateRenderer,
	privateKey string, logger *logrus.Logger) *Runtime {
	if logger == nil {
		logger = logrus.New()
	}
	return &Runtime{
		db:           db,
		api:          api,
		sender:       sender,
		dates:        dates,
		privateKey:   privateKey,
		canRunPython: true,
		scriptsLimit: -1,
		logger:       logger,
	}
}

// SetScriptPolicy 脚本动作的租户许可与并发上限（启动时据配置注入）
func (r *Runtime) SetScriptPolicy(canRun bool, limit int64) {
	r.canRunPython = canRun
	r.scriptsLimit = limit
}

// runContext 一次执行期间的惰性状态；动作不持有规则反向引用，
// 统一经它取数
type runContext struct {
	task     *Task
	metadata *dtable.Metadata
	table    *dtable.Table

	viewColumns  []*dtable.Column
	viewLoaded   bool
	nicknameMap  map[string]string
	usersLoaded  bool
	canRunPython *bool // 本次执行内缓存
}

func (rc *runContext) rule() *Rule   { return rc.task.Rule }
func (rc *runContext) event() *Event { return rc.task.Event }
func (rc *runContext) uuid() string  { return rc.task.Rule.Model.DTableUUID }

// view 触发器视图；视图缺失时返回 nil
func (rc *runContext) view() *dtable.View {
	if rc.table == nil {
		return nil
	}
	return rc.table.FindView(rc.task.Rule.Trigger.ViewID)
}

func (r *Runtime) loadViewColumns(ctx context.Context, rc *runContext) []*dtable.Column {
	if rc.viewLoaded {
		return rc.viewColumns
	}
	rc.viewLoaded = true
	cols, err := r.api.Columns(ctx, rc.uuid(), rc.rule().Trigger.TableID, rc.rule().Trigger.ViewID)
	if err != nil {
		r.logger.Warnf("rule %d: load view columns: %v", rc.rule().Model.ID, err)
		// 回落到表的全部列
		if rc.table != nil {
			return rc.table.Columns
		}
		return nil
	}
	rc.viewColumns = cols
	return cols
}

func (r *Runtime) loadNicknames(ctx context.Context, rc *runContext) map[string]string {
	if rc.usersLoaded {
		return rc.nicknameMap
	}
	rc.usersLoaded = true
	users, err := r.api.RelatedUsers(ctx, rc.uuid())
	if err != nil {
		r.logger.Warnf("rule %d: load related users: %v", rc.rule().Model.ID, err)
		rc.nicknameMap = map[string]string{}
		return rc.nicknameMap
	}
	rc.nicknameMap = make(map[string]string, len(users))
	for _, u := range users {
		rc.nicknameMap[u.Email] = u.Name
	}
	return rc.nicknameMap
}

// Execute 状态机：Checked → Running → {Succeeded, Failed, Invalidated}。
// 每条出队规则恰好返回一条结果。
func (r *Runtime) Execute(ctx context.Context, task *Task) *ExecutionResult {
	rule := task.Rule
	start := time.Now()
	result := &ExecutionResult{
		RuleID:       rule.Model.ID,
		RuleName:     rule.Name(),
		DTableUUID:   rule.Model.DTableUUID,
		RunCondition: rule.Model.RunCondition,
		OrgID:        rule.OrgID(),
		Owner:        rule.Owner(),
		TriggerTime:  start,
		Success:      true,
		IsValid:      true,
	}
	defer func() {
		result.RunTime = time.Since(start).Seconds()
	}()

	rc := &runContext{task: task}
	md, err := task.Metadata.Get(ctx, rc.uuid())
	if err != nil {
		if errors.Is(err, dtable.ErrNotFound) {
			result.Success = false
			result.IsValid = false
			result.InvalidType = InvalidTypeDTableNotFound
			result.Warnings = append(result.Warnings, Warning{
				Type:    WarningConditionInvalidType,
				Details: map[string]interface{}{"invalid_type": InvalidTypeDTableNotFound},
			})
			return result
		}
		result.Success = false
		result.Warnings = append(result.Warnings, Warning{
			Type:    WarningActionFailed,
			Details: map[string]interface{}{"error": err.Error()},
		})
		return result
	}
	rc.metadata = md

	tableName := ""
	if task.Event != nil {
		tableName = task.Event.TableName
	}
	rc.table = md.FindTable(rule.Trigger.TableID, tableName)
	if rc.table == nil {
		result.Success = false
		result.Warnings = append(result.Warnings, Warning{
			Type:    WarningActionFailed,
			Details: map[string]interface{}{"error": "trigger table not found"},
		})
		return result
	}

	for _, action := range rule.Actions {
		outcome := r.executeAction(ctx, rc, action)
		switch outcome.Kind {
		case outcomeOK:
		case outcomeSkipped:
			r.logger.Debugf("rule %d: action %s skipped: %s", rule.Model.ID, action.Type, outcome.Reason)
			result.Warnings = append(result.Warnings, Warning{
				Type:    WarningActionSkipped,
				Details: map[string]interface{}{"action": action.Type, "reason": outcome.Reason},
			})
		case outcomeTransient:
			r.logger.Warnf("rule %d: action %s failed: %s", rule.Model.ID, action.Type, outcome.Reason)
			result.Success = false
			result.Warnings = append(result.Warnings, Warning{
				Type:    WarningActionFailed,
				Details: map[string]interface{}{"action": action.Type, "error": outcome.Reason},
			})
		case outcomeRuleInvalid:
			r.logger.Warnf("rule %d: invalidated by action %s: %s", rule.Model.ID, action.Type, outcome.Reason)
			result.Success = false
			result.IsValid = false
			result.InvalidType = outcome.InvalidType
			result.Warnings = append(result.Warnings, Warning{
				Type:    WarningConditionInvalidType,
				Details: map[string]interface{}{"action": action.Type, "invalid_type": outcome.InvalidType},
			})
			return result
		}
	}
	return result
}

// ExceedLimitResult 限流拒绝时的结果：只记账，不产生副作用
func ExceedLimitResult(rule *Rule, now time.Time) *ExecutionResult {
	return &ExecutionResult{
		RuleID:       rule.Model.ID,
		RuleName:     rule.Name(),
		DTableUUID:   rule.Model.DTableUUID,
		RunCondition: rule.Model.RunCondition,
		OrgID:        rule.OrgID(),
		Owner:        rule.Owner(),
		TriggerTime:  now,
		Success:      false,
		IsValid:      true,
		ExceedsLimit: true,
		Warnings: []Warning{{
			Type:    WarningExceedSystemLimit,
			Details: map[string]interface{}{"tenant": TenantKey(rule.Owner(), rule.OrgID())},
		}},
	}
}

// MarshalWarnings 任务日志里 warnings 字段的序列化
func MarshalWarnings(warnings []Warning) string {
	if len(warnings) == 0 {
		return "[]"
	}
	payload, err := json.Marshal(warnings)
	if err != nil {
		return "[]"
	}
	return string(payload)
}

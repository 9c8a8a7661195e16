package models

import "time"

// AutomationRule 自动化规则（由表格应用写入，本引擎只读配置、回写运行状态）
type AutomationRule struct {
	ID              int64      `gorm:"primaryKey" json:"id"`
	RunCondition    string     `gorm:"column:run_condition;size:50;index" json:"run_condition"` // per_update, per_day, per_week, per_month
	Trigger         string     `gorm:"type:text" json:"trigger"`                                // JSON: {condition, table_id, view_id, filters, ...}
	Actions         string     `gorm:"type:text" json:"actions"`                                // JSON: [{type, ...params}]
	DTableUUID      string     `gorm:"column:dtable_uuid;size:36;index" json:"dtable_uuid"`
	LastTriggerTime *time.Time `gorm:"column:last_trigger_time" json:"last_trigger_time"`
	TriggerCount    int64      `gorm:"column:trigger_count;default:0" json:"trigger_count"`
	OrgID           int64      `gorm:"column:org_id;default:-1" json:"org_id"`
	Creator         string     `gorm:"size:255" json:"creator"` // owner
	IsValid         bool       `gorm:"column:is_valid" json:"is_valid"`
	IsPause         bool       `gorm:"column:is_pause;default:false" json:"is_pause"`
}

func (AutomationRule) TableName() string { return "dtable_automation_rules" }

// TaskLog 每次触发一行运行日志，供前端展示
type TaskLog struct {
	ID           int64     `gorm:"primaryKey" json:"id"`
	TriggerTime  time.Time `gorm:"column:trigger_time;index" json:"trigger_time"`
	Success      bool      `gorm:"column:success" json:"success"`
	RuleID       int64     `gorm:"column:rule_id;index" json:"rule_id"`
	RunCondition string    `gorm:"column:run_condition;size:50" json:"run_condition"`
	DTableUUID   string    `gorm:"column:dtable_uuid;size:36;index" json:"dtable_uuid"`
	OrgID        int64     `gorm:"column:org_id;default:-1" json:"org_id"`
	Owner        string    `gorm:"size:255" json:"owner"`
	Warnings     string    `gorm:"type:text" json:"warnings"` // JSON list of tagged records
}

func (TaskLog) TableName() string { return "auto_rules_task_log" }

// UserStatistic 用户月度触发聚合，UNIQUE(username, trigger_date)
type UserStatistic struct {
	ID             int64     `gorm:"primaryKey" json:"id"`
	Username       string    `gorm:"size:255;uniqueIndex:idx_user_trigger_date" json:"username"`
	TriggerDate    time.Time `gorm:"column:trigger_date;uniqueIndex:idx_user_trigger_date" json:"trigger_date"` // 当月 1 号
	TriggerCount   int64     `gorm:"column:trigger_count;default:0" json:"trigger_count"`
	HasSentWarning bool      `gorm:"column:has_sent_warning;default:false" json:"has_sent_warning"`
	WarningLimit   int64     `gorm:"column:warning_limit;default:0" json:"warning_limit"`
	UpdateAt       time.Time `gorm:"column:update_at" json:"update_at"`
}

func (UserStatistic) TableName() string { return "user_auto_rules_statistics" }

// OrgStatistic 组织月度触发聚合，UNIQUE(org_id, trigger_date)
type OrgStatistic struct {
	ID             int64     `gorm:"primaryKey" json:"id"`
	OrgID          int64     `gorm:"column:org_id;uniqueIndex:idx_org_trigger_date" json:"org_id"`
	TriggerDate    time.Time `gorm:"column:trigger_date;uniqueIndex:idx_org_trigger_date" json:"trigger_date"`
	TriggerCount   int64     `gorm:"column:trigger_count;default:0" json:"trigger_count"`
	HasSentWarning bool      `gorm:"column:has_sent_warning;default:false" json:"has_sent_warning"`
	WarningLimit   int64     `gorm:"column:warning_limit;default:0" json:"warning_limit"`
	UpdateAt       time.Time `gorm:"column:update_at" json:"update_at"`
}

func (OrgStatistic) TableName() string { return "org_auto_rules_statistics" }

// UserQuota 按用户的月度触发额度覆盖，0 表示沿用默认
type UserQuota struct {
	Username               string `gorm:"primaryKey;size:255" json:"username"`
	MonthlyAutomationLimit int64  `gorm:"column:monthly_automation_limit_per_user" json:"monthly_automation_limit_per_user"`
}

func (UserQuota) TableName() string { return "user_quota" }

// OrgQuota 按组织的月度触发额度覆盖
type OrgQuota struct {
	OrgID                  int64 `gorm:"primaryKey;column:org_id" json:"org_id"`
	MonthlyAutomationLimit int64 `gorm:"column:monthly_automation_limit_per_user" json:"monthly_automation_limit_per_user"`
}

func (OrgQuota) TableName() string { return "organizations_org_quota" }

// ThirdPartyAccount 第三方账号（企业微信/钉钉 webhook、SMTP 邮箱）
type ThirdPartyAccount struct {
	ID          int64  `gorm:"primaryKey" json:"id"`
	DTableUUID  string `gorm:"column:dtable_uuid;size:36;index" json:"dtable_uuid"`
	AccountName string `gorm:"size:255" json:"account_name"`
	AccountType string `gorm:"size:50" json:"account_type"` // wechat_robot, dingtalk_robot, email
	Detail      string `gorm:"type:text" json:"detail"`     // JSON: {webhook_url} 或 {email_host, email_port, host_user, password}
}

func (ThirdPartyAccount) TableName() string { return "dtable_third_party_accounts" }

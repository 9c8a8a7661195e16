package services

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"autorules/internal/metrics"
	"autorules/internal/models"
	"autorules/pkg/dtable"
)

// NotifyRuleInvalidType 规则失效时发给管理员的站内通知类型
const NotifyRuleInvalidType = "auto_rule_invalid"

// StatsManager 执行结果的记账端：任务日志、规则回写、月度用量、
// 额度告警与限流反馈都收敛在这里，worker 不直接碰数据库。
type StatsManager struct {
	db      *gorm.DB
	limiter *RateLimiter
	quota   *QuotaManager
	api     dtable.API
	logger  *logrus.Logger
}

func NewStatsManager(db *gorm.DB, limiter *RateLimiter, quota *QuotaManager,
	api dtable.API, logger *logrus.Logger) *StatsManager {
	if logger == nil {
		logger = logrus.New()
	}
	return &StatsManager{db: db, limiter: limiter, quota: quota, api: api, logger: logger}
}

// Record 消化一条执行结果。每条出队规则恰好调用一次。
func (s *StatsManager) Record(ctx context.Context, result *ExecutionResult) error {
	// 实时规则的耗时计入租户滑动窗口；被限流的那条不再计,
	// 否则租户永远出不了窗口
	if result.RunCondition == RunPerUpdate && !result.ExceedsLimit {
		s.limiter.RecordTime(result.Owner, result.OrgID, result.RunTime)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		log := &models.TaskLog{
			TriggerTime:  result.TriggerTime,
			Success:      result.Success,
			RuleID:       result.RuleID,
			RunCondition: result.RunCondition,
			DTableUUID:   result.DTableUUID,
			OrgID:        result.OrgID,
			Owner:        result.Owner,
			Warnings:     MarshalWarnings(result.Warnings),
		}
		if err := tx.Create(log).Error; err != nil {
			return err
		}

		// 被限流的执行只留日志行：规则行不动（否则定时规则的
		// last_trigger_time 会被推过 23h/6d/27d 窗口），月度用量也不计
		if result.ExceedsLimit {
			return nil
		}

		updates := map[string]interface{}{
			"last_trigger_time": result.TriggerTime,
			"trigger_count":     gorm.Expr("trigger_count + 1"),
		}
		if !result.IsValid {
			updates["is_valid"] = false
		}
		if err := tx.Model(&models.AutomationRule{}).
			Where("id = ?", result.RuleID).
			Updates(updates).Error; err != nil {
			return err
		}

		return s.bumpUsage(tx, result)
	})
	if err != nil {
		return err
	}

	if !result.ExceedsLimit {
		if err := s.quota.CheckWarning(ctx, result.DTableUUID, result.Owner, result.OrgID); err != nil {
			s.logger.Warnf("quota warning check for rule %d: %v", result.RuleID, err)
		}
	}
	if !result.IsValid {
		s.notifyRuleInvalid(ctx, result)
	}
	return nil
}

// bumpUsage 月度聚合行的 upsert；团队表格记组织行，个人表格记用户行,
// 个人小组哨兵所有者两边都不记
func (s *StatsManager) bumpUsage(tx *gorm.DB, result *ExecutionResult) error {
	month := MonthFirstDay(result.TriggerTime)
	now := time.Now()
	if result.OrgID != -1 {
		stat := &models.OrgStatistic{
			OrgID:        result.OrgID,
			TriggerDate:  month,
			TriggerCount: 1,
			UpdateAt:     now,
		}
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "org_id"}, {Name: "trigger_date"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"trigger_count": gorm.Expr("trigger_count + 1"),
				"update_at":     now,
			}),
		}).Create(stat).Error
	}
	if IsPersonalGroupOwner(result.Owner) {
		return nil
	}
	stat := &models.UserStatistic{
		Username:     result.Owner,
		TriggerDate:  month,
		TriggerCount: 1,
		UpdateAt:     now,
	}
	return tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "username"}, {Name: "trigger_date"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"trigger_count": gorm.Expr("trigger_count + 1"),
			"update_at":     now,
		}),
	}).Create(stat).Error
}

// notifyRuleInvalid 规则翻转为失效时给表格管理员发一条站内通知
func (s *StatsManager) notifyRuleInvalid(ctx context.Context, result *ExecutionResult) {
	users, err := s.api.RelatedUsers(ctx, result.DTableUUID)
	if err != nil {
		s.logger.Warnf("rule %d invalidated, related users lookup failed: %v", result.RuleID, err)
		return
	}
	var notifications []dtable.InternalNotification
	for _, u := range users {
		if !u.IsAdmin {
			continue
		}
		notifications = append(notifications, dtable.InternalNotification{
			ToUser: u.Email,
			Type:   NotifyRuleInvalidType,
			Detail: map[string]interface{}{
				"rule_id":      result.RuleID,
				"rule_name":    result.RuleName,
				"invalid_type": result.InvalidType,
			},
		})
	}
	if len(notifications) == 0 {
		return
	}
	if err := s.api.SendNotification(ctx, result.DTableUUID, notifications); err != nil {
		s.logger.Warnf("rule %d invalidated, admin notification failed: %v", result.RuleID, err)
	}
}

// NotifyViaAPI 额度临界告警的下发端：个人表格发给所有者本人,
// 团队表格广播给表格管理员
func NotifyViaAPI(api dtable.API) WarnFunc {
	return func(ctx context.Context, dtableUUID, owner string, orgID int64, limit, usage int64) {
		detail := map[string]interface{}{
			"limit": limit,
			"usage": usage,
		}
		var notifications []dtable.InternalNotification
		if orgID == -1 {
			notifications = []dtable.InternalNotification{{
				ToUser: owner,
				Type:   NotifyWarningType,
				Detail: detail,
			}}
		} else {
			users, err := api.RelatedUsers(ctx, dtableUUID)
			if err != nil {
				logrus.Warnf("quota warning for org %d: related users: %v", orgID, err)
				return
			}
			for _, u := range users {
				if !u.IsAdmin {
					continue
				}
				notifications = append(notifications, dtable.InternalNotification{
					ToUser: u.Email,
					Type:   NotifyWarningType,
					Detail: detail,
				})
			}
		}
		if len(notifications) == 0 {
			return
		}
		if err := api.SendNotification(ctx, dtableUUID, notifications); err != nil {
			logrus.Warnf("quota warning for %s: send: %v", dtableUUID, err)
		}
	}
}

// AdminNotifier 限流丢弃的聚合通报：按小时批量给受影响租户的
// 表格管理员发一条计数通知，避免每次丢弃都打扰
type AdminNotifier struct {
	api      dtable.API
	interval time.Duration
	logger   *logrus.Logger
}

func NewAdminNotifier(api dtable.API, interval time.Duration, logger *logrus.Logger) *AdminNotifier {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &AdminNotifier{api: api, interval: interval, logger: logger}
}

// Run 周期清账，ctx 取消时把剩余计数冲掉再退出
func (n *AdminNotifier) Run(ctx context.Context) {
	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			n.flush(context.Background())
			return
		case <-ticker.C:
			n.flush(ctx)
		}
	}
}

func (n *AdminNotifier) flush(ctx context.Context) {
	missed := metrics.DrainMissed()
	for dtableUUID, count := range missed {
		if dtableUUID == "unknown" {
			n.logger.Infof("%d drops without a dtable attribution this cycle", count)
			continue
		}
		users, err := n.api.RelatedUsers(ctx, dtableUUID)
		if err != nil {
			n.logger.Warnf("missed-run report for %s: related users: %v", dtableUUID, err)
			continue
		}
		var notifications []dtable.InternalNotification
		for _, u := range users {
			if !u.IsAdmin {
				continue
			}
			notifications = append(notifications, dtable.InternalNotification{
				ToUser: u.Email,
				Type:   NotifyWarningType,
				Detail: map[string]interface{}{
					"dtable_uuid":  dtableUUID,
					"missed_count": count,
				},
			})
		}
		if len(notifications) == 0 {
			continue
		}
		if err := n.api.SendNotification(ctx, dtableUUID, notifications); err != nil {
			n.logger.Warnf("missed-run report for %s: send: %v", dtableUUID, err)
		}
	}
}

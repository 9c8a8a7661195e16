package services

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"autorules/internal/models"
)

// NotifyWarningType 额度临界告警的站内通知类型
const NotifyWarningType = "automation_limit_reach_warning"

// warningRatio 用量达到额度的 90% 时告警
const warningRatio = 0.9

// WarnFunc 由统计侧注入的告警下发回调。org 订阅者收到的是全体管理员广播。
type WarnFunc func(ctx context.Context, dtableUUID, owner string, orgID int64, limit, usage int64)

// QuotaManager 月度触发额度：按主体覆盖值优先，缺省回落到配置默认。
// 额度 < 0 表示不限。
type QuotaManager struct {
	db               *gorm.DB
	defaultUserQuota int64
	defaultOrgQuota  int64
	warn             WarnFunc
	logger           *logrus.Logger
}

func NewQuotaManager(db *gorm.DB, defaultUserQuota, defaultOrgQuota int64, logger *logrus.Logger) *QuotaManager {
	if logger == nil {
		logger = logrus.New()
	}
	return &QuotaManager{
		db:               db,
		defaultUserQuota: defaultUserQuota,
		defaultOrgQuota:  defaultOrgQuota,
		logger:           logger,
	}
}

// SetWarnFunc 注入告警下发回调
func (q *QuotaManager) SetWarnFunc(fn WarnFunc) { q.warn = fn }

// MonthFirstDay 月度聚合行的键：当月 1 号 00:00 UTC
func MonthFirstDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// UserLimit 用户额度：覆盖行非零优先，否则配置默认
func (q *QuotaManager) UserLimit(ctx context.Context, username string) (int64, error) {
	var row models.UserQuota
	err := q.db.WithContext(ctx).Where("username = ?", username).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return q.defaultUserQuota, nil
		}
		return 0, err
	}
	if row.MonthlyAutomationLimit == 0 {
		return q.defaultUserQuota, nil
	}
	return row.MonthlyAutomationLimit, nil
}

// OrgLimit 组织额度
func (q *QuotaManager) OrgLimit(ctx context.Context, orgID int64) (int64, error) {
	var row models.OrgQuota
	err := q.db.WithContext(ctx).Where("org_id = ?", orgID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return q.defaultOrgQuota, nil
		}
		return 0, err
	}
	if row.MonthlyAutomationLimit == 0 {
		return q.defaultOrgQuota, nil
	}
	return row.MonthlyAutomationLimit, nil
}

// UserUsage 当月已触发次数
func (q *QuotaManager) UserUsage(ctx context.Context, username string) (int64, error) {
	var row models.UserStatistic
	err := q.db.WithContext(ctx).
		Where("username = ? AND trigger_date = ?", username, MonthFirstDay(time.Now())).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return row.TriggerCount, nil
}

func (q *QuotaManager) OrgUsage(ctx context.Context, orgID int64) (int64, error) {
	var row models.OrgStatistic
	err := q.db.WithContext(ctx).
		Where("org_id = ? AND trigger_date = ?", orgID, MonthFirstDay(time.Now())).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return row.TriggerCount, nil
}

// IsExceeded 准入判定：usage >= quota 拒绝；额度为负不限；团队表格豁免
func (q *QuotaManager) IsExceeded(ctx context.Context, owner string, orgID int64) (bool, error) {
	if IsPersonalGroupOwner(owner) {
		return false, nil
	}
	var limit, usage int64
	var err error
	if orgID != -1 {
		if limit, err = q.OrgLimit(ctx, orgID); err != nil {
			return false, err
		}
		if usage, err = q.OrgUsage(ctx, orgID); err != nil {
			return false, err
		}
	} else {
		if limit, err = q.UserLimit(ctx, owner); err != nil {
			return false, err
		}
		if usage, err = q.UserUsage(ctx, owner); err != nil {
			return false, err
		}
	}
	if limit < 0 {
		return false, nil
	}
	return usage >= limit, nil
}

// CheckWarning 用量到达额度 90% 时下发一次告警。has_sent_warning 保证同一
// warning_limit 只告警一次；额度被上调后按新阈值重新触发。
func (q *QuotaManager) CheckWarning(ctx context.Context, dtableUUID, owner string, orgID int64) error {
	if orgID == -1 && IsPersonalGroupOwner(owner) {
		return nil
	}
	month := MonthFirstDay(time.Now())

	if orgID != -1 {
		limit, err := q.OrgLimit(ctx, orgID)
		if err != nil || limit < 0 {
			return err
		}
		var row models.OrgStatistic
		if err := q.db.WithContext(ctx).
			Where("org_id = ? AND trigger_date = ?", orgID, month).
			Take(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		if !shouldWarn(row.TriggerCount, limit, row.HasSentWarning, row.WarningLimit) {
			return nil
		}
		if q.warn != nil {
			q.warn(ctx, dtableUUID, owner, orgID, limit, row.TriggerCount)
		}
		return q.db.WithContext(ctx).Model(&models.OrgStatistic{}).
			Where("org_id = ? AND trigger_date = ?", orgID, month).
			Updates(map[string]interface{}{"has_sent_warning": true, "warning_limit": limit}).Error
	}

	limit, err := q.UserLimit(ctx, owner)
	if err != nil || limit < 0 {
		return err
	}
	var row models.UserStatistic
	if err := q.db.WithContext(ctx).
		Where("username = ? AND trigger_date = ?", owner, month).
		Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	if !shouldWarn(row.TriggerCount, limit, row.HasSentWarning, row.WarningLimit) {
		return nil
	}
	if q.warn != nil {
		q.warn(ctx, dtableUUID, owner, orgID, limit, row.TriggerCount)
	}
	return q.db.WithContext(ctx).Model(&models.UserStatistic{}).
		Where("username = ? AND trigger_date = ?", owner, month).
		Updates(map[string]interface{}{"has_sent_warning": true, "warning_limit": limit}).Error
}

func shouldWarn(usage, limit int64, hasSent bool, warnedLimit int64) bool {
	if float64(usage) < warningRatio*float64(limit) {
		return false
	}
	if !hasSent {
		return true
	}
	// 已告警过，但额度调整后阈值不同，需要按新额度再告警一次
	return warnedLimit != limit
}

package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"autorules/internal/metrics"
	"autorules/internal/models"
	"autorules/pkg/dtable"
)

// Scanner 周期规则的整点扫描器：每小时过一遍到期规则,
// 时刻门与月度额度都通过的才入队。
type Scanner struct {
	db       *gorm.DB
	api      dtable.API
	quota    *QuotaManager
	pipeline *Pipeline
	grace    time.Duration
	logger   *logrus.Logger
	cron     *cron.Cron
}

func NewScanner(db *gorm.DB, api dtable.API, quota *QuotaManager, pipeline *Pipeline,
	grace time.Duration, logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}
	return &Scanner{
		db:       db,
		api:      api,
		quota:    quota,
		pipeline: pipeline,
		grace:    grace,
		logger:   logger,
	}
}

func (s *Scanner) Start() error {
	s.cron = cron.New()
	if _, err := s.cron.AddFunc("0 * * * *", func() { s.Sweep(context.Background()) }); err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop 等在途 sweep 结束再返回
func (s *Scanner) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

// Sweep 单轮扫描。元数据缓存只活一轮，同一 sweep 内多条规则
// 命中同一张表时不重复拉取。
func (s *Scanner) Sweep(ctx context.Context) {
	now := time.Now()
	var rows []models.AutomationRule
	err := s.db.WithContext(ctx).
		Where("run_condition IN ? AND is_valid = ? AND is_pause = ?",
			[]string{RunPerDay, RunPerWeek, RunPerMonth}, true, false).
		Find(&rows).Error
	if err != nil {
		s.logger.Errorf("scan scheduled rules: %v", err)
		return
	}

	cache := NewIntervalCache(s.api)
	// 同一租户多条规则的额度裁决在一轮内只查一次库
	exceededMemo := make(map[string]bool)
	enqueued := 0
	for _, row := range rows {
		rule, err := NewRule(row)
		if err != nil {
			s.logger.Warnf("skip rule %d: %v", row.ID, err)
			continue
		}
		if !rule.DueForScan(now) || !rule.TimeGateMatches(now, s.grace) {
			continue
		}

		tenant := TenantKey(rule.Owner(), rule.OrgID())
		exceeded, ok := exceededMemo[tenant]
		if !ok {
			exceeded, err = s.quota.IsExceeded(ctx, rule.Owner(), rule.OrgID())
			if err != nil {
				s.logger.Errorf("quota check for rule %d: %v", rule.Model.ID, err)
				continue
			}
			exceededMemo[tenant] = exceeded
		}
		if exceeded {
			s.logger.Infof("rule %d skipped: tenant %s over monthly quota", rule.Model.ID, tenant)
			continue
		}

		task := &Task{ID: uuid.NewString(), Rule: rule, Scheduled: true, Metadata: cache}
		if !s.pipeline.TryEnqueue(task) {
			s.logger.Warnf("queue full, scheduled rule %d postponed to next sweep", rule.Model.ID)
			metrics.IncMissed(rule.Model.DTableUUID)
			continue
		}
		metrics.IncScheduledTriggered()
		enqueued++
	}
	s.logger.Infof("scheduled sweep done: %d/%d rules enqueued", enqueued, len(rows))
}

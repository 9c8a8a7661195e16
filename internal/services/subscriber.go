package services

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"autorules/internal/metrics"
	"autorules/internal/models"
)

// 订阅静默多久后打一条存活日志
const quietLogInterval = 10 * time.Minute

// Subscriber 实时事件入口：消费 redis 频道，对每条事件做准入裁决,
// 通过的塞进执行管线。订阅断开后退避重连，事件只在进程内存在。
type Subscriber struct {
	rdb      *redis.Client
	db       *gorm.DB
	limiter  *RateLimiter
	quota    *QuotaManager
	burst    *BurstStore
	cache    *InstantCache
	pipeline *Pipeline
	logger   *logrus.Logger
	done     chan struct{}
}

func NewSubscriber(rdb *redis.Client, db *gorm.DB, limiter *RateLimiter, quota *QuotaManager,
	burst *BurstStore, cache *InstantCache, pipeline *Pipeline, logger *logrus.Logger) *Subscriber {
	if logger == nil {
		logger = logrus.New()
	}
	return &Subscriber{
		rdb:      rdb,
		db:       db,
		limiter:  limiter,
		quota:    quota,
		burst:    burst,
		cache:    cache,
		pipeline: pipeline,
		logger:   logger,
		done:     make(chan struct{}),
	}
}

// Run 订阅主循环；ctx 取消后返回
func (s *Subscriber) Run(ctx context.Context) {
	defer close(s.done)
	backoff := time.Second
	for {
		if err := s.consume(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warnf("event subscription lost: %v, reconnecting in %s", err, backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		return
	}
}

// Wait 阻塞到 Run 退出。必须在入队目标管线关闭之前调用,
// 否则在途事件可能往已关闭的通道上发
func (s *Subscriber) Wait() {
	<-s.done
}

func (s *Subscriber) consume(ctx context.Context) error {
	sub := s.rdb.Subscribe(ctx, EventChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	s.logger.Infof("subscribed to %s", EventChannel)

	ch := sub.Channel()
	quiet := time.NewTimer(quietLogInterval)
	defer quiet.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-quiet.C:
			// 频道长期无消息多半是发布端挂了，留痕便于排查
			s.logger.Infof("no events on %s for %s", EventChannel, quietLogInterval)
			metrics.Beat()
			quiet.Reset(quietLogInterval)
		case msg, ok := <-ch:
			if !ok {
				return errors.New("subscription channel closed")
			}
			metrics.Beat()
			if !quiet.Stop() {
				select {
				case <-quiet.C:
				default:
				}
			}
			quiet.Reset(quietLogInterval)
			s.handle(ctx, msg.Payload)
		}
	}
}

// handle 单条事件的准入裁决；任何一步不过都留 debug 痕迹后丢弃
func (s *Subscriber) handle(ctx context.Context, payload string) {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		s.logger.Warnf("drop undecodable event: %v", err)
		return
	}

	var row models.AutomationRule
	err := s.db.WithContext(ctx).
		Where("id = ? AND dtable_uuid = ?", event.AutomationRuleID, event.DTableUUID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		s.logger.Debugf("event for unknown rule %d", event.AutomationRuleID)
		return
	}
	if err != nil {
		s.logger.Errorf("load rule %d: %v", event.AutomationRuleID, err)
		return
	}
	if !row.IsValid || row.IsPause {
		return
	}
	rule, err := NewRule(row)
	if err != nil {
		s.logger.Warnf("skip rule %d: %v", row.ID, err)
		return
	}

	// 限流拒绝要产生一条可见的失败记录，额度超限则静默丢弃
	if !s.limiter.IsAllowed(rule.Owner(), rule.OrgID()) {
		s.logger.Infof("rule %d rejected: tenant %s over rate limit",
			rule.Model.ID, TenantKey(rule.Owner(), rule.OrgID()))
		metrics.IncMissed(rule.Model.DTableUUID)
		s.pipeline.RecordResult(ExceedLimitResult(rule, time.Now()))
		return
	}
	exceeded, err := s.quota.IsExceeded(ctx, rule.Owner(), rule.OrgID())
	if err != nil {
		s.logger.Errorf("quota check for rule %d: %v", rule.Model.ID, err)
		return
	}
	if exceeded {
		s.logger.Infof("rule %d dropped: tenant %s over monthly quota",
			rule.Model.ID, TenantKey(rule.Owner(), rule.OrgID()))
		return
	}
	if !rule.CanDoActions(ctx, &event, s.burst, time.Now()) {
		s.logger.Debugf("rule %d not eligible for op %s", rule.Model.ID, event.OpType)
		return
	}
	if !s.filtersSatisfied(ctx, rule, &event) {
		return
	}

	task := &Task{ID: uuid.NewString(), Rule: rule, Event: &event, Metadata: s.cache}
	if !s.pipeline.TryEnqueue(task) {
		s.logger.Warnf("queue full, drop event for rule %d", rule.Model.ID)
		metrics.IncMissed(rule.Model.DTableUUID)
		return
	}
	metrics.IncRealtimeTriggered()
}

// filtersSatisfied filters_satisfy 条件在入队前本地求值，
// 不满足的事件根本不占 worker
func (s *Subscriber) filtersSatisfied(ctx context.Context, rule *Rule, event *Event) bool {
	if rule.Trigger.Condition != ConditionFiltersSatisfy || len(rule.Trigger.Filters) == 0 {
		return true
	}
	md, err := s.cache.Get(ctx, rule.Model.DTableUUID)
	if err != nil {
		// 元数据取不到时放行，交给执行期裁决
		s.logger.Warnf("metadata for %s: %v", rule.Model.DTableUUID, err)
		return true
	}
	table := md.FindTable(rule.Trigger.TableID, event.TableName)
	if table == nil {
		return false
	}
	return RowSatisfiesFilters(table, event.ConvertedRow, rule.Trigger.Filters, rule.Trigger.FilterConjunction)
}

package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"autorules/pkg/dtable"
)

const (
	metadataKeyPrefix = "dtable:metadata:"
	metadataTTL       = 60 * time.Second

	burstKeyPrefix = "automation:burst:"
	burstLen       = 10
)

// KV 实例缓存与滚动触发列表依赖的最小 KV 能力（redis 实现，测试里用假实现）
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	PushTrim(ctx context.Context, key, value string, limit int64) error
	Range(ctx context.Context, key string, start, stop int64) ([]string, error)
}

type redisKV struct {
	rdb *redis.Client
}

// NewRedisKV 包装 go-redis 客户端
func NewRedisKV(rdb *redis.Client) KV {
	return &redisKV{rdb: rdb}
}

func (r *redisKV) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (r *redisKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.rdb.Set(ctx, key, value, ttl).Err()
}

func (r *redisKV) Del(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, key).Err()
}

func (r *redisKV) PushTrim(ctx context.Context, key, value string, limit int64) error {
	pipe := r.rdb.TxPipeline()
	pipe.LPush(ctx, key, value)
	pipe.LTrim(ctx, key, 0, limit-1)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *redisKV) Range(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return r.rdb.LRange(ctx, key, start, stop).Result()
}

// MetadataSource 规则执行期间读取元数据的入口
type MetadataSource interface {
	Get(ctx context.Context, dtableUUID string) (*dtable.Metadata, error)
	Clean(ctx context.Context, dtableUUID string)
}

// InstantCache 即时元数据缓存：共享 KV，60 秒 TTL，读穿透
type InstantCache struct {
	kv     KV
	api    dtable.API
	logger *logrus.Logger
}

func NewInstantCache(kv KV, api dtable.API, logger *logrus.Logger) *InstantCache {
	if logger == nil {
		logger = logrus.New()
	}
	return &InstantCache{kv: kv, api: api, logger: logger}
}

func (c *InstantCache) Get(ctx context.Context, dtableUUID string) (*dtable.Metadata, error) {
	key := metadataKeyPrefix + dtableUUID
	if val, ok, err := c.kv.Get(ctx, key); err == nil && ok {
		var md dtable.Metadata
		if err := json.Unmarshal([]byte(val), &md); err == nil {
			return &md, nil
		}
		// 缓存脏数据：删掉走回源
		_ = c.kv.Del(ctx, key)
	} else if err != nil {
		c.logger.Warnf("metadata cache: read %s failed: %v", dtableUUID, err)
	}

	md, err := c.api.Metadata(ctx, dtableUUID)
	if err != nil {
		return nil, err
	}
	if payload, err := json.Marshal(md); err == nil {
		if err := c.kv.Set(ctx, key, string(payload), metadataTTL); err != nil {
			c.logger.Warnf("metadata cache: write %s failed: %v", dtableUUID, err)
		}
	}
	return md, nil
}

func (c *InstantCache) Clean(ctx context.Context, dtableUUID string) {
	if err := c.kv.Del(ctx, metadataKeyPrefix+dtableUUID); err != nil {
		c.logger.Warnf("metadata cache: clean %s failed: %v", dtableUUID, err)
	}
}

// IntervalCache 周期扫描批次内的进程内元数据缓存，无 TTL，批次结束即整体丢弃。
// 同一批次可能被多个 worker 并发读，挂锁保护。
type IntervalCache struct {
	api dtable.API

	mu      sync.Mutex
	entries map[string]*dtable.Metadata
}

func NewIntervalCache(api dtable.API) *IntervalCache {
	return &IntervalCache{api: api, entries: make(map[string]*dtable.Metadata)}
}

func (c *IntervalCache) Get(ctx context.Context, dtableUUID string) (*dtable.Metadata, error) {
	c.mu.Lock()
	if md, ok := c.entries[dtableUUID]; ok {
		c.mu.Unlock()
		return md, nil
	}
	c.mu.Unlock()

	md, err := c.api.Metadata(ctx, dtableUUID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.entries[dtableUUID] = md
	c.mu.Unlock()
	return md, nil
}

func (c *IntervalCache) Clean(ctx context.Context, dtableUUID string) {
	c.mu.Lock()
	delete(c.entries, dtableUUID)
	c.mu.Unlock()
}

// BurstStore 每条规则最近 10 次触发时间戳的滚动列表。读-改-写是尽力而为：
// 竞争最多造成 10/分钟 限制的轻微超放
type BurstStore struct {
	kv KV
}

func NewBurstStore(kv KV) *BurstStore {
	return &BurstStore{kv: kv}
}

// Allow 列表满且最老一条距今不足 60 秒时拒绝；其余情况放行并记录本次触发
func (b *BurstStore) Allow(ctx context.Context, ruleID int64, now time.Time) (bool, error) {
	key := fmt.Sprintf("%s%d", burstKeyPrefix, ruleID)
	entries, err := b.kv.Range(ctx, key, 0, burstLen-1)
	if err != nil {
		return true, err
	}
	if len(entries) >= burstLen {
		oldest, err := strconv.ParseInt(entries[len(entries)-1], 10, 64)
		if err == nil && now.Unix()-oldest < 60 {
			return false, nil
		}
	}
	if err := b.kv.PushTrim(ctx, key, strconv.FormatInt(now.Unix(), 10), burstLen); err != nil {
		return true, err
	}
	return true, nil
}

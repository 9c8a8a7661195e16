package services

import (
	"strconv"
	"sync"
	"time"
)

// RateLimiter 按租户的滑动窗口公平限流。统计的不是请求数而是
// 规则执行消耗的挂钟秒数：窗口内某租户占用超过 percent% 即拒绝准入，
// 直到窗口翻转。团队表格（personal group）豁免。
type RateLimiter struct {
	windowSecs int
	percent    int

	mu          sync.Mutex
	windowStart time.Time
	counters    map[string]float64 // tenant key -> accumulated run seconds
}

func NewRateLimiter(windowSecs, percent int) *RateLimiter {
	if windowSecs <= 0 {
		windowSecs = 300
	}
	if percent <= 0 {
		percent = 25
	}
	return &RateLimiter{
		windowSecs:  windowSecs,
		percent:     percent,
		windowStart: time.Now(),
		counters:    make(map[string]float64),
	}
}

// TenantKey 组织表格按 org_id 计，个人表格按 owner 计
func TenantKey(owner string, orgID int64) string {
	if orgID != -1 {
		return "org-" + strconv.FormatInt(orgID, 10)
	}
	return owner
}

// IsAllowed 判定该租户当前窗口是否还可准入
func (rl *RateLimiter) IsAllowed(owner string, orgID int64) bool {
	if IsPersonalGroupOwner(owner) {
		return true
	}
	key := TenantKey(owner, orgID)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if time.Since(rl.windowStart) > time.Duration(rl.windowSecs)*time.Second {
		// 窗口已过期，视作全新窗口；计数惰性地在下次 RecordTime 清零
		return true
	}
	share := rl.counters[key] / float64(rl.windowSecs)
	return share <= float64(rl.percent)/100
}

// RecordTime 把一次执行耗时累加到该租户的当前窗口
func (rl *RateLimiter) RecordTime(owner string, orgID int64, runTime float64) {
	if IsPersonalGroupOwner(owner) {
		return
	}
	key := TenantKey(owner, orgID)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if time.Since(rl.windowStart) > time.Duration(rl.windowSecs)*time.Second {
		rl.counters = make(map[string]float64)
		rl.windowStart = time.Now()
	}
	rl.counters[key] += runTime
}

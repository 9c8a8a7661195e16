package services

import (
	"sync"
	"time"
)

// breakerState 脚本运行器熔断状态
type breakerState int

const (
	breakerClosed   breakerState = iota // 正常
	breakerOpen                         // 熔断
	breakerHalfOpen                     // 试探
)

func (s breakerState) String() string {
	switch s {
	case breakerClosed:
		return "closed"
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker 保护脚本运行器：连续失败过多后短路请求一段时间，
// 超时后放少量试探请求探测恢复
type Breaker struct {
	maxFailures     int
	resetTimeout    time.Duration
	halfOpenMaxReqs int

	mu           sync.Mutex
	state        breakerState
	failureCount int
	lastFailTime time.Time
	halfOpenReqs int
}

func NewBreaker() *Breaker {
	return &Breaker{
		maxFailures:     5,
		resetTimeout:    60 * time.Second,
		halfOpenMaxReqs: 3,
	}
}

// Allow 是否放行本次请求
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if time.Since(b.lastFailTime) > b.resetTimeout {
			// 触发转换的这次请求本身也算一次试探
			b.state = breakerHalfOpen
			b.halfOpenReqs = 1
			return true
		}
		return false
	default: // half-open
		if b.halfOpenReqs < b.halfOpenMaxReqs {
			b.halfOpenReqs++
			return true
		}
		return false
	}
}

// RecordSuccess 成功即复位
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = breakerClosed
	b.failureCount = 0
	b.halfOpenReqs = 0
}

// RecordFailure 半开试探失败立即回到熔断；关闭态累计到阈值熔断
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastFailTime = time.Now()
	if b.state == breakerHalfOpen {
		b.state = breakerOpen
		return
	}
	b.failureCount++
	if b.failureCount >= b.maxFailures {
		b.state = breakerOpen
	}
}

// State 当前状态（状态快照接口用）
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.String()
}

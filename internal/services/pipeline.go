package services

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Pipeline 有界任务队列 + 固定 worker 池 + 单结果消费者。
// worker 只执行，记账全部走结果通道，数据库压力与执行解耦。
type Pipeline struct {
	tasks   chan *Task
	results chan *ExecutionResult

	runtime *Runtime
	stats   *StatsManager
	workers int
	logger  *logrus.Logger

	cancel   context.CancelFunc
	workerWg sync.WaitGroup
	resultWg sync.WaitGroup
}

func NewPipeline(runtime *Runtime, stats *StatsManager, workers, queueSize int, logger *logrus.Logger) *Pipeline {
	if workers <= 0 {
		workers = 5
	}
	if queueSize <= 0 {
		queueSize = 1000
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Pipeline{
		tasks:   make(chan *Task, queueSize),
		results: make(chan *ExecutionResult, queueSize),
		runtime: runtime,
		stats:   stats,
		workers: workers,
		logger:  logger,
	}
}

func (p *Pipeline) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.workers; i++ {
		p.workerWg.Add(1)
		go p.worker(ctx, i)
	}
	p.resultWg.Add(1)
	go p.consumeResults()
}

// Stop 先停进水再停出水：关任务队列、等 worker 清空，超时则
// 取消在途执行，最后关结果通道等记账收尾。
func (p *Pipeline) Stop(drainTimeout time.Duration) {
	close(p.tasks)
	done := make(chan struct{})
	go func() {
		p.workerWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		p.logger.Warn("pipeline drain deadline exceeded, cancelling in-flight rules")
		p.cancel()
		<-done
	}
	p.cancel()
	close(p.results)
	p.resultWg.Wait()
}

// TryEnqueue 非阻塞入队；队列满返回 false，调用方决定丢弃语义
func (p *Pipeline) TryEnqueue(task *Task) bool {
	select {
	case p.tasks <- task:
		return true
	default:
		return false
	}
}

// QueueSize 当前积压，指标发布器周期读取
func (p *Pipeline) QueueSize() int {
	return len(p.tasks)
}

// RecordResult 不经 worker 的结果（限流拒绝）也走同一个记账口
func (p *Pipeline) RecordResult(result *ExecutionResult) {
	p.results <- result
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.workerWg.Done()
	for task := range p.tasks {
		result := p.runtime.Execute(ctx, task)
		p.logger.WithFields(logrus.Fields{
			"worker":   id,
			"task_id":  task.ID,
			"rule_id":  result.RuleID,
			"success":  result.Success,
			"run_time": result.RunTime,
		}).Debug("rule executed")
		p.results <- result
	}
}

func (p *Pipeline) consumeResults() {
	defer p.resultWg.Done()
	for result := range p.results {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := p.stats.Record(ctx, result); err != nil {
			p.logger.Errorf("record result for rule %d: %v", result.RuleID, err)
		}
		cancel()
	}
}

package metrics

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// MetricChannel 指标聚合器订阅的 pub/sub 频道
const MetricChannel = "metric_channel"

const componentName = "automation-rules"

// MetricMessage metric_channel 上的消息格式
type MetricMessage struct {
	MetricName    string                 `json:"metric_name"`
	MetricType    string                 `json:"metric_type"`
	MetricHelp    string                 `json:"metric_help"`
	ComponentName string                 `json:"component_name"`
	NodeName      string                 `json:"node_name"`
	MetricValue   float64                `json:"metric_value"`
	Details       map[string]interface{} `json:"details,omitempty"`
}

// Publisher 周期性把流水线 gauge 发布到 redis metric_channel
type Publisher struct {
	rdb       *redis.Client
	nodeName  string
	interval  time.Duration
	queueSize func() int
	logger    *logrus.Logger
}

func NewPublisher(rdb *redis.Client, nodeName string, queueSize func() int, logger *logrus.Logger) *Publisher {
	if logger == nil {
		logger = logrus.New()
	}
	return &Publisher{
		rdb:       rdb,
		nodeName:  nodeName,
		interval:  30 * time.Second,
		queueSize: queueSize,
		logger:    logger,
	}
}

// Run 周期发布直到 ctx 取消
func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishAll(ctx)
		}
	}
}

func (p *Publisher) publishAll(ctx context.Context) {
	realtime, scheduled := Snapshot()
	gauges := []MetricMessage{
		{MetricName: GaugeQueueSize, MetricHelp: "admitted rules waiting for a worker", MetricValue: float64(p.queueSize())},
		{MetricName: GaugeRealtimeCount, MetricHelp: "realtime rules admitted since start", MetricValue: float64(realtime)},
		{MetricName: GaugeScheduledCount, MetricHelp: "scheduled rules admitted since start", MetricValue: float64(scheduled)},
		{MetricName: GaugeHeartbeat, MetricHelp: "subscriber loop heartbeat, unix seconds", MetricValue: float64(Heartbeat())},
	}
	for i := range gauges {
		gauges[i].MetricType = "gauge"
		gauges[i].ComponentName = componentName
		gauges[i].NodeName = p.nodeName
		if err := p.publish(ctx, gauges[i]); err != nil {
			p.logger.Warnf("metrics: publish %s failed: %v", gauges[i].MetricName, err)
			return
		}
	}
}

func (p *Publisher) publish(ctx context.Context, msg MetricMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, MetricChannel, payload).Err()
}

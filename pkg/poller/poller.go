package poller

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/haolipeng/morepork/pkg/metrics"
	"github.com/haolipeng/morepork/pkg/types"
)

// DefaultInterval 默认轮询周期
const DefaultInterval = 10 * time.Second

// Requester 向交换机发起统计请求，回复通过连接层回调异步到达
type Requester interface {
	Datapaths() []uint64
	RequestPortStats(dpid uint64) error
	RequestFlowStats(dpid uint64, table uint8) error
}

// Scheduler 周期性地向所有已连接交换机请求统计
type Scheduler struct {
	interval  time.Duration
	requester Requester
	metrics   *metrics.DetectionMetrics

	// flowTable 不为空时同时请求该表的流统计
	flowTable *uint8
}

// NewScheduler 创建轮询调度器
func NewScheduler(interval time.Duration, r Requester, m *metrics.DetectionMetrics) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if m == nil {
		m = &metrics.DetectionMetrics{}
	}
	return &Scheduler{
		interval:  interval,
		requester: r,
		metrics:   m,
	}
}

// WithFlowStats 每个周期额外请求table的流统计，用于阻断规则过期
func (s *Scheduler) WithFlowStats(table uint8) *Scheduler {
	s.flowTable = types.TableRef(table)
	return s
}

// Interval 轮询周期
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// Run 阻塞直到ctx取消
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	logrus.Infof("Polling switches every %s", s.interval)

	for {
		select {
		case <-ctx.Done():
			logrus.Info("Poller stopped")
			return
		case <-ticker.C:
			s.Poll()
		}
	}
}

// Poll 执行一次轮询
func (s *Scheduler) Poll() {
	s.metrics.IncrementPolls()

	for _, dpid := range s.requester.Datapaths() {
		log := logrus.WithField("dpid", types.FormatDpid(dpid))

		if err := s.requester.RequestPortStats(dpid); err != nil {
			log.Warnf("Port stats request failed: %v", err)
			continue
		}
		if s.flowTable != nil {
			if err := s.requester.RequestFlowStats(dpid, *s.flowTable); err != nil {
				log.Warnf("Flow stats request failed: %v", err)
			}
		}
	}
}

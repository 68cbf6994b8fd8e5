package controller

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/haolipeng/morepork/pkg/collector"
	"github.com/haolipeng/morepork/pkg/firewall"
	"github.com/haolipeng/morepork/pkg/metrics"
	"github.com/haolipeng/morepork/pkg/mirror"
	"github.com/haolipeng/morepork/pkg/pipeline"
	"github.com/haolipeng/morepork/pkg/tripwire"
	"github.com/haolipeng/morepork/pkg/types"
)

// Controller 把交换机事件串成检测和响应流程
//
//	port stats -> collector -> tripwire -> mirror
//	flow stats -> firewall expiry
type Controller struct {
	// cycle 保证一次判定只看到在它之前推入的采样
	cycle sync.Mutex

	pipe      pipeline.Pipeline
	collector *collector.Collector
	tripwire  *tripwire.Tripwire
	mirror    *mirror.Controller
	firewall  *firewall.Controller
	metrics   *metrics.DetectionMetrics
}

// New 创建控制器
func New(pipe pipeline.Pipeline, c *collector.Collector, tw *tripwire.Tripwire,
	mc *mirror.Controller, fw *firewall.Controller, m *metrics.DetectionMetrics) *Controller {
	if m == nil {
		m = &metrics.DetectionMetrics{}
	}
	return &Controller{
		pipe:      pipe,
		collector: c,
		tripwire:  tw,
		mirror:    mc,
		firewall:  fw,
		metrics:   m,
	}
}

// SwitchConnected 清空交换机流表，安装各层默认规则并补装全网阻断。
// 同一dpid的新连接会替换旧连接而不触发断开，所以这里同样丢弃旧状态
func (c *Controller) SwitchConnected(dpid uint64) {
	c.cycle.Lock()
	defer c.cycle.Unlock()

	c.collector.Forget(dpid)
	c.mirror.ForgetDatapath(dpid)

	err := c.pipe.Apply(dpid, &types.FlowMod{Command: types.FlowDelete, TableID: types.TableAll})
	if err != nil {
		logrus.Warnf("Clear flows on switch %s failed: %v", types.FormatDpid(dpid), err)
	}
	c.pipe.InstallDefaults(dpid)
	c.firewall.ReinstallFor(dpid)
}

// SwitchDisconnected 丢弃交换机相关的状态
func (c *Controller) SwitchDisconnected(dpid uint64) {
	c.cycle.Lock()
	defer c.cycle.Unlock()

	c.collector.Forget(dpid)
	c.mirror.ForgetDatapath(dpid)
	c.firewall.ForgetDatapath(dpid)
}

// PortStatsReceived 一个完整的检测周期
func (c *Controller) PortStatsReceived(dpid uint64, samples []types.PortStatsSample) {
	c.metrics.IncrementStatsReplies()
	c.metrics.AddSamples(len(samples))

	c.cycle.Lock()
	defer c.cycle.Unlock()

	c.collector.Push(dpid, samples)
	judgments := c.tripwire.Evaluate(c.collector)
	c.tripwire.Report(judgments)
	c.mirror.Reconcile(judgments)
}

// FlowStatsReceived 阻断规则过期检查，以及基于流的检测入口
func (c *Controller) FlowStatsReceived(dpid uint64, stats []types.FlowStat) {
	c.firewall.ExpireIdle(dpid, stats)

	if judgments := c.tripwire.EvaluateFlows(dpid, stats); len(judgments) > 0 {
		c.cycle.Lock()
		c.mirror.Reconcile(judgments)
		c.cycle.Unlock()
	}
}

package metrics

import (
	"sync/atomic"
)

// DetectionMetrics 端口统计和阈值判定相关计数
type DetectionMetrics struct {
	Polls            uint64
	StatsReplies     uint64
	SamplesReceived  uint64
	Judgments        uint64
	Tripped          uint64
	DerivativeErrors uint64 // 时间差为0导致求导失败
}

func (m *DetectionMetrics) IncrementPolls() {
	atomic.AddUint64(&m.Polls, 1)
}

func (m *DetectionMetrics) IncrementStatsReplies() {
	atomic.AddUint64(&m.StatsReplies, 1)
}

func (m *DetectionMetrics) AddSamples(n int) {
	atomic.AddUint64(&m.SamplesReceived, uint64(n))
}

func (m *DetectionMetrics) IncrementJudgments(tripped bool) {
	atomic.AddUint64(&m.Judgments, 1)
	if tripped {
		atomic.AddUint64(&m.Tripped, 1)
	}
}

func (m *DetectionMetrics) IncrementDerivativeErrors() {
	atomic.AddUint64(&m.DerivativeErrors, 1)
}

// ResponseMetrics 镜像和防火墙动作计数
type ResponseMetrics struct {
	MirrorInstalls uint64
	MirrorRemoves  uint64
	Blocks         uint64
	Unblocks       uint64
	Expired        uint64
	FlowModsSent   uint64
	FlowModsFailed uint64
}

func (m *ResponseMetrics) IncrementMirrorInstalls() {
	atomic.AddUint64(&m.MirrorInstalls, 1)
}

func (m *ResponseMetrics) IncrementMirrorRemoves() {
	atomic.AddUint64(&m.MirrorRemoves, 1)
}

func (m *ResponseMetrics) IncrementBlocks() {
	atomic.AddUint64(&m.Blocks, 1)
}

func (m *ResponseMetrics) IncrementUnblocks() {
	atomic.AddUint64(&m.Unblocks, 1)
}

func (m *ResponseMetrics) IncrementExpired() {
	atomic.AddUint64(&m.Expired, 1)
}

// RecordFlowMod 记录一次流表下发结果
func (m *ResponseMetrics) RecordFlowMod(err error) {
	if err != nil {
		atomic.AddUint64(&m.FlowModsFailed, 1)
		return
	}
	atomic.AddUint64(&m.FlowModsSent, 1)
}

// AlertMetrics IDS告警接收计数
type AlertMetrics struct {
	AlertsReceived  uint64
	AlertsMalformed uint64
	AlertsFiltered  uint64 // 被过滤表达式丢弃
	HandlerPanics   uint64
}

func (m *AlertMetrics) IncrementReceived() {
	atomic.AddUint64(&m.AlertsReceived, 1)
}

func (m *AlertMetrics) IncrementMalformed() {
	atomic.AddUint64(&m.AlertsMalformed, 1)
}

func (m *AlertMetrics) IncrementFiltered() {
	atomic.AddUint64(&m.AlertsFiltered, 1)
}

func (m *AlertMetrics) IncrementHandlerPanics() {
	atomic.AddUint64(&m.HandlerPanics, 1)
}

// ControllerMetrics 汇总所有组件的计数
type ControllerMetrics struct {
	Detection DetectionMetrics
	Response  ResponseMetrics
	Alert     AlertMetrics
}

// New 创建计数器集合
func New() *ControllerMetrics {
	return &ControllerMetrics{}
}

// GetStats 返回所有计数的快照
func (m *ControllerMetrics) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"polls":             atomic.LoadUint64(&m.Detection.Polls),
		"stats_replies":     atomic.LoadUint64(&m.Detection.StatsReplies),
		"samples_received":  atomic.LoadUint64(&m.Detection.SamplesReceived),
		"judgments":         atomic.LoadUint64(&m.Detection.Judgments),
		"tripped":           atomic.LoadUint64(&m.Detection.Tripped),
		"derivative_errors": atomic.LoadUint64(&m.Detection.DerivativeErrors),
		"mirror_installs":   atomic.LoadUint64(&m.Response.MirrorInstalls),
		"mirror_removes":    atomic.LoadUint64(&m.Response.MirrorRemoves),
		"blocks":            atomic.LoadUint64(&m.Response.Blocks),
		"unblocks":          atomic.LoadUint64(&m.Response.Unblocks),
		"expired":           atomic.LoadUint64(&m.Response.Expired),
		"flow_mods_sent":    atomic.LoadUint64(&m.Response.FlowModsSent),
		"flow_mods_failed":  atomic.LoadUint64(&m.Response.FlowModsFailed),
		"alerts_received":   atomic.LoadUint64(&m.Alert.AlertsReceived),
		"alerts_malformed":  atomic.LoadUint64(&m.Alert.AlertsMalformed),
		"alerts_filtered":   atomic.LoadUint64(&m.Alert.AlertsFiltered),
		"handler_panics":    atomic.LoadUint64(&m.Alert.HandlerPanics),
	}
}

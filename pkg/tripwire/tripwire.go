package tripwire

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/haolipeng/morepork/pkg/metrics"
	"github.com/haolipeng/morepork/pkg/types"
)

// Tripwire 阈值引擎，规则在启动时加载，之后只读
type Tripwire struct {
	mu       sync.RWMutex
	rules    []Rule
	last     []types.WireJudgment
	metrics  *metrics.DetectionMetrics
	noData   *rate.Limiter // 限制"无数据"告警日志的频率
	disabled bool
}

// NewTripwire 创建阈值引擎，rules会被复制并重新排序
func NewTripwire(rules []Rule, m *metrics.DetectionMetrics) *Tripwire {
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sortRules(sorted)

	if m == nil {
		m = &metrics.DetectionMetrics{}
	}
	return &Tripwire{
		rules:   sorted,
		metrics: m,
		noData:  rate.NewLimiter(rate.Every(time.Second), 20),
	}
}

// NewDisabledTripwire 配置缺失时使用，所有判定为空
func NewDisabledTripwire() *Tripwire {
	t := NewTripwire(nil, nil)
	t.disabled = true
	return t
}

// Rules 返回规则列表拷贝
func (t *Tripwire) Rules() []Rule {
	out := make([]Rule, len(t.rules))
	copy(out, t.rules)
	return out
}

// Disabled 规则文件缺失
func (t *Tripwire) Disabled() bool {
	return t.disabled
}

// Evaluate 按规则顺序对每条有数据的规则给出判定，value >= threshold 即触发
func (t *Tripwire) Evaluate(src StatsSource) []types.WireJudgment {
	if t.disabled {
		return nil
	}

	judgments := make([]types.WireJudgment, 0, len(t.rules))
	for _, rule := range t.rules {
		if !rule.HasThreshold {
			continue
		}

		log := logrus.WithFields(logrus.Fields{
			"dpid":    types.FormatDpid(rule.Dpid),
			"port_no": rule.PortNo,
			"metric":  rule.Metric,
		})

		if !src.HasMetric(rule.Dpid, rule.PortNo, rule.Metric) {
			if t.noData.Allow() {
				log.Warn("No stats for tripwire")
			}
			continue
		}

		value, err := valueOf(src, rule)
		if err != nil {
			if errors.Is(err, types.ErrZeroTimeDelta) {
				t.metrics.IncrementDerivativeErrors()
				log.Errorf("Derivative failed: %v", err)
				continue
			}
			if t.noData.Allow() {
				log.Warnf("Tripwire value unavailable: %v", err)
			}
			continue
		}

		j := types.WireJudgment{
			Dpid:       rule.Dpid,
			PortNo:     rule.PortNo,
			Metric:     rule.Metric,
			Derivative: rule.Derivative,
			Value:      value,
			Threshold:  rule.Threshold,
			Tripped:    value >= rule.Threshold,
		}
		t.metrics.IncrementJudgments(j.Tripped)
		judgments = append(judgments, j)
	}

	t.mu.Lock()
	t.last = judgments
	t.mu.Unlock()

	return judgments
}

// EvaluateFlows 基于流统计的检测入口，目前没有实现任何检测
func (t *Tripwire) EvaluateFlows(dpid uint64, stats []types.FlowStat) []types.WireJudgment {
	return nil
}

// Last 上一次Evaluate的结果
func (t *Tripwire) Last() []types.WireJudgment {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]types.WireJudgment, len(t.last))
	copy(out, t.last)
	return out
}

// Report 以表格形式输出判定结果，触发的规则单独告警
func (t *Tripwire) Report(judgments []types.WireJudgment) {
	if len(judgments) == 0 {
		return
	}

	if logrus.IsLevelEnabled(logrus.DebugLevel) {
		logrus.Debugf("Tripwires:\n%s", FormatTable(judgments))
	}
	for _, j := range judgments {
		if j.Tripped {
			logrus.WithFields(logrus.Fields{
				"dpid":      types.FormatDpid(j.Dpid),
				"port_no":   j.PortNo,
				"metric":    j.Metric,
				"value":     j.Value,
				"threshold": j.Threshold,
			}).Warn("Tripped")
		}
	}
}

// FormatTable 把判定结果格式化为定宽表格
func FormatTable(judgments []types.WireJudgment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-16s %-6s %-14s %-3s %-14s %-14s %s\n",
		"DPID", "PORT", "METRIC", "D", "VALUE", "THRESHOLD", "TRIPPED")
	for _, j := range judgments {
		fmt.Fprintf(&b, "%-16s %-6d %-14s %-3d %-14.3f %-14.3f %t\n",
			types.FormatDpid(j.Dpid), j.PortNo, j.Metric, j.Derivative, j.Value, j.Threshold, j.Tripped)
	}
	return b.String()
}

func valueOf(src StatsSource, rule Rule) (float64, error) {
	switch rule.Derivative {
	case DerivativeOrder1:
		return src.Order1(rule.Dpid, rule.PortNo, rule.Metric)
	case DerivativeOrder2:
		return src.Order2(rule.Dpid, rule.PortNo, rule.Metric)
	default:
		return src.LastValue(rule.Dpid, rule.PortNo, rule.Metric)
	}
}

package tripwire

import (
	"github.com/haolipeng/morepork/pkg/types"
)

// 导数阶数
const (
	DerivativeNone   = 0 // 直接比较最新值
	DerivativeOrder1 = 1 // 一阶导，变化速率
	DerivativeOrder2 = 2 // 二阶导
)

// ruleSpec 配置文件中单个指标的阈值定义
type ruleSpec struct {
	Threshold  *float64 `yaml:"threshold"`  // 阈值，缺失时规则不参与判定
	Derivative int      `yaml:"derivative"` // 0/1/2，默认0
}

// ruleFile 阈值配置文件结构
// port:
//
//	<dpid>:
//	  <port_no>:
//	    <metric>: {threshold: N, derivative: 0|1|2}
type ruleFile struct {
	Port map[uint64]map[uint32]map[string]*ruleSpec `yaml:"port"`
}

// Rule 一条阈值规则
type Rule struct {
	Dpid         uint64  `json:"dpid"`
	PortNo       uint32  `json:"port_no"`
	Metric       string  `json:"metric"`
	Threshold    float64 `json:"threshold"`
	Derivative   int     `json:"derivative"`
	HasThreshold bool    `json:"has_threshold"`
}

func (r Rule) Key() types.PortKey {
	return types.PortKey{Dpid: r.Dpid, PortNo: r.PortNo}
}

// StatsSource 阈值引擎读取统计数据的接口，由collector实现
type StatsSource interface {
	HasMetric(dpid uint64, port uint32, metric string) bool
	LastValue(dpid uint64, port uint32, metric string) (float64, error)
	Order1(dpid uint64, port uint32, metric string) (float64, error)
	Order2(dpid uint64, port uint32, metric string) (float64, error)
}

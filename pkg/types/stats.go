package types

import "fmt"

// 端口统计指标名称，和OpenFlow port stats字段一一对应
const (
	MetricRxPackets  = "rx_packets"
	MetricTxPackets  = "tx_packets"
	MetricRxBytes    = "rx_bytes"
	MetricTxBytes    = "tx_bytes"
	MetricRxDropped  = "rx_dropped"
	MetricTxDropped  = "tx_dropped"
	MetricRxErrors   = "rx_errors"
	MetricTxErrors   = "tx_errors"
	MetricRxFrameErr = "rx_frame_err"
	MetricRxOverErr  = "rx_over_err"
	MetricRxCrcErr   = "rx_crc_err"
	MetricCollisions = "collisions"
)

// KnownMetrics 所有支持的端口指标
var KnownMetrics = []string{
	MetricRxPackets, MetricTxPackets, MetricRxBytes, MetricTxBytes,
	MetricRxDropped, MetricTxDropped, MetricRxErrors, MetricTxErrors,
	MetricRxFrameErr, MetricRxOverErr, MetricRxCrcErr, MetricCollisions,
}

// IsKnownMetric 判断指标名是否合法
func IsKnownMetric(name string) bool {
	for _, m := range KnownMetrics {
		if m == name {
			return true
		}
	}
	return false
}

// PortStatsSample 一次端口统计采样
type PortStatsSample struct {
	Dpid        uint64             `json:"dpid"`
	PortNo      uint32             `json:"port_no"`
	Metrics     map[string]float64 `json:"metrics"`
	DurationSec float64            `json:"duration_sec"` // 端口存活时间，秒+纳秒/1e9
}

// Metric 返回指定指标的值
func (s *PortStatsSample) Metric(name string) (float64, bool) {
	if s.Metrics == nil {
		return 0, false
	}
	v, ok := s.Metrics[name]
	return v, ok
}

// PortKey 标识一个交换机端口
type PortKey struct {
	Dpid   uint64 `json:"dpid"`
	PortNo uint32 `json:"port_no"`
}

func (k PortKey) String() string {
	return fmt.Sprintf("%s:%d", FormatDpid(k.Dpid), k.PortNo)
}

// WireJudgment 阈值引擎对单条规则的判定结果
type WireJudgment struct {
	Dpid       uint64  `json:"dpid"`
	PortNo     uint32  `json:"port_no"`
	Metric     string  `json:"metric"`
	Derivative int     `json:"derivative"`
	Value      float64 `json:"value"`
	Threshold  float64 `json:"threshold"`
	Tripped    bool    `json:"tripped"`
}

func (j WireJudgment) Key() PortKey {
	return PortKey{Dpid: j.Dpid, PortNo: j.PortNo}
}

// FlowStat 流表统计，防火墙规则过期检查使用
type FlowStat struct {
	TableID     uint8   `json:"table_id"`
	Priority    uint16  `json:"priority"`
	Cookie      uint64  `json:"cookie"`
	PacketCount uint64  `json:"packet_count"`
	ByteCount   uint64  `json:"byte_count"`
	DurationSec float64 `json:"duration_sec"`
}

// FormatDpid 以16位十六进制输出dpid
func FormatDpid(dpid uint64) string {
	return fmt.Sprintf("%016x", dpid)
}

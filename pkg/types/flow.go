package types

import (
	"net"

	"github.com/haolipeng/gopacket/layers"
)

// FlowCommand 流表操作类型
type FlowCommand uint8

const (
	FlowAdd FlowCommand = iota + 1
	FlowDelete
)

func (c FlowCommand) String() string {
	switch c {
	case FlowAdd:
		return "add"
	case FlowDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// TableAll 删除流表时表示所有表(OFPTT_ALL)
const TableAll uint8 = 0xff

// PortNormal 交给交换机自身的二三层转发处理(OFPP_NORMAL)
const PortNormal uint32 = 0xfffffffa

// EthTypeIPv4 IPv4以太网类型
const EthTypeIPv4 = uint16(layers.EthernetTypeIPv4)

// Match 流表匹配字段，零值表示不匹配该字段
type Match struct {
	InPort  uint32 `json:"in_port,omitempty"`
	EthType uint16 `json:"eth_type,omitempty"`
	IPProto uint8  `json:"ip_proto,omitempty"`
	IPv4Src net.IP `json:"ipv4_src,omitempty"`
	IPv4Dst net.IP `json:"ipv4_dst,omitempty"`
	L4Src   uint16 `json:"l4_src,omitempty"`
	L4Dst   uint16 `json:"l4_dst,omitempty"`
}

// IsEmpty 是否为全通配
func (m Match) IsEmpty() bool {
	return m.InPort == 0 && m.EthType == 0 && m.IPProto == 0 &&
		m.IPv4Src == nil && m.IPv4Dst == nil && m.L4Src == 0 && m.L4Dst == 0
}

// Action 目前只有output动作
type Action struct {
	Output uint32 `json:"output"`
}

// OutputAction 输出到指定端口
func OutputAction(port uint32) Action {
	return Action{Output: port}
}

// FlowMod 与具体OpenFlow库无关的流表修改消息
type FlowMod struct {
	Command   FlowCommand `json:"command"`
	TableID   uint8       `json:"table_id"`
	Priority  uint16      `json:"priority"`
	Cookie    uint64      `json:"cookie,omitempty"`
	Match     Match       `json:"match"`
	Actions   []Action    `json:"actions,omitempty"`
	GotoTable *uint8      `json:"goto_table,omitempty"`
}

// TableRef 返回表号指针，方便构造GotoTable
func TableRef(id uint8) *uint8 {
	return &id
}

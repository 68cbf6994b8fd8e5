package pipeline

import (
	"github.com/haolipeng/morepork/pkg/types"
)

// Sender 向交换机下发流表修改
type Sender interface {
	// Send 下发失败时立即返回错误，不重试
	Send(dpid uint64, mod *types.FlowMod) error
}

// Registry 当前已连接的交换机
type Registry interface {
	Datapaths() []uint64
}

// Switches 交换机连接层需要提供的能力
type Switches interface {
	Sender
	Registry
}

// Pipeline 定义多级流表的管理接口
type Pipeline interface {
	// AddLayer 注册一层流表
	AddLayer(layer Layer) error
	// Layers 按Stage排序的所有层
	Layers() []Layer
	// Layer 根据Stage查找层
	Layer(stage types.Stage) (Layer, bool)
	// Datapaths 已连接的交换机
	Datapaths() []uint64
	// InstallDefaults 为每一层安装默认规则
	InstallDefaults(dpid uint64)
	// InstallDefault 安装优先级为0的全通配规则，next为空时输出到NORMAL
	InstallDefault(dpid uint64, table uint8, next *uint8) error
	// InstallRule 安装一条规则
	InstallRule(dpid uint64, table uint8, priority uint16, match types.Match, actions []types.Action, gotoTable *uint8) error
	// RemoveRule 删除表中匹配match的规则
	RemoveRule(dpid uint64, table uint8, match types.Match) error
	// Apply 直接下发一条流表修改
	Apply(dpid uint64, mod *types.FlowMod) error
}

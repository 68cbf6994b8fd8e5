package pipeline

import (
	"fmt"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/haolipeng/morepork/pkg/metrics"
	"github.com/haolipeng/morepork/pkg/types"
)

// DefaultPriority 每张表默认跳转规则的优先级
const DefaultPriority = 0

// Layer 流水线中的一张表
type Layer struct {
	Name    string
	Stage   types.Stage
	TableID uint8
	Next    *uint8 // 下一张表，最后一层为空
}

type pipeline struct {
	mu       sync.Mutex
	switches Switches
	layers   []Layer
	metrics  *metrics.ResponseMetrics
}

// NewPipeline 创建流表流水线管理器
func NewPipeline(switches Switches, m *metrics.ResponseMetrics) Pipeline {
	if m == nil {
		m = &metrics.ResponseMetrics{}
	}
	return &pipeline{
		switches: switches,
		layers:   make([]Layer, 0),
		metrics:  m,
	}
}

// NewDefaultPipeline 按 防火墙 -> 镜像 -> 阈值 的顺序注册三张表
func NewDefaultPipeline(switches Switches, m *metrics.ResponseMetrics, firewall, mirror, tripwire uint8) (Pipeline, error) {
	p := NewPipeline(switches, m)
	layers := []Layer{
		{Name: "firewall", Stage: types.StageFirewall, TableID: firewall, Next: types.TableRef(mirror)},
		{Name: "mirror", Stage: types.StageMirror, TableID: mirror, Next: types.TableRef(tripwire)},
		{Name: "tripwire", Stage: types.StageTripwire, TableID: tripwire},
	}
	for _, l := range layers {
		if err := p.AddLayer(l); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *pipeline) AddLayer(layer Layer) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, l := range p.layers {
		if l.TableID == layer.TableID {
			return fmt.Errorf("table %d already used by layer %s", layer.TableID, l.Name)
		}
		if l.Stage == layer.Stage {
			return fmt.Errorf("stage %s already registered", layer.Stage)
		}
	}
	// OpenFlow的goto只能跳到编号更大的表
	if layer.Next != nil && *layer.Next <= layer.TableID {
		return fmt.Errorf("layer %s: next table %d must be greater than %d", layer.Name, *layer.Next, layer.TableID)
	}

	p.layers = append(p.layers, layer)
	// 按Stage排序
	sort.Slice(p.layers, func(i, j int) bool {
		return p.layers[i].Stage < p.layers[j].Stage
	})
	return nil
}

func (p *pipeline) Layers() []Layer {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Layer, len(p.layers))
	copy(out, p.layers)
	return out
}

func (p *pipeline) Layer(stage types.Stage) (Layer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, l := range p.layers {
		if l.Stage == stage {
			return l, true
		}
	}
	return Layer{}, false
}

func (p *pipeline) Datapaths() []uint64 {
	return p.switches.Datapaths()
}

func (p *pipeline) InstallDefaults(dpid uint64) {
	for _, l := range p.Layers() {
		if err := p.InstallDefault(dpid, l.TableID, l.Next); err != nil {
			logrus.Errorf("Failed to install default rule for layer %s: %v", l.Name, err)
		}
	}
}

func (p *pipeline) InstallDefault(dpid uint64, table uint8, next *uint8) error {
	mod := &types.FlowMod{
		Command:  types.FlowAdd,
		TableID:  table,
		Priority: DefaultPriority,
	}
	if next != nil {
		mod.GotoTable = next
	} else {
		// 最后一层未命中的报文交给正常转发
		mod.Actions = []types.Action{types.OutputAction(types.PortNormal)}
	}
	return p.Apply(dpid, mod)
}

func (p *pipeline) InstallRule(dpid uint64, table uint8, priority uint16, match types.Match, actions []types.Action, gotoTable *uint8) error {
	return p.Apply(dpid, &types.FlowMod{
		Command:   types.FlowAdd,
		TableID:   table,
		Priority:  priority,
		Match:     match,
		Actions:   actions,
		GotoTable: gotoTable,
	})
}

func (p *pipeline) RemoveRule(dpid uint64, table uint8, match types.Match) error {
	return p.Apply(dpid, &types.FlowMod{
		Command: types.FlowDelete,
		TableID: table,
		Match:   match,
	})
}

// Apply 下发失败只记录日志和计数，由调用方决定是否关心返回值
func (p *pipeline) Apply(dpid uint64, mod *types.FlowMod) error {
	err := p.switches.Send(dpid, mod)
	p.metrics.RecordFlowMod(err)
	if err != nil {
		err = types.NewPipelineError(p.stageOf(mod.TableID), dpid, err)
		logrus.WithFields(logrus.Fields{
			"dpid":     types.FormatDpid(dpid),
			"table_id": mod.TableID,
			"command":  mod.Command.String(),
		}).Errorf("Flow mod failed: %v", err)
		return err
	}

	logrus.WithFields(logrus.Fields{
		"dpid":     types.FormatDpid(dpid),
		"table_id": mod.TableID,
		"command":  mod.Command.String(),
		"priority": mod.Priority,
	}).Debug("Flow mod sent")
	return nil
}

func (p *pipeline) stageOf(table uint8) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, l := range p.layers {
		if l.TableID == table {
			return l.Name
		}
	}
	return fmt.Sprintf("table-%d", table)
}

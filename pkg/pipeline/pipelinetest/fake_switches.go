package pipelinetest

import (
	"sort"
	"sync"

	"github.com/haolipeng/morepork/pkg/types"
)

// SentFlowMod 记录一次下发
type SentFlowMod struct {
	Dpid uint64
	Mod  types.FlowMod
}

// FakeSwitches 测试用的交换机集合，记录所有下发的流表
type FakeSwitches struct {
	mu        sync.Mutex
	datapaths map[uint64]bool
	failing   map[uint64]error
	sent      []SentFlowMod
}

// NewFakeSwitches 创建包含指定dpid的交换机集合
func NewFakeSwitches(dpids ...uint64) *FakeSwitches {
	f := &FakeSwitches{
		datapaths: make(map[uint64]bool),
		failing:   make(map[uint64]error),
	}
	for _, d := range dpids {
		f.datapaths[d] = true
	}
	return f
}

func (f *FakeSwitches) Connect(dpid uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.datapaths[dpid] = true
}

func (f *FakeSwitches) Disconnect(dpid uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.datapaths, dpid)
}

// FailWith 让发往dpid的下发返回err，err为nil时恢复
func (f *FakeSwitches) FailWith(dpid uint64, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.failing, dpid)
		return
	}
	f.failing[dpid] = err
}

func (f *FakeSwitches) Datapaths() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]uint64, 0, len(f.datapaths))
	for d := range f.datapaths {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (f *FakeSwitches) Send(dpid uint64, mod *types.FlowMod) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !f.datapaths[dpid] {
		return types.ErrDatapathNotFound
	}
	if err := f.failing[dpid]; err != nil {
		return err
	}
	f.sent = append(f.sent, SentFlowMod{Dpid: dpid, Mod: *mod})
	return nil
}

// Sent 返回所有已下发流表的拷贝
func (f *FakeSwitches) Sent() []SentFlowMod {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]SentFlowMod, len(f.sent))
	copy(out, f.sent)
	return out
}

// SentTo 返回发往dpid的流表
func (f *FakeSwitches) SentTo(dpid uint64) []types.FlowMod {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]types.FlowMod, 0)
	for _, s := range f.sent {
		if s.Dpid == dpid {
			out = append(out, s.Mod)
		}
	}
	return out
}

// Reset 清空下发记录
func (f *FakeSwitches) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
}

package collector

import (
	"sort"
	"sync"

	"github.com/haolipeng/morepork/pkg/types"
)

// WindowSize 每个端口保留的采样数，二阶导只需要两个点
const WindowSize = 2

// Collector 按(dpid, port)保存最近的端口统计采样
type Collector struct {
	mu      sync.RWMutex
	windows map[uint64]map[uint32][]types.PortStatsSample
}

// NewCollector 创建统计收集器
func NewCollector() *Collector {
	return &Collector{
		windows: make(map[uint64]map[uint32][]types.PortStatsSample),
	}
}

// Push 追加一批采样，超出窗口的旧采样被淘汰
func (c *Collector) Push(dpid uint64, samples []types.PortStatsSample) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ports, ok := c.windows[dpid]
	if !ok {
		ports = make(map[uint32][]types.PortStatsSample)
		c.windows[dpid] = ports
	}

	for _, s := range samples {
		s.Dpid = dpid
		w := append(ports[s.PortNo], s)
		if len(w) > WindowSize {
			w = append([]types.PortStatsSample(nil), w[len(w)-WindowSize:]...)
		}
		ports[s.PortNo] = w
	}
}

func (c *Collector) HasDpid(dpid uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.windows[dpid]
	return ok
}

func (c *Collector) HasPort(dpid uint64, port uint32) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.windows[dpid][port]
	return ok
}

// Ports 返回dpid下已有采样的端口，升序
func (c *Collector) Ports(dpid uint64) []uint32 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ports := make([]uint32, 0, len(c.windows[dpid]))
	for p := range c.windows[dpid] {
		ports = append(ports, p)
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
	return ports
}

// HasMetric 至少有一个采样包含该指标
func (c *Collector) HasMetric(dpid uint64, port uint32, metric string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for i := range c.windows[dpid][port] {
		if _, ok := c.windows[dpid][port][i].Metric(metric); ok {
			return true
		}
	}
	return false
}

// LastValue 最新采样中的指标值，没有数据时返回ErrNoData
func (c *Collector) LastValue(dpid uint64, port uint32, metric string) (float64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	w := c.windows[dpid][port]
	for i := len(w) - 1; i >= 0; i-- {
		if v, ok := w[i].Metric(metric); ok {
			return v, nil
		}
	}
	return 0, types.ErrNoData
}

// Order1 一阶导数 (new-old)/Δt，采样不足两个时返回0
func (c *Collector) Order1(dpid uint64, port uint32, metric string) (float64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d, dt, ok := c.delta(dpid, port, metric)
	if !ok {
		return 0, nil
	}
	if dt == 0 {
		return 0, &types.DerivativeError{Dpid: dpid, PortNo: port, Metric: metric, Err: types.ErrZeroTimeDelta}
	}
	return d / dt, nil
}

// Order2 在一阶导数的基础上再除以一次Δt
func (c *Collector) Order2(dpid uint64, port uint32, metric string) (float64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	d, dt, ok := c.delta(dpid, port, metric)
	if !ok {
		return 0, nil
	}
	if dt == 0 {
		return 0, &types.DerivativeError{Dpid: dpid, PortNo: port, Metric: metric, Err: types.ErrZeroTimeDelta}
	}
	return d / dt / dt, nil
}

// delta 返回最新和最旧采样的差值以及时间差，调用方持有读锁
func (c *Collector) delta(dpid uint64, port uint32, metric string) (float64, float64, bool) {
	w := c.windows[dpid][port]
	if len(w) < WindowSize {
		return 0, 0, false
	}
	oldest, newest := w[0], w[len(w)-1]
	ov, ok1 := oldest.Metric(metric)
	nv, ok2 := newest.Metric(metric)
	if !ok1 || !ok2 {
		return 0, 0, false
	}
	return nv - ov, newest.DurationSec - oldest.DurationSec, true
}

// Window 返回端口采样窗口的拷贝
func (c *Collector) Window(dpid uint64, port uint32) []types.PortStatsSample {
	c.mu.RLock()
	defer c.mu.RUnlock()

	w := c.windows[dpid][port]
	out := make([]types.PortStatsSample, len(w))
	copy(out, w)
	return out
}

// Forget 删除某个交换机的所有采样
func (c *Collector) Forget(dpid uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.windows, dpid)
}

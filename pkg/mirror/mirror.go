package mirror

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/haolipeng/morepork/pkg/metrics"
	"github.com/haolipeng/morepork/pkg/pipeline"
	"github.com/haolipeng/morepork/pkg/types"
)

const (
	// DefaultPort IDS所在的交换机端口
	DefaultPort uint32 = 3
	// DefaultPriority 镜像规则优先级，高于表默认规则
	DefaultPriority uint16 = 1
)

// Transition 一个端口镜像状态的变化
type Transition struct {
	Key      types.PortKey `json:"key"`
	Mirrored bool          `json:"mirrored"`
}

// Notifier 接收镜像状态变化
type Notifier interface {
	MirrorChanged(t Transition)
}

// Config 镜像控制器参数
type Config struct {
	Table     uint8
	NextTable *uint8
	Port      uint32
	Priority  uint16
}

// Controller 根据阈值判定结果维护端口镜像规则
type Controller struct {
	mu        sync.Mutex
	state     map[types.PortKey]bool
	cfg       Config
	pipe      pipeline.Pipeline
	metrics   *metrics.ResponseMetrics
	notifiers []Notifier
}

// NewController 创建镜像控制器，表号取自流水线中的mirror层
func NewController(pipe pipeline.Pipeline, port uint32, priority uint16, m *metrics.ResponseMetrics) *Controller {
	layer, _ := pipe.Layer(types.StageMirror)
	if port == 0 {
		port = DefaultPort
	}
	if priority == 0 {
		priority = DefaultPriority
	}
	if m == nil {
		m = &metrics.ResponseMetrics{}
	}
	return &Controller{
		state: make(map[types.PortKey]bool),
		cfg: Config{
			Table:     layer.TableID,
			NextTable: layer.Next,
			Port:      port,
			Priority:  priority,
		},
		pipe:    pipe,
		metrics: m,
	}
}

// AddNotifier 注册状态变化通知
func (c *Controller) AddNotifier(n Notifier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifiers = append(c.notifiers, n)
}

// Reconcile 合并判定结果并下发差异，返回新的状态
func (c *Controller) Reconcile(judgments []types.WireJudgment) map[types.PortKey]bool {
	// 同一端口有多条规则时，只要有一条触发就镜像
	merged := make(map[types.PortKey]bool)
	for _, j := range judgments {
		k := j.Key()
		merged[k] = merged[k] || j.Tripped
	}

	c.mu.Lock()
	next := make(map[types.PortKey]bool, len(c.state)+len(merged))
	for k, v := range c.state {
		next[k] = v
	}

	transitions := make([]Transition, 0)
	for _, k := range sortedKeys(merged) {
		want := merged[k]
		had := c.state[k]
		if want == had {
			next[k] = want
			continue
		}

		// 下发失败时保持原状态，由下一个周期的判定重新决定
		var err error
		if want {
			err = c.install(k)
		} else {
			err = c.remove(k)
		}
		if err != nil {
			next[k] = had
			continue
		}
		next[k] = want
		transitions = append(transitions, Transition{Key: k, Mirrored: want})
	}

	c.state = next
	out := copyState(next)
	notifiers := c.notifiers
	c.mu.Unlock()

	for _, t := range transitions {
		for _, n := range notifiers {
			n.MirrorChanged(t)
		}
	}
	return out
}

func (c *Controller) install(k types.PortKey) error {
	logrus.WithFields(logrus.Fields{
		"dpid":    types.FormatDpid(k.Dpid),
		"port_no": k.PortNo,
		"output":  c.cfg.Port,
	}).Info("Mirroring port")

	err := c.pipe.InstallRule(k.Dpid, c.cfg.Table, c.cfg.Priority,
		types.Match{InPort: k.PortNo},
		[]types.Action{types.OutputAction(c.cfg.Port)},
		c.cfg.NextTable)
	if err == nil {
		c.metrics.IncrementMirrorInstalls()
	}
	return err
}

func (c *Controller) remove(k types.PortKey) error {
	logrus.WithFields(logrus.Fields{
		"dpid":    types.FormatDpid(k.Dpid),
		"port_no": k.PortNo,
	}).Info("Stop mirroring port")

	err := c.pipe.RemoveRule(k.Dpid, c.cfg.Table, types.Match{InPort: k.PortNo})
	if err == nil {
		c.metrics.IncrementMirrorRemoves()
	}
	return err
}

// State 当前镜像状态的拷贝
func (c *Controller) State() map[types.PortKey]bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return copyState(c.state)
}

// Mirrored 端口当前是否被镜像
func (c *Controller) Mirrored(dpid uint64, port uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state[types.PortKey{Dpid: dpid, PortNo: port}]
}

// ForgetDatapath 交换机断开后流表已丢失，清除其状态
func (c *Controller) ForgetDatapath(dpid uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k := range c.state {
		if k.Dpid == dpid {
			delete(c.state, k)
		}
	}
}

func copyState(s map[types.PortKey]bool) map[types.PortKey]bool {
	out := make(map[types.PortKey]bool, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

func sortedKeys(m map[types.PortKey]bool) []types.PortKey {
	keys := make([]types.PortKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Dpid != keys[j].Dpid {
			return keys[i].Dpid < keys[j].Dpid
		}
		return keys[i].PortNo < keys[j].PortNo
	})
	return keys
}

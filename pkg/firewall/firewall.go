package firewall

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/haolipeng/morepork/pkg/metrics"
	"github.com/haolipeng/morepork/pkg/pipeline"
	"github.com/haolipeng/morepork/pkg/types"
)

// DefaultPriority 阻断规则使用最高优先级
const DefaultPriority uint16 = 0xffff

// ExpiryConfig 阻断规则过期配置
type ExpiryConfig struct {
	Enabled  bool
	MinBytes uint64        // 一个周期内命中字节数低于该值视为空闲
	MinAge   time.Duration // 安装后至少保留这么久，一般等于轮询周期
}

// Config 防火墙控制器参数
type Config struct {
	Priority uint16
	Expiry   ExpiryConfig
}

// Change 阻断状态变化
type Change struct {
	Dpid    uint64                `json:"dpid"`
	Key     types.FirewallDropKey `json:"key"`
	Blocked bool                  `json:"blocked"`
	Reason  string                `json:"reason"`
}

// Notifier 接收阻断状态变化
type Notifier interface {
	FirewallChanged(c Change)
}

type entry struct {
	installedAt time.Time
	lastBytes   uint64
	seen        bool // 是否已经有过流统计基线
}

// Controller 根据IDS告警在所有交换机上阻断五元组
//
// blocklist 是全网生效的阻断集合，交换机(重新)连接时全部补装；
// active 只记录每台交换机上实际安装了哪些规则
type Controller struct {
	mu        sync.Mutex
	blocklist map[types.FirewallDropKey]struct{}
	active    map[uint64]map[types.FirewallDropKey]*entry
	pipe      pipeline.Pipeline
	table     uint8
	cfg       Config
	metrics   *metrics.ResponseMetrics
	notifiers []Notifier
	now       func() time.Time
}

// NewController 创建防火墙控制器，表号取自流水线中的firewall层
func NewController(pipe pipeline.Pipeline, cfg Config, m *metrics.ResponseMetrics) *Controller {
	layer, _ := pipe.Layer(types.StageFirewall)
	if cfg.Priority == 0 {
		cfg.Priority = DefaultPriority
	}
	if m == nil {
		m = &metrics.ResponseMetrics{}
	}
	return &Controller{
		blocklist: make(map[types.FirewallDropKey]struct{}),
		active:    make(map[uint64]map[types.FirewallDropKey]*entry),
		pipe:      pipe,
		table:     layer.TableID,
		cfg:       cfg,
		metrics:   m,
		now:       time.Now,
	}
}

// AddNotifier 注册状态变化通知
func (c *Controller) AddNotifier(n Notifier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifiers = append(c.notifiers, n)
}

// KeyFromAlert 从告警中提取五元组，非TCP/UDP返回ok=false
func KeyFromAlert(alert *types.IdsAlert) (types.FirewallDropKey, bool, error) {
	proto, err := strconv.ParseUint(alert.Proto, 10, 8)
	if err != nil {
		return types.FirewallDropKey{}, false, fmt.Errorf("invalid proto %q: %w", alert.Proto, err)
	}
	if uint8(proto) != types.ProtoTCP && uint8(proto) != types.ProtoUDP {
		return types.FirewallDropKey{}, false, nil
	}

	srcPort, err := strconv.ParseUint(alert.SrcPort, 10, 16)
	if err != nil {
		return types.FirewallDropKey{}, false, fmt.Errorf("invalid src_port %q: %w", alert.SrcPort, err)
	}
	dstPort, err := strconv.ParseUint(alert.DstPort, 10, 16)
	if err != nil {
		return types.FirewallDropKey{}, false, fmt.Errorf("invalid dst_port %q: %w", alert.DstPort, err)
	}

	src := net.ParseIP(alert.SrcIP).To4()
	if src == nil {
		return types.FirewallDropKey{}, false, fmt.Errorf("invalid src_ip %q", alert.SrcIP)
	}
	dst := net.ParseIP(alert.DstIP).To4()
	if dst == nil {
		return types.FirewallDropKey{}, false, fmt.Errorf("invalid dst_ip %q", alert.DstIP)
	}

	return types.FirewallDropKey{
		Protocol: uint8(proto),
		SrcIP:    src.String(),
		DstIP:    dst.String(),
		SrcPort:  uint16(srcPort),
		DstPort:  uint16(dstPort),
	}, true, nil
}

// MatchFor 阻断规则的匹配字段
func MatchFor(key types.FirewallDropKey) types.Match {
	return types.Match{
		EthType: types.EthTypeIPv4,
		IPProto: key.Protocol,
		IPv4Src: net.ParseIP(key.SrcIP).To4(),
		IPv4Dst: net.ParseIP(key.DstIP).To4(),
		L4Src:   key.SrcPort,
		L4Dst:   key.DstPort,
	}
}

// HandleAlert IDS告警订阅入口
func (c *Controller) HandleAlert(alert *types.IdsAlert) {
	if err := c.Block(0, alert); err != nil {
		logrus.WithFields(logrus.Fields{
			"src_ip": alert.SrcIP,
			"dst_ip": alert.DstIP,
			"proto":  alert.Proto,
		}).Warnf("Ignoring alert: %v", err)
	}
}

// Block 在所有已连接交换机上阻断告警对应的五元组，dpid仅用于日志
func (c *Controller) Block(dpid uint64, alert *types.IdsAlert) error {
	key, ok, err := KeyFromAlert(alert)
	if err != nil {
		return err
	}
	if !ok {
		logrus.Debugf("Alert protocol %s not blockable, ignored", alert.Proto)
		return nil
	}

	logrus.WithFields(logrus.Fields{
		"origin":    types.FormatDpid(dpid),
		"key":       key.String(),
		"signature": alert.Signature,
	}).Info("Blocking flow")

	c.blockEverywhere(key, alert.Signature)
	return nil
}

// BlockKey 直接阻断五元组
func (c *Controller) BlockKey(key types.FirewallDropKey) {
	c.blockEverywhere(key, "manual")
}

func (c *Controller) blockEverywhere(key types.FirewallDropKey, reason string) {
	c.mu.Lock()
	c.blocklist[key] = struct{}{}
	c.mu.Unlock()

	for _, d := range c.pipe.Datapaths() {
		c.blockOn(d, key, reason)
	}
}

func (c *Controller) blockOn(dpid uint64, key types.FirewallDropKey, reason string) {
	c.mu.Lock()
	if _, exists := c.active[dpid][key]; exists {
		c.mu.Unlock()
		logrus.Debugf("Flow %s already blocked on %s", key, types.FormatDpid(dpid))
		return
	}
	c.mu.Unlock()

	mod := &types.FlowMod{
		Command:  types.FlowAdd,
		TableID:  c.table,
		Priority: c.cfg.Priority,
		Cookie:   key.Cookie(),
		Match:    MatchFor(key),
	}
	if err := c.pipe.Apply(dpid, mod); err != nil {
		return
	}

	c.mu.Lock()
	set, ok := c.active[dpid]
	if !ok {
		set = make(map[types.FirewallDropKey]*entry)
		c.active[dpid] = set
	}
	set[key] = &entry{installedAt: c.now()}
	notifiers := c.notifiers
	c.mu.Unlock()

	c.metrics.IncrementBlocks()
	notify(notifiers, Change{Dpid: dpid, Key: key, Blocked: true, Reason: reason})
}

// Unblock 删除dpid上的阻断规则
func (c *Controller) Unblock(dpid uint64, key types.FirewallDropKey) error {
	return c.unblock(dpid, key, "manual")
}

func (c *Controller) unblock(dpid uint64, key types.FirewallDropKey, reason string) error {
	if err := c.pipe.RemoveRule(dpid, c.table, MatchFor(key)); err != nil {
		return err
	}

	c.mu.Lock()
	if set, ok := c.active[dpid]; ok {
		delete(set, key)
		if len(set) == 0 {
			delete(c.active, dpid)
		}
	}
	// 没有任何交换机还在阻断时，从全网集合中移除
	if !c.installedAnywhere(key) {
		delete(c.blocklist, key)
	}
	notifiers := c.notifiers
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"dpid":   types.FormatDpid(dpid),
		"key":    key.String(),
		"reason": reason,
	}).Info("Unblocked flow")
	c.metrics.IncrementUnblocks()
	notify(notifiers, Change{Dpid: dpid, Key: key, Blocked: false, Reason: reason})
	return nil
}

// UnblockAll 从全网集合中移除并在所有存在该阻断的交换机上删除，
// 返回成功删除的规则数量以及该五元组此前是否处于阻断状态
func (c *Controller) UnblockAll(key types.FirewallDropKey) (int, bool) {
	c.mu.Lock()
	_, known := c.blocklist[key]
	delete(c.blocklist, key)
	dpids := make([]uint64, 0)
	for d, set := range c.active {
		if _, ok := set[key]; ok {
			dpids = append(dpids, d)
		}
	}
	c.mu.Unlock()

	n := 0
	for _, d := range dpids {
		if err := c.unblock(d, key, "manual"); err == nil {
			n++
		}
	}
	return n, known || len(dpids) > 0
}

// Blocked 五元组在dpid上是否处于阻断状态
func (c *Controller) Blocked(dpid uint64, key types.FirewallDropKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[dpid][key]
	return ok
}

// Blocklist 全网生效的阻断五元组
func (c *Controller) Blocklist() []types.FirewallDropKey {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]types.FirewallDropKey, 0, len(c.blocklist))
	for k := range c.blocklist {
		keys = append(keys, k)
	}
	sortKeyList(keys)
	return keys
}

// Drops 返回每台交换机上的阻断列表
func (c *Controller) Drops() map[uint64][]types.FirewallDropKey {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[uint64][]types.FirewallDropKey, len(c.active))
	for d, set := range c.active {
		out[d] = sortedKeys(set)
	}
	return out
}

// ExpireIdle 根据流统计删除空闲的阻断规则，安装不足MinAge的规则不会被删除
func (c *Controller) ExpireIdle(dpid uint64, stats []types.FlowStat) {
	if !c.cfg.Expiry.Enabled {
		return
	}

	byCookie := make(map[uint64]types.FlowStat, len(stats))
	for _, s := range stats {
		if s.TableID == c.table {
			byCookie[s.Cookie] = s
		}
	}

	now := c.now()
	expired := make([]types.FirewallDropKey, 0)

	c.mu.Lock()
	for key, e := range c.active[dpid] {
		stat, ok := byCookie[key.Cookie()]
		if !ok {
			continue
		}
		young := now.Sub(e.installedAt) < c.cfg.Expiry.MinAge
		idle := e.seen && stat.ByteCount-e.lastBytes < c.cfg.Expiry.MinBytes
		e.lastBytes = stat.ByteCount
		e.seen = true
		if young {
			continue
		}
		if idle {
			expired = append(expired, key)
		}
	}
	c.mu.Unlock()

	for _, key := range expired {
		if err := c.unblock(dpid, key, "idle"); err == nil {
			c.metrics.IncrementExpired()
		}
	}
}

// ForgetDatapath 交换机断开后清除其安装记录，全网阻断集合不变
func (c *Controller) ForgetDatapath(dpid uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, dpid)
}

// ReinstallFor 交换机流表已被清空，重新安装全网阻断集合中的所有规则
func (c *Controller) ReinstallFor(dpid uint64) {
	c.mu.Lock()
	delete(c.active, dpid)
	c.mu.Unlock()

	for _, k := range c.Blocklist() {
		c.blockOn(dpid, k, "reconnect")
	}
}

// installedAnywhere 调用方需持有mu
func (c *Controller) installedAnywhere(key types.FirewallDropKey) bool {
	for _, set := range c.active {
		if _, ok := set[key]; ok {
			return true
		}
	}
	return false
}

func notify(notifiers []Notifier, ch Change) {
	for _, n := range notifiers {
		n.FirewallChanged(ch)
	}
}

func sortedKeys(set map[types.FirewallDropKey]*entry) []types.FirewallDropKey {
	keys := make([]types.FirewallDropKey, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sortKeyList(keys)
	return keys
}

func sortKeyList(keys []types.FirewallDropKey) {
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
}

package api

import (
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/haolipeng/morepork/pkg/types"
)

// 响应结构体
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// MirrorState 镜像控制器中接口需要的部分
type MirrorState interface {
	State() map[types.PortKey]bool
}

// FirewallState 防火墙控制器中接口需要的部分
type FirewallState interface {
	Drops() map[uint64][]types.FirewallDropKey
	Blocklist() []types.FirewallDropKey
	UnblockAll(key types.FirewallDropKey) (int, bool)
}

// JudgmentSource 最近一次阈值判定
type JudgmentSource interface {
	Last() []types.WireJudgment
}

// WindowSource 端口采样窗口
type WindowSource interface {
	Window(dpid uint64, port uint32) []types.PortStatsSample
}

// StatsSource 计数器快照
type StatsSource interface {
	GetStats() map[string]interface{}
}

// MirrorEntry 一个端口的镜像状态
type MirrorEntry struct {
	Dpid     string `json:"dpid"`
	PortNo   uint32 `json:"port_no"`
	Mirrored bool   `json:"mirrored"`
}

// StateService 镜像、阻断、判定和采样的查询接口
type StateService struct {
	mirror    MirrorState
	firewall  FirewallState
	judgments JudgmentSource
	windows   WindowSource
	stats     StatsSource
}

// NewStateService 创建状态服务
func NewStateService(m MirrorState, fw FirewallState, j JudgmentSource, w WindowSource, s StatsSource) *StateService {
	return &StateService{
		mirror:    m,
		firewall:  fw,
		judgments: j,
		windows:   w,
		stats:     s,
	}
}

// GetMirrorState 所有已知端口的镜像状态，按dpid和端口排序
func (ss *StateService) GetMirrorState(c echo.Context) error {
	state := ss.mirror.State()

	keys := make([]types.PortKey, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Dpid != keys[j].Dpid {
			return keys[i].Dpid < keys[j].Dpid
		}
		return keys[i].PortNo < keys[j].PortNo
	})

	entries := make([]MirrorEntry, 0, len(keys))
	for _, k := range keys {
		entries = append(entries, MirrorEntry{Dpid: types.FormatDpid(k.Dpid), PortNo: k.PortNo, Mirrored: state[k]})
	}

	return c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: "获取镜像状态成功",
		Data:    entries,
	})
}

// GetDrops 按交换机列出阻断的五元组
func (ss *StateService) GetDrops(c echo.Context) error {
	drops := ss.firewall.Drops()

	data := make(map[string][]types.FirewallDropKey, len(drops))
	for dpid, keys := range drops {
		data[types.FormatDpid(dpid)] = keys
	}

	return c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: "获取阻断列表成功",
		Data:    data,
	})
}

// GetBlocklist 全网生效的阻断五元组，包括尚未安装到任何交换机的
func (ss *StateService) GetBlocklist(c echo.Context) error {
	return c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: "获取全网阻断列表成功",
		Data:    ss.firewall.Blocklist(),
	})
}

// Unblock 请求体为五元组，在所有交换机上解除阻断
func (ss *StateService) Unblock(c echo.Context) error {
	var key types.FirewallDropKey
	if err := c.Bind(&key); err != nil {
		return HandleError(c, NewBadRequestError("请求体格式无效", err))
	}
	if key.Protocol != types.ProtoTCP && key.Protocol != types.ProtoUDP {
		return HandleError(c, NewBadRequestError("协议必须为TCP(6)或UDP(17)", types.ErrUnsupportedProtocol))
	}
	if net.ParseIP(key.SrcIP).To4() == nil || net.ParseIP(key.DstIP).To4() == nil {
		return HandleError(c, NewBadRequestError("源地址和目的地址必须为IPv4", nil))
	}

	removed, known := ss.firewall.UnblockAll(key)
	if !known {
		return HandleError(c, NewNotFoundError("阻断 "+key.String()+" 不存在"))
	}

	logrus.WithFields(logrus.Fields{
		"key":     key.String(),
		"removed": removed,
	}).Info("Unblocked via API")

	return c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: "解除阻断成功",
		Data:    map[string]int{"removed": removed},
	})
}

// GetJudgments 最近一次阈值判定
func (ss *StateService) GetJudgments(c echo.Context) error {
	return c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: "获取判定结果成功",
		Data:    ss.judgments.Last(),
	})
}

// GetWindow dpid为十六进制，可带0x前缀
func (ss *StateService) GetWindow(c echo.Context) error {
	dpid, err := strconv.ParseUint(strings.TrimPrefix(c.Param("dpid"), "0x"), 16, 64)
	if err != nil {
		return HandleError(c, NewBadRequestError("dpid无效", err))
	}
	port, err := strconv.ParseUint(c.Param("port"), 10, 32)
	if err != nil {
		return HandleError(c, NewBadRequestError("端口号无效", err))
	}

	window := ss.windows.Window(dpid, uint32(port))
	if len(window) == 0 {
		return HandleError(c, NewNotFoundError("没有该端口的采样"))
	}

	return c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: "获取采样成功",
		Data:    window,
	})
}

// GetMetrics 计数器快照
func (ss *StateService) GetMetrics(c echo.Context) error {
	return c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: "获取计数成功",
		Data:    ss.stats.GetStats(),
	})
}

package ofconn

import (
	"antrea.io/libOpenflow/openflow13"
	"antrea.io/libOpenflow/util"

	"github.com/haolipeng/morepork/pkg/types"
)

// OFPMP_FLOW / OFPMP_PORT_STATS
const (
	multipartFlow      uint16 = 1
	multipartPortStats uint16 = 4
	// OFPMPF_REPLY_MORE
	multipartReplyMore uint16 = 1
)

// toFlowMod 把内部的FlowMod转换为OpenFlow 1.3消息
func toFlowMod(mod *types.FlowMod) *openflow13.FlowMod {
	fm := openflow13.NewFlowMod()
	fm.TableId = mod.TableID
	fm.Priority = mod.Priority
	fm.Cookie = mod.Cookie
	fm.OutPort = openflow13.P_ANY
	fm.OutGroup = openflow13.OFPG_ANY
	fm.Match = toMatch(mod.Match)

	switch mod.Command {
	case types.FlowDelete:
		fm.Command = openflow13.FC_DELETE
		if mod.Cookie != 0 {
			fm.CookieMask = ^uint64(0)
		}
		return fm
	default:
		fm.Command = openflow13.FC_ADD
	}

	if len(mod.Actions) > 0 {
		apply := openflow13.NewInstrApplyActions()
		for _, a := range mod.Actions {
			_ = apply.AddAction(openflow13.NewActionOutput(a.Output), false)
		}
		fm.Instructions = append(fm.Instructions, apply)
	}
	if mod.GotoTable != nil {
		fm.Instructions = append(fm.Instructions, openflow13.NewInstrGotoTable(*mod.GotoTable))
	}
	return fm
}

// toMatch 依次添加OXM字段，前置字段必须先于依赖它的字段
func toMatch(m types.Match) openflow13.Match {
	match := openflow13.NewMatch()

	if m.InPort != 0 {
		match.AddField(*openflow13.NewInPortField(m.InPort))
	}
	if m.EthType != 0 {
		match.AddField(*openflow13.NewEthTypeField(m.EthType))
	}
	if m.IPProto != 0 {
		match.AddField(*openflow13.NewIpProtoField(m.IPProto))
	}
	if m.IPv4Src != nil {
		match.AddField(*openflow13.NewIpv4SrcField(m.IPv4Src, nil))
	}
	if m.IPv4Dst != nil {
		match.AddField(*openflow13.NewIpv4DstField(m.IPv4Dst, nil))
	}

	switch m.IPProto {
	case types.ProtoTCP:
		if m.L4Src != 0 {
			match.AddField(*openflow13.NewTcpSrcField(m.L4Src))
		}
		if m.L4Dst != 0 {
			match.AddField(*openflow13.NewTcpDstField(m.L4Dst))
		}
	case types.ProtoUDP:
		if m.L4Src != 0 {
			match.AddField(*openflow13.NewUdpSrcField(m.L4Src))
		}
		if m.L4Dst != 0 {
			match.AddField(*openflow13.NewUdpDstField(m.L4Dst))
		}
	}
	return *match
}

func newPortStatsRequest() *openflow13.MultipartRequest {
	req := openflow13.NewMpRequest(multipartPortStats)
	req.Body = []util.Message{&openflow13.PortStatsRequest{PortNo: openflow13.P_ANY}}
	return req
}

func newFlowStatsRequest(table uint8) *openflow13.MultipartRequest {
	body := openflow13.NewFlowStatsRequest()
	body.TableId = table
	req := openflow13.NewMpRequest(multipartFlow)
	req.Body = []util.Message{body}
	return req
}

// portSamples 把port stats回复转换为采样
func portSamples(dpid uint64, body []util.Message) []types.PortStatsSample {
	samples := make([]types.PortStatsSample, 0, len(body))
	for _, m := range body {
		ps, ok := m.(*openflow13.PortStats)
		if !ok {
			continue
		}
		samples = append(samples, types.PortStatsSample{
			Dpid:   dpid,
			PortNo: ps.PortNo,
			Metrics: map[string]float64{
				types.MetricRxPackets:  float64(ps.RxPackets),
				types.MetricTxPackets:  float64(ps.TxPackets),
				types.MetricRxBytes:    float64(ps.RxBytes),
				types.MetricTxBytes:    float64(ps.TxBytes),
				types.MetricRxDropped:  float64(ps.RxDropped),
				types.MetricTxDropped:  float64(ps.TxDropped),
				types.MetricRxErrors:   float64(ps.RxErrors),
				types.MetricTxErrors:   float64(ps.TxErrors),
				types.MetricRxFrameErr: float64(ps.RxFrameErr),
				types.MetricRxOverErr:  float64(ps.RxOverErr),
				types.MetricRxCrcErr:   float64(ps.RxCRCErr),
				types.MetricCollisions: float64(ps.Collisions),
			},
			DurationSec: float64(ps.DurationSec) + float64(ps.DurationNSec)/1e9,
		})
	}
	return samples
}

// flowStats 把flow stats回复转换为内部结构
func flowStats(body []util.Message) []types.FlowStat {
	stats := make([]types.FlowStat, 0, len(body))
	for _, m := range body {
		fs, ok := m.(*openflow13.FlowStats)
		if !ok {
			continue
		}
		stats = append(stats, types.FlowStat{
			TableID:     fs.TableId,
			Priority:    fs.Priority,
			Cookie:      fs.Cookie,
			PacketCount: fs.PacketCount,
			ByteCount:   fs.ByteCount,
			DurationSec: float64(fs.DurationSec) + float64(fs.DurationNSec)/1e9,
		})
	}
	return stats
}

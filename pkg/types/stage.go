package types

// Stage 流水线中每一层的顺序，数值越小越靠前
type Stage int

const (
	StageFirewall Stage = iota + 1 // 防火墙，阻断IDS告警的五元组
	StageMirror                    // 镜像，触发阈值的端口流量复制到IDS
	StageTripwire                  // 阈值检测与转发
)

func (s Stage) String() string {
	switch s {
	case StageFirewall:
		return "firewall"
	case StageMirror:
		return "mirror"
	case StageTripwire:
		return "tripwire"
	default:
		return "unknown"
	}
}

package types

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"net"

	"github.com/haolipeng/gopacket/layers"
)

// IdsAlert Security Onion(sguil)通过syslog发送的告警
type IdsAlert struct {
	Server    string `json:"server"`
	Category  string `json:"category"`
	Sensor    string `json:"sensor"`
	Date      string `json:"date"`
	Signature string `json:"signature"`
	SrcIP     string `json:"src_ip"`
	DstIP     string `json:"dst_ip"`
	Proto     string `json:"proto"`
	SrcPort   string `json:"src_port"`
	DstPort   string `json:"dst_port"`
	Pid       string `json:"pid"`
	Sid       string `json:"sid"`
}

// Vars 告警字段，供CEL过滤表达式使用
func (a *IdsAlert) Vars() map[string]interface{} {
	return map[string]interface{}{
		"alert.server":    a.Server,
		"alert.category":  a.Category,
		"alert.sensor":    a.Sensor,
		"alert.date":      a.Date,
		"alert.signature": a.Signature,
		"alert.src_ip":    a.SrcIP,
		"alert.dst_ip":    a.DstIP,
		"alert.proto":     a.Proto,
		"alert.src_port":  a.SrcPort,
		"alert.dst_port":  a.DstPort,
		"alert.pid":       a.Pid,
		"alert.sid":       a.Sid,
	}
}

const (
	ProtoTCP = uint8(layers.IPProtocolTCP)
	ProtoUDP = uint8(layers.IPProtocolUDP)
)

// FirewallDropKey 防火墙阻断的五元组
type FirewallDropKey struct {
	Protocol uint8  `json:"protocol"`
	SrcIP    string `json:"src_ip"`
	DstIP    string `json:"dst_ip"`
	SrcPort  uint16 `json:"src_port"`
	DstPort  uint16 `json:"dst_port"`
}

func (k FirewallDropKey) String() string {
	return fmt.Sprintf("%s %s:%d -> %s:%d", layers.IPProtocol(k.Protocol), k.SrcIP, k.SrcPort, k.DstIP, k.DstPort)
}

// Cookie 由五元组计算出的流表cookie，用于在流统计中找回对应规则。
// 各字段按定长编码后再哈希: proto(1) src(4) dst(4) sport(2) dport(2)
func (k FirewallDropKey) Cookie() uint64 {
	buf := make([]byte, 0, 13)
	buf = append(buf, k.Protocol)
	buf = appendIPv4(buf, k.SrcIP)
	buf = appendIPv4(buf, k.DstIP)
	buf = binary.BigEndian.AppendUint16(buf, k.SrcPort)
	buf = binary.BigEndian.AppendUint16(buf, k.DstPort)

	h := fnv.New64a()
	h.Write(buf)
	return h.Sum64()
}

// appendIPv4 非IPv4地址按长度前缀加原始字符串编码
func appendIPv4(buf []byte, s string) []byte {
	if ip := net.ParseIP(s).To4(); ip != nil {
		return append(buf, ip...)
	}
	buf = append(buf, byte(len(s)))
	return append(buf, s...)
}

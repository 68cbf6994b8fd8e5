package ids

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/haolipeng/morepork/pkg/types"
)

// sguilAlertPattern Security Onion sguil_alert syslog格式
var sguilAlertPattern = regexp.MustCompile(
	`^<\d{2}>\w{3}\s+\d{1,2}\s\d\d:\d\d:\d\d (?P<server>[\w\-]+) sguil_alert: .*Alert Received: \d \d ` +
		`(?P<category>[\w\-]+) (?P<sensor>[\w\-]+) \{(?P<date>\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2})\}` +
		`.*\{(?P<signature>.*?)\} ` +
		`(?P<src_ip>\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}) (?P<dst_ip>\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}) ` +
		`(?P<proto>\d+) (?P<src_port>\d+) (?P<dst_port>\d+) (?P<pid>\d+) (?P<sid>\d+)`)

// Parse 解析一条告警，不匹配时返回ErrMalformedAlert
func Parse(raw []byte) (*types.IdsAlert, error) {
	line := strings.TrimRight(string(raw), "\r\n\x00")
	m := sguilAlertPattern.FindStringSubmatch(line)
	if m == nil {
		return nil, fmt.Errorf("%w: %q", types.ErrMalformedAlert, truncate(line, 128))
	}

	group := func(name string) string {
		return m[sguilAlertPattern.SubexpIndex(name)]
	}
	return &types.IdsAlert{
		Server:    group("server"),
		Category:  group("category"),
		Sensor:    group("sensor"),
		Date:      group("date"),
		Signature: group("signature"),
		SrcIP:     group("src_ip"),
		DstIP:     group("dst_ip"),
		Proto:     group("proto"),
		SrcPort:   group("src_port"),
		DstPort:   group("dst_port"),
		Pid:       group("pid"),
		Sid:       group("sid"),
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

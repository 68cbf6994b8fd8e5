package tripwire

import (
	"fmt"
	"os"
	"sort"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/haolipeng/morepork/pkg/types"
)

// LoadRulesFromFile 从YAML文件加载阈值规则，结果按dpid、端口、指标排序
func LoadRulesFromFile(filePath string) ([]Rule, error) {
	if filePath == "" {
		return nil, types.ErrConfigMissing
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read tripwire file: %w", err)
	}

	return ParseRules(data)
}

// ParseRules 解析阈值配置内容
func ParseRules(data []byte) ([]Rule, error) {
	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse tripwire file: %w", err)
	}

	rules := make([]Rule, 0)
	for dpid, ports := range file.Port {
		for port, metrics := range ports {
			for metric, spec := range metrics {
				log := logrus.WithFields(logrus.Fields{
					"dpid":    types.FormatDpid(dpid),
					"port_no": port,
					"metric":  metric,
				})

				rule := Rule{Dpid: dpid, PortNo: port, Metric: metric}
				if spec == nil || spec.Threshold == nil {
					log.Warn("Tripwire has no threshold, it will never trip")
					rules = append(rules, rule)
					continue
				}

				rule.Threshold = *spec.Threshold
				rule.HasThreshold = true
				rule.Derivative = spec.Derivative
				if rule.Derivative < DerivativeNone || rule.Derivative > DerivativeOrder2 {
					log.Warnf("Unsupported derivative %d, using raw value", rule.Derivative)
					rule.Derivative = DerivativeNone
				}
				if !types.IsKnownMetric(metric) {
					log.Warn("Unknown port metric")
				}
				rules = append(rules, rule)
			}
		}
	}

	sortRules(rules)
	return rules, nil
}

func sortRules(rules []Rule) {
	sort.Slice(rules, func(i, j int) bool {
		if rules[i].Dpid != rules[j].Dpid {
			return rules[i].Dpid < rules[j].Dpid
		}
		if rules[i].PortNo != rules[j].PortNo {
			return rules[i].PortNo < rules[j].PortNo
		}
		return rules[i].Metric < rules[j].Metric
	})
}

package state

import (
	"encoding/json"
	"fmt"

	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/domain"
)

// AlarmEvaluator 告警评估器
// 状态合并完成后调用，根据 calculated_metrics 得出告警状态。
// alarm_count 的递增由 Manager 负责（仅在 normal -> 告警 的跃迁时+1）。
type AlarmEvaluator interface {
	Evaluate(s *domain.AssetState) (status string)
}

// ThresholdRule 单指标阈值规则
// 指针为 nil 表示该方向不设阈值。
type ThresholdRule struct {
	MetricName string   `json:"metric_name"`
	WarnHigh   *float64 `json:"warn_high,omitempty"`
	CritHigh   *float64 `json:"crit_high,omitempty"`
	WarnLow    *float64 `json:"warn_low,omitempty"`
	CritLow    *float64 `json:"crit_low,omitempty"`
}

// ThresholdEvaluator 静态阈值告警评估器
type ThresholdEvaluator struct {
	rules map[string]ThresholdRule // metric_name -> rule
}

// NewThresholdEvaluator 创建阈值评估器
func NewThresholdEvaluator(rules []ThresholdRule) *ThresholdEvaluator {
	m := make(map[string]ThresholdRule, len(rules))
	for _, r := range rules {
		m[r.MetricName] = r
	}
	return &ThresholdEvaluator{rules: m}
}

// 确保实现了接口
var _ AlarmEvaluator = (*ThresholdEvaluator)(nil)

// Evaluate 扫描计算指标，返回最严重级别
func (e *ThresholdEvaluator) Evaluate(s *domain.AssetState) string {
	status := domain.AlarmStatusNormal
	for metric, mv := range s.CalculatedMetrics {
		rule, ok := e.rules[metric]
		if !ok {
			continue
		}
		switch rule.classify(mv.Value) {
		case domain.AlarmStatusCritical:
			return domain.AlarmStatusCritical
		case domain.AlarmStatusWarning:
			status = domain.AlarmStatusWarning
		}
	}
	return status
}

func (r ThresholdRule) classify(value float64) string {
	if r.CritHigh != nil && value >= *r.CritHigh {
		return domain.AlarmStatusCritical
	}
	if r.CritLow != nil && value <= *r.CritLow {
		return domain.AlarmStatusCritical
	}
	if r.WarnHigh != nil && value >= *r.WarnHigh {
		return domain.AlarmStatusWarning
	}
	if r.WarnLow != nil && value <= *r.WarnLow {
		return domain.AlarmStatusWarning
	}
	return domain.AlarmStatusNormal
}

// ParseThresholds 解析阈值规则JSON（来自 ALARM_THRESHOLDS 环境变量）
// 空串返回空规则集（所有资产保持 normal）。
func ParseThresholds(jsonStr string) ([]ThresholdRule, error) {
	if jsonStr == "" {
		return nil, nil
	}
	var rules []ThresholdRule
	if err := json.Unmarshal([]byte(jsonStr), &rules); err != nil {
		return nil, fmt.Errorf("failed to parse threshold rules: %w", err)
	}
	for _, r := range rules {
		if r.MetricName == "" {
			return nil, fmt.Errorf("threshold rule missing metric_name")
		}
	}
	return rules, nil
}

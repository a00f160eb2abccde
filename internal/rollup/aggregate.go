package rollup

import (
	"time"

	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/domain"
)

// PointMeta 集合中最新样本的事件时间与到达序
// last 方法的决胜依据：事件时间优先，同时间取到达序更大者。
type PointMeta struct {
	EventTime time.Time
	Seq       int64
}

// after 判断 p 是否比 other 更新
func (p PointMeta) after(other PointMeta) bool {
	if !p.EventTime.Equal(other.EventTime) {
		return p.EventTime.After(other.EventTime)
	}
	return p.Seq > other.Seq
}

// AggregateContributions 本级聚合
// 对桶内按 (event_time, id) 升序排好的贡献做一次固定顺序折叠，
// 相同输入永远得到相同结果。空集由调用方自行处理，不会走到这里。
func AggregateContributions(method string, cs []*domain.TelemetryContribution) (float64, PointMeta, error) {
	meta := PointMeta{EventTime: cs[0].EventTime, Seq: cs[0].ID}
	for _, c := range cs[1:] {
		if (PointMeta{EventTime: c.EventTime, Seq: c.ID}).after(meta) {
			meta = PointMeta{EventTime: c.EventTime, Seq: c.ID}
		}
	}

	switch method {
	case domain.AggAvg:
		var sum float64
		for _, c := range cs {
			sum += c.Value
		}
		return sum / float64(len(cs)), meta, nil
	case domain.AggSum:
		var sum float64
		for _, c := range cs {
			sum += c.Value
		}
		return sum, meta, nil
	case domain.AggMin:
		min := cs[0].Value
		for _, c := range cs[1:] {
			if c.Value < min {
				min = c.Value
			}
		}
		return min, meta, nil
	case domain.AggMax:
		max := cs[0].Value
		for _, c := range cs[1:] {
			if c.Value > max {
				max = c.Value
			}
		}
		return max, meta, nil
	case domain.AggCount:
		return float64(len(cs)), meta, nil
	case domain.AggLast:
		last := cs[0]
		for _, c := range cs[1:] {
			if (PointMeta{EventTime: c.EventTime, Seq: c.ID}).after(PointMeta{EventTime: last.EventTime, Seq: last.ID}) {
				last = c
			}
		}
		return last.Value, meta, nil
	}
	return 0, meta, domain.NewFatalConfig("unknown aggregation method: %s", method)
}

// Element 上卷合并的一个输入：本级聚合值，或加权后的子级桶值
type Element struct {
	Value float64
	Meta  PointMeta
}

// CombineElements 上卷合并：按父级方法折叠元素集
// 元素按固定顺序传入（本级在前，子级按资产ID升序）。
// count 方法对元素值求和（元素值本身就是各级计数）；
// last 方法取底层事件时间最新的元素。
func CombineElements(method string, elems []Element) (float64, error) {
	switch method {
	case domain.AggAvg:
		var sum float64
		for _, e := range elems {
			sum += e.Value
		}
		return sum / float64(len(elems)), nil
	case domain.AggSum, domain.AggCount:
		var sum float64
		for _, e := range elems {
			sum += e.Value
		}
		return sum, nil
	case domain.AggMin:
		min := elems[0].Value
		for _, e := range elems[1:] {
			if e.Value < min {
				min = e.Value
			}
		}
		return min, nil
	case domain.AggMax:
		max := elems[0].Value
		for _, e := range elems[1:] {
			if e.Value > max {
				max = e.Value
			}
		}
		return max, nil
	case domain.AggLast:
		last := elems[0]
		for _, e := range elems[1:] {
			if e.Meta.after(last.Meta) {
				last = e
			}
		}
		return last.Value, nil
	}
	return 0, domain.NewFatalConfig("unknown aggregation method: %s", method)
}

package rollup

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alaininaustralia-ux/Sensormine-Platform-v5-sub005/internal/domain"
)

func contribs(vals ...float64) []*domain.TelemetryContribution {
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	out := make([]*domain.TelemetryContribution, len(vals))
	for i, v := range vals {
		out[i] = &domain.TelemetryContribution{
			ID:        int64(i + 1),
			Value:     v,
			EventTime: base.Add(time.Duration(i) * time.Second),
		}
	}
	return out
}

func TestAggregateContributions_Methods(t *testing.T) {
	cases := []struct {
		method string
		vals   []float64
		want   float64
	}{
		{domain.AggAvg, []float64{22.5, 23.0}, 22.75},
		{domain.AggSum, []float64{1, 2, 3.5}, 6.5},
		{domain.AggMin, []float64{4, -2, 9}, -2},
		{domain.AggMax, []float64{4, -2, 9}, 9},
		{domain.AggCount, []float64{4, -2, 9}, 3},
		{domain.AggLast, []float64{4, -2, 9}, 9},
	}
	for _, tc := range cases {
		t.Run(tc.method, func(t *testing.T) {
			got, meta, err := AggregateContributions(tc.method, contribs(tc.vals...))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, int64(len(tc.vals)), meta.Seq)
		})
	}
}

func TestAggregateContributions_LastByEventTime(t *testing.T) {
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	// 事件时间与到达序相反：最新事件先到达
	cs := []*domain.TelemetryContribution{
		{ID: 1, Value: 30, EventTime: base.Add(20 * time.Second)},
		{ID: 2, Value: 10, EventTime: base},
	}
	got, meta, err := AggregateContributions(domain.AggLast, cs)
	require.NoError(t, err)
	assert.Equal(t, 30.0, got)
	assert.Equal(t, base.Add(20*time.Second), meta.EventTime)
	assert.Equal(t, int64(1), meta.Seq)
}

func TestAggregateContributions_LastTieBreaksByArrival(t *testing.T) {
	ts := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	cs := []*domain.TelemetryContribution{
		{ID: 1, Value: 5, EventTime: ts},
		{ID: 2, Value: 7, EventTime: ts},
	}
	got, meta, err := AggregateContributions(domain.AggLast, cs)
	require.NoError(t, err)
	assert.Equal(t, 7.0, got)
	assert.Equal(t, int64(2), meta.Seq)
}

func TestAggregateContributions_UnknownMethod(t *testing.T) {
	_, _, err := AggregateContributions("median", contribs(1))
	assert.True(t, domain.IsFatalConfig(err))
}

func TestCombineElements_WeightedSum(t *testing.T) {
	// 子级已加权：10×1.0 与 20×2.0，父级方法 sum
	got, err := CombineElements(domain.AggSum, []Element{
		{Value: 10},
		{Value: 40},
	})
	require.NoError(t, err)
	assert.Equal(t, 50.0, got)
}

func TestCombineElements_Methods(t *testing.T) {
	elems := []Element{{Value: 15}, {Value: 30}}

	avg, err := CombineElements(domain.AggAvg, elems)
	require.NoError(t, err)
	assert.Equal(t, 22.5, avg)

	min, err := CombineElements(domain.AggMin, elems)
	require.NoError(t, err)
	assert.Equal(t, 15.0, min)

	max, err := CombineElements(domain.AggMax, elems)
	require.NoError(t, err)
	assert.Equal(t, 30.0, max)

	// count 合并是求和：元素值本身是各级计数
	cnt, err := CombineElements(domain.AggCount, []Element{{Value: 3}, {Value: 5}})
	require.NoError(t, err)
	assert.Equal(t, 8.0, cnt)
}

func TestCombineElements_LastPicksLatestMeta(t *testing.T) {
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	got, err := CombineElements(domain.AggLast, []Element{
		{Value: 1, Meta: PointMeta{EventTime: base, Seq: 9}},
		{Value: 2, Meta: PointMeta{EventTime: base.Add(time.Second), Seq: 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2.0, got)

	// 同事件时间：到达序大者胜
	got, err = CombineElements(domain.AggLast, []Element{
		{Value: 1, Meta: PointMeta{EventTime: base, Seq: 2}},
		{Value: 2, Meta: PointMeta{EventTime: base, Seq: 1}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1.0, got)
}

func TestCombineElements_UnknownMethod(t *testing.T) {
	_, err := CombineElements("p95", []Element{{Value: 1}})
	assert.True(t, domain.IsFatalConfig(err))
}

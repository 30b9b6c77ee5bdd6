package comparison

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/log"
	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/pkg/model"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type source map[string][]model.TelemetrySample

func (s source) Samples(id string) []model.TelemetrySample {
	return s[id]
}

func sample(driverID string, offset time.Duration, speed float64) model.TelemetrySample {
	return model.TelemetrySample{
		DriverID:  driverID,
		Timestamp: t0.Add(offset),
		Speed:     speed,
		RPM:       7000,
		Gear:      4,
		Throttle:  0.8,
	}
}

func newEngine(src Source, opts ...Option) *Engine {
	return NewEngine(src, append([]Option{WithLogger(log.NewNop())}, opts...)...)
}

func TestCompare_NoSamplesForB(t *testing.T) {
	e := newEngine(source{"A": {sample("A", 0, 200)}})

	res := e.Compare("A", "B")
	assert.Equal(t, len(res.Metrics), len(DefaultMetrics))
	for i, m := range res.Metrics {
		assert.Equal(t, m.Metric, DefaultMetrics[i])
		assert.Equal(t, m.Status, StatusInsufficientData)
		assert.Check(t, m.HasA)
		assert.Check(t, !m.HasB)
		assert.Check(t, m.ValueB.IsNull())
		assert.Check(t, m.Delta.IsNull())
	}
	assert.Equal(t, res.Metrics[0].ValueA.GetOrZero(), 200.0)
	assert.Check(t, !res.Sufficient())
	assert.Check(t, res.TimeA.IsZero())
}

func TestCompare_Aligned(t *testing.T) {
	e := newEngine(source{
		"A": {sample("A", 0, 212.34)},
		"B": {sample("B", 30*time.Millisecond, 208.12)},
	})

	res := e.Compare("A", "B", "speed", "gear")
	assert.Check(t, res.Sufficient())
	assert.Equal(t, res.TimeA, t0)
	assert.Equal(t, res.TimeB, t0.Add(30*time.Millisecond))

	speed := res.Metrics[0]
	assert.Equal(t, speed.Status, StatusOK)
	assert.Equal(t, speed.ValueA.GetOrZero(), 212.3)
	assert.Equal(t, speed.ValueB.GetOrZero(), 208.1)
	assert.Equal(t, speed.Delta.GetOrZero(), 4.2)

	gear := res.Metrics[1]
	assert.Check(t, gear.Delta.IsValue())
	assert.Equal(t, gear.Delta.GetOrZero(), 0.0)
}

func TestCompare_Unaligned(t *testing.T) {
	e := newEngine(source{
		"A": {sample("A", 0, 200)},
		"B": {sample("B", 200*time.Millisecond, 190)},
	})

	res := e.Compare("A", "B", "speed")
	m := res.Metrics[0]
	assert.Equal(t, m.Status, StatusInsufficientData)
	assert.Check(t, m.HasA && m.HasB)
	assert.Equal(t, m.ValueA.GetOrZero(), 200.0)
	assert.Equal(t, m.ValueB.GetOrZero(), 190.0)
	assert.Check(t, m.Delta.IsNull(), "no delta without an aligned pair")
}

func TestCompare_MostRecentPair(t *testing.T) {
	e := newEngine(source{
		"A": {
			sample("A", 0, 100),
			sample("A", 100*time.Millisecond, 110),
			sample("A", 200*time.Millisecond, 120),
		},
		// out of order on purpose
		"B": {
			sample("B", 110*time.Millisecond, 105),
			sample("B", 10*time.Millisecond, 95),
		},
	})

	res := e.Compare("A", "B", "speed")
	assert.Equal(t, res.TimeA, t0.Add(100*time.Millisecond))
	assert.Equal(t, res.TimeB, t0.Add(110*time.Millisecond))
	assert.Equal(t, res.Metrics[0].Delta.GetOrZero(), 5.0)
}

func TestCompare_Window(t *testing.T) {
	e := newEngine(source{
		"A": {sample("A", 0, 100)},
		"B": {sample("B", 10*time.Second, 100)},
	}, WithWindow(5*time.Second))

	m := e.Compare("A", "B", "speed").Metrics[0]
	assert.Equal(t, m.Status, StatusInsufficientData)
	assert.Check(t, !m.HasA, "sample of A is older than the window")
	assert.Check(t, m.HasB)
	assert.Check(t, m.ValueA.IsNull())
}

func TestCompare_Epsilon(t *testing.T) {
	src := source{
		"A": {sample("A", 0, 100)},
		"B": {sample("B", 80*time.Millisecond, 90)},
	}
	assert.Equal(t, newEngine(src).Compare("A", "B", "speed").Metrics[0].Status, StatusInsufficientData)
	assert.Equal(t,
		newEngine(src, WithEpsilon(100*time.Millisecond)).Compare("A", "B", "speed").Metrics[0].Status,
		StatusOK)
}

func TestCompare_UnknownMetric(t *testing.T) {
	e := newEngine(source{"A": {sample("A", 0, 1)}, "B": {sample("B", 0, 1)}})
	res := e.Compare("A", "B", "speed", "downforce")
	assert.Equal(t, res.Metrics[1].Status, StatusUnknownMetric)
	assert.Check(t, res.Metrics[1].Delta.IsNull())
	assert.Check(t, !res.Sufficient())
}

func TestCompare_CustomMetricAndAll(t *testing.T) {
	e := newEngine(source{"A": {sample("A", 0, 1)}, "B": {sample("B", 0, 1)}},
		WithMetric(Metric{Name: "kmh2", Precision: 0, Value: func(s model.TelemetrySample) float64 { return s.Speed * 2 }}))

	res := e.Compare("A", "B", AllMetrics()...)
	assert.Check(t, res.Sufficient())
	assert.Check(t, is.Contains(e.MetricNames(), "kmh2"))
	assert.Check(t, is.Contains(e.MetricNames(), "tireWearRR"))
}

func TestResult_ToEvent(t *testing.T) {
	e := newEngine(source{"A": {sample("A", 0, 150)}})
	ev := e.Compare("A", "B", "speed").ToEvent("cmp-1")

	assert.Equal(t, ev.ComparisonID, "cmp-1")
	assert.Equal(t, ev.DriverA, "A")
	assert.Equal(t, len(ev.Metrics), 1)
	assert.Equal(t, ev.Metrics[0].Status, string(StatusInsufficientData))
	assert.Check(t, ev.Metrics[0].Delta.IsNull())
}

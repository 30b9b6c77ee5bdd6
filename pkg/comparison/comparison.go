// Package comparison computes per metric deltas between the recent telemetry
// of two drivers. It reads the buffers on demand and keeps no state.
package comparison

import (
	"slices"
	"sort"
	"time"

	"github.com/aarondl/opt/null"
	"github.com/shopspring/decimal"

	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/log"
	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/pkg/events"
	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/pkg/model"
)

const (
	DefaultWindow  = 5 * time.Second
	DefaultEpsilon = 50 * time.Millisecond
)

type Status string

const (
	StatusOK               Status = "ok"
	StatusInsufficientData Status = "insufficient_data"
	StatusUnknownMetric    Status = "unknown_metric"
)

type (
	// Source provides buffered samples, oldest first.
	Source interface {
		Samples(driverID string) []model.TelemetrySample
	}

	Metric struct {
		Name string
		// decimal places kept in values and delta
		Precision int32
		Value     func(model.TelemetrySample) float64
	}

	MetricResult struct {
		Metric string
		Status Status
		ValueA null.Val[float64]
		ValueB null.Val[float64]
		Delta  null.Val[float64]
		// whether the side had samples inside the window
		HasA bool
		HasB bool
	}

	Result struct {
		DriverA string
		DriverB string
		// timestamps of the aligned pair, zero if none was found
		TimeA   time.Time
		TimeB   time.Time
		Metrics []MetricResult
	}

	Option func(*Engine)

	Engine struct {
		src     Source
		window  time.Duration
		epsilon time.Duration
		metrics map[string]Metric
		l       *log.Logger
	}
)

func WithWindow(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.window = d
		}
	}
}

func WithEpsilon(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.epsilon = d
		}
	}
}

// WithMetric adds or replaces a metric definition.
func WithMetric(m Metric) Option {
	return func(e *Engine) {
		e.metrics[m.Name] = m
	}
}

func WithLogger(l *log.Logger) Option {
	return func(e *Engine) {
		e.l = l
	}
}

func NewEngine(src Source, opts ...Option) *Engine {
	e := &Engine{
		src:     src,
		window:  DefaultWindow,
		epsilon: DefaultEpsilon,
		metrics: make(map[string]Metric, len(builtin)),
		l:       log.Default().Named("comparison"),
	}
	for _, m := range builtin {
		e.metrics[m.Name] = m
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// MetricNames returns the names of all known metrics, sorted.
func (e *Engine) MetricNames() []string {
	ret := make([]string, 0, len(e.metrics))
	for name := range e.metrics {
		ret = append(ret, name)
	}
	sort.Strings(ret)
	return ret
}

// Compare reports the requested metrics for the most recent pair of samples
// of a and b that lie within epsilon of each other. Without such a pair every
// metric is marked insufficient data; values are never made up. An empty
// metric list means DefaultMetrics.
func (e *Engine) Compare(a, b string, metrics ...string) Result {
	if len(metrics) == 0 {
		metrics = DefaultMetrics
	}
	samplesA := sortedByTime(e.src.Samples(a))
	samplesB := sortedByTime(e.src.Samples(b))

	newest := time.Time{}
	for _, s := range [][]model.TelemetrySample{samplesA, samplesB} {
		if len(s) > 0 && s[len(s)-1].Timestamp.After(newest) {
			newest = s[len(s)-1].Timestamp
		}
	}
	start := newest.Add(-e.window)
	samplesA = inWindow(samplesA, start)
	samplesB = inWindow(samplesB, start)

	ret := Result{DriverA: a, DriverB: b, Metrics: make([]MetricResult, 0, len(metrics))}
	sa, sb, aligned := e.align(samplesA, samplesB)
	if aligned {
		ret.TimeA, ret.TimeB = sa.Timestamp, sb.Timestamp
	}

	for _, name := range metrics {
		mr := MetricResult{Metric: name, HasA: len(samplesA) > 0, HasB: len(samplesB) > 0}
		m, ok := e.metrics[name]
		switch {
		case !ok:
			mr.Status = StatusUnknownMetric
		case aligned:
			va := round(m.Value(sa), m.Precision)
			vb := round(m.Value(sb), m.Precision)
			mr.Status = StatusOK
			mr.ValueA = null.From(va.InexactFloat64())
			mr.ValueB = null.From(vb.InexactFloat64())
			mr.Delta = null.From(va.Sub(vb).InexactFloat64())
		default:
			mr.Status = StatusInsufficientData
			// a side that has data still reports its latest value
			if mr.HasA {
				mr.ValueA = null.From(round(m.Value(samplesA[len(samplesA)-1]), m.Precision).InexactFloat64())
			}
			if mr.HasB {
				mr.ValueB = null.From(round(m.Value(samplesB[len(samplesB)-1]), m.Precision).InexactFloat64())
			}
		}
		ret.Metrics = append(ret.Metrics, mr)
	}
	if !aligned {
		e.l.Debug("no aligned samples",
			log.String("driverA", a), log.String("driverB", b),
			log.Int("samplesA", len(samplesA)), log.Int("samplesB", len(samplesB)))
	}
	return ret
}

// align walks a from newest to oldest and pairs each sample with the nearest
// sample of b. The first pair within epsilon wins.
func (e *Engine) align(a, b []model.TelemetrySample) (sa, sb model.TelemetrySample, ok bool) {
	if len(a) == 0 || len(b) == 0 {
		return sa, sb, false
	}
	for i := len(a) - 1; i >= 0; i-- {
		ts := a[i].Timestamp
		j := sort.Search(len(b), func(k int) bool { return !b[k].Timestamp.Before(ts) })
		best := -1
		var bestDiff time.Duration
		for _, k := range []int{j - 1, j} {
			if k < 0 || k >= len(b) {
				continue
			}
			diff := absDuration(b[k].Timestamp.Sub(ts))
			if best < 0 || diff < bestDiff {
				best, bestDiff = k, diff
			}
		}
		if best >= 0 && bestDiff <= e.epsilon {
			return a[i], b[best], true
		}
	}
	return sa, sb, false
}

// ToEvent converts r into the wire event announced to the peer.
func (r Result) ToEvent(comparisonID string) events.ComparisonResult {
	ret := events.ComparisonResult{
		ComparisonID: comparisonID,
		DriverA:      r.DriverA,
		DriverB:      r.DriverB,
		Metrics:      make([]events.ComparisonMetric, 0, len(r.Metrics)),
	}
	for _, m := range r.Metrics {
		ret.Metrics = append(ret.Metrics, events.ComparisonMetric{
			Metric: m.Metric,
			Status: string(m.Status),
			ValueA: m.ValueA,
			ValueB: m.ValueB,
			Delta:  m.Delta,
		})
	}
	return ret
}

// Sufficient reports whether every metric has a delta.
func (r Result) Sufficient() bool {
	for _, m := range r.Metrics {
		if m.Status != StatusOK {
			return false
		}
	}
	return len(r.Metrics) > 0
}

func sortedByTime(s []model.TelemetrySample) []model.TelemetrySample {
	if !slices.IsSortedFunc(s, cmpTimestamp) {
		s = slices.Clone(s)
		slices.SortStableFunc(s, cmpTimestamp)
	}
	return s
}

func cmpTimestamp(a, b model.TelemetrySample) int {
	return a.Timestamp.Compare(b.Timestamp)
}

func inWindow(s []model.TelemetrySample, start time.Time) []model.TelemetrySample {
	idx := sort.Search(len(s), func(i int) bool { return !s[i].Timestamp.Before(start) })
	return s[idx:]
}

func round(v float64, places int32) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(places)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

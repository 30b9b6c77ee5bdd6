package comparison

import "github.com/SingSongScreamAlong/ProjectBlackBox-sub000/pkg/model"

// DefaultMetrics is the set used when no metrics are requested.
var DefaultMetrics = []string{"speed", "throttle", "brake", "gear", "rpm", "steering"}

var builtin = []Metric{
	{Name: "speed", Precision: 1, Value: func(s model.TelemetrySample) float64 { return s.Speed }},
	{Name: "rpm", Precision: 0, Value: func(s model.TelemetrySample) float64 { return s.RPM }},
	{Name: "gear", Precision: 0, Value: func(s model.TelemetrySample) float64 { return float64(s.Gear) }},
	{Name: "throttle", Precision: 3, Value: func(s model.TelemetrySample) float64 { return s.Throttle }},
	{Name: "brake", Precision: 3, Value: func(s model.TelemetrySample) float64 { return s.Brake }},
	{Name: "steering", Precision: 3, Value: func(s model.TelemetrySample) float64 { return s.Steering }},
	{Name: "lap", Precision: 0, Value: func(s model.TelemetrySample) float64 { return float64(s.Lap) }},
	{Name: "sector", Precision: 0, Value: func(s model.TelemetrySample) float64 { return float64(s.Sector) }},
	{Name: "lapDistPct", Precision: 4, Value: func(s model.TelemetrySample) float64 { return s.LapDistPct }},
	{Name: "lapTime", Precision: 3, Value: func(s model.TelemetrySample) float64 { return s.LapTime }},
	{Name: "fuel", Precision: 2, Value: func(s model.TelemetrySample) float64 { return s.Fuel }},
	tireMetric("tireTempFL", 1, 0, temps), tireMetric("tireTempFR", 1, 1, temps),
	tireMetric("tireTempRL", 1, 2, temps), tireMetric("tireTempRR", 1, 3, temps),
	tireMetric("tireWearFL", 3, 0, wear), tireMetric("tireWearFR", 3, 1, wear),
	tireMetric("tireWearRL", 3, 2, wear), tireMetric("tireWearRR", 3, 3, wear),
}

func temps(s model.TelemetrySample) [4]float64 { return s.TireTemps }
func wear(s model.TelemetrySample) [4]float64  { return s.TireWear }

func tireMetric(name string, precision int32, idx int, f func(model.TelemetrySample) [4]float64) Metric {
	return Metric{
		Name:      name,
		Precision: precision,
		Value:     func(s model.TelemetrySample) float64 { return f(s)[idx] },
	}
}

// AllMetrics lists every built-in metric.
func AllMetrics() []string {
	ret := make([]string, 0, len(builtin))
	for _, m := range builtin {
		ret = append(ret, m.Name)
	}
	return ret
}

package events

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/pkg/model"
)

const (
	maxSpeed = 500.0   // km/h
	maxRPM   = 25000.0 //
	maxGear  = 10
	maxFuel  = 500.0 // liters
	maxTemp  = 300.0 // celsius
)

// telemetry frames are decoded field by field: a bad channel is replaced by a
// safe default and recorded in Sanitized, the sample itself is kept.
func decodeTelemetry(data json.RawMessage) (Event, error) {
	var raw struct {
		DriverID string                     `json:"driverId"`
		Sample   map[string]json.RawMessage `json:"sample"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: telemetry payload: %w", ErrProtocol, err)
	}
	if raw.DriverID == "" {
		return nil, fmt.Errorf("%w: telemetry without driverId", ErrProtocol)
	}
	s := sampleReader{fields: raw.Sample}
	sample := model.TelemetrySample{
		DriverID:   raw.DriverID,
		Timestamp:  s.timestamp("timestamp"),
		Speed:      s.number("speed", 0, maxSpeed),
		RPM:        s.number("rpm", 0, maxRPM),
		Gear:       int(s.number("gear", -1, maxGear)),
		Throttle:   s.number("throttle", 0, 1),
		Brake:      s.number("brake", 0, 1),
		Steering:   s.number("steering", -2*math.Pi, 2*math.Pi),
		Lap:        int(s.number("lap", 0, math.MaxInt32)),
		Sector:     int(s.number("sector", 0, 64)),
		LapDistPct: s.number("lapDistPct", 0, 1),
		LapTime:    s.number("lapTime", 0, 24*3600),
		Fuel:       s.number("fuel", 0, maxFuel),
		TireTemps:  s.quad("tireTemps", -50, maxTemp),
		TireWear:   s.quad("tireWear", 0, 1),
	}
	return Telemetry{DriverID: raw.DriverID, Sample: sample, Sanitized: s.sanitized}, nil
}

type sampleReader struct {
	fields    map[string]json.RawMessage
	sanitized []string
}

func (r *sampleReader) number(name string, low, high float64) float64 {
	raw, ok := r.fields[name]
	if !ok {
		r.sanitized = append(r.sanitized, name)
		return 0
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil || v < low || v > high {
		r.sanitized = append(r.sanitized, name)
		return 0
	}
	return v
}

func (r *sampleReader) quad(name string, low, high float64) [4]float64 {
	var ret [4]float64
	raw, ok := r.fields[name]
	if !ok {
		r.sanitized = append(r.sanitized, name)
		return ret
	}
	var values []float64
	if err := json.Unmarshal(raw, &values); err != nil || len(values) != 4 {
		r.sanitized = append(r.sanitized, name)
		return ret
	}
	for i, v := range values {
		if v < low || v > high {
			r.sanitized = append(r.sanitized, fmt.Sprintf("%s[%d]", name, i))
			continue
		}
		ret[i] = v
	}
	return ret
}

// timestamp accepts RFC3339 strings or unix milliseconds. A missing or bad
// value yields the zero time; the receiver stamps the arrival time instead.
func (r *sampleReader) timestamp(name string) time.Time {
	raw, ok := r.fields[name]
	if !ok {
		return time.Time{}
	}
	var ts time.Time
	if err := json.Unmarshal(raw, &ts); err == nil {
		return ts
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err == nil && ms > 0 {
		return time.UnixMilli(ms)
	}
	r.sanitized = append(r.sanitized, name)
	return time.Time{}
}

package model

import "time"

// TelemetrySample is one timestamped vector of car channels. Tire arrays are
// ordered LF, RF, LR, RR.
type TelemetrySample struct {
	Timestamp  time.Time  `json:"timestamp"`
	DriverID   string     `json:"driverId"`
	Speed      float64    `json:"speed"`    // km/h
	RPM        float64    `json:"rpm"`      //
	Gear       int        `json:"gear"`     // -1 reverse, 0 neutral
	Throttle   float64    `json:"throttle"` // 0..1
	Brake      float64    `json:"brake"`    // 0..1
	Steering   float64    `json:"steering"` // radians, negative left
	Lap        int        `json:"lap"`
	Sector     int        `json:"sector"`
	LapDistPct float64    `json:"lapDistPct"` // 0..1
	LapTime    float64    `json:"lapTime"`    // seconds into the current lap
	Fuel       float64    `json:"fuel"`       // liters
	TireTemps  [4]float64 `json:"tireTemps"`  // celsius
	TireWear   [4]float64 `json:"tireWear"`   // 0..1 remaining
}

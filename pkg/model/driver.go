package model

import "time"

type DriverRole string

const (
	RolePrimary   DriverRole = "primary"
	RoleSecondary DriverRole = "secondary"
	RoleReserve   DriverRole = "reserve"
)

type DriverStatus string

const (
	StatusActive  DriverStatus = "active"
	StatusStandby DriverStatus = "standby"
	StatusOffline DriverStatus = "offline"
)

func (s DriverStatus) Valid() bool {
	switch s {
	case StatusActive, StatusStandby, StatusOffline:
		return true
	}
	return false
}

func (r DriverRole) Valid() bool {
	switch r {
	case RolePrimary, RoleSecondary, RoleReserve:
		return true
	}
	return false
}

type UnitSystem string

const (
	UnitsMetric   UnitSystem = "metric"
	UnitsImperial UnitSystem = "imperial"
)

type Preferences struct {
	Units        UnitSystem `json:"units"`
	ShowDelta    bool       `json:"showDelta"`
	ShowTrackMap bool       `json:"showTrackMap"`
	// channels the driver wants on the overlay, empty means defaults
	Overlay []string `json:"overlay,omitempty"`
}

type DriverStats struct {
	TotalLaps         int           `json:"totalLaps"`
	BestLap           time.Duration `json:"bestLap"`
	ConsistencyRating float64       `json:"consistencyRating"`
	LastActiveAt      time.Time     `json:"lastActiveAt"`
}

type DriverProfile struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Team        string       `json:"team"`
	Role        DriverRole   `json:"role"`
	Status      DriverStatus `json:"status"`
	Preferences Preferences  `json:"preferences"`
	Stats       DriverStats  `json:"stats"`
}

// Clone returns a deep copy, so callers never share mutable state with the
// registry.
func (p *DriverProfile) Clone() *DriverProfile {
	if p == nil {
		return nil
	}
	ret := *p
	if p.Preferences.Overlay != nil {
		ret.Preferences.Overlay = append([]string(nil), p.Preferences.Overlay...)
	}
	return &ret
}

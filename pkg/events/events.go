package events

import (
	"time"

	"github.com/aarondl/opt/null"
	"github.com/aarondl/opt/omit"

	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/pkg/model"
)

// Event is implemented by the payload types of this package only.
type Event interface {
	Kind() Kind
	isEvent()
}

// Keyed events are coalesced per key by the dispatch throttle.
type Keyed interface {
	Event
	ThrottleKey() string
}

type (
	Connect struct {
		URL string `json:"url"`
	}
	Disconnect struct {
		Reason string `json:"reason,omitempty"`
	}
	Reconnecting struct {
		Attempt     int           `json:"attempt"`
		Delay       time.Duration `json:"delay"`
		MaxAttempts int           `json:"maxAttempts"`
	}
	ReconnectFailed struct {
		Attempts int `json:"attempts"`
	}
	Error struct {
		Err error `json:"-"`
	}
	Telemetry struct {
		DriverID string                `json:"driverId"`
		Sample   model.TelemetrySample `json:"sample"`
		// fields that were replaced by safe defaults while decoding
		Sanitized []string `json:"-"`
	}
	SessionInfo struct {
		SessionID      string                `json:"sessionId"`
		Team           string                `json:"team"`
		Track          string                `json:"track,omitempty"`
		ActiveDriverID string                `json:"activeDriverId,omitempty"`
		Drivers        []model.DriverProfile `json:"drivers"`
	}
	// DriverUpdate carries a partial profile; unset fields are left untouched.
	DriverUpdate struct {
		DriverID    string                       `json:"driverId"`
		Name        omit.Val[string]             `json:"name,omitzero"`
		Team        omit.Val[string]             `json:"team,omitzero"`
		Role        omit.Val[model.DriverRole]   `json:"role,omitzero"`
		Status      omit.Val[model.DriverStatus] `json:"status,omitzero"`
		Preferences omit.Val[model.Preferences]  `json:"preferences,omitzero"`
		Stats       omit.Val[model.DriverStats]  `json:"stats,omitzero"`
	}
	HandoffRequest struct {
		Handoff model.HandoffRequest `json:"handoff"`
	}
	HandoffResponse struct {
		HandoffID string              `json:"handoffId"`
		Status    model.HandoffStatus `json:"status"`
		Reason    model.CancelReason  `json:"reason,omitempty"`
	}
	ComparisonMetric struct {
		Metric string            `json:"metric"`
		Status string            `json:"status"`
		ValueA null.Val[float64] `json:"valueA"`
		ValueB null.Val[float64] `json:"valueB"`
		Delta  null.Val[float64] `json:"delta"`
	}
	ComparisonResult struct {
		ComparisonID string             `json:"comparisonId"`
		DriverA      string             `json:"driverA"`
		DriverB      string             `json:"driverB"`
		Metrics      []ComparisonMetric `json:"metrics"`
	}
	DriverSwitch struct {
		SwitchID     string `json:"switchId"`
		FromDriverID string `json:"fromDriverId"`
		ToDriverID   string `json:"toDriverId"`
	}
	DriverSwitchAck struct {
		SwitchID string `json:"switchId"`
		Accepted bool   `json:"accepted"`
		Reason   string `json:"reason,omitempty"`
	}
)

func (Connect) Kind() Kind          { return KindConnect }
func (Disconnect) Kind() Kind       { return KindDisconnect }
func (Reconnecting) Kind() Kind     { return KindReconnecting }
func (ReconnectFailed) Kind() Kind  { return KindReconnectFailed }
func (Error) Kind() Kind            { return KindError }
func (Telemetry) Kind() Kind        { return KindTelemetry }
func (SessionInfo) Kind() Kind      { return KindSessionInfo }
func (DriverUpdate) Kind() Kind     { return KindDriverUpdate }
func (HandoffRequest) Kind() Kind   { return KindHandoffRequest }
func (HandoffResponse) Kind() Kind  { return KindHandoffResponse }
func (ComparisonResult) Kind() Kind { return KindComparisonResult }
func (DriverSwitch) Kind() Kind     { return KindDriverSwitch }
func (DriverSwitchAck) Kind() Kind  { return KindDriverSwitchAck }

func (Connect) isEvent()          {}
func (Disconnect) isEvent()       {}
func (Reconnecting) isEvent()     {}
func (ReconnectFailed) isEvent()  {}
func (Error) isEvent()            {}
func (Telemetry) isEvent()        {}
func (SessionInfo) isEvent()      {}
func (DriverUpdate) isEvent()     {}
func (HandoffRequest) isEvent()   {}
func (HandoffResponse) isEvent()  {}
func (ComparisonResult) isEvent() {}
func (DriverSwitch) isEvent()     {}
func (DriverSwitchAck) isEvent()  {}

func (t Telemetry) ThrottleKey() string { return t.DriverID }

func (e Error) Error() string {
	if e.Err == nil {
		return "unknown error"
	}
	return e.Err.Error()
}

func (e Error) Unwrap() error { return e.Err }

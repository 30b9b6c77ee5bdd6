// Package events defines the closed set of events exchanged with the session
// backend and raised locally by the connection manager. Every event type has a
// Kind tag and a typed payload; the envelope codec maps between the two.
package events

type Kind string

const (
	KindConnect          Kind = "connect"
	KindDisconnect       Kind = "disconnect"
	KindReconnecting     Kind = "reconnecting"
	KindReconnectFailed  Kind = "reconnect_failed"
	KindError            Kind = "error"
	KindTelemetry        Kind = "telemetry"
	KindSessionInfo      Kind = "session_info"
	KindDriverUpdate     Kind = "driver_update"
	KindHandoffRequest   Kind = "handoff_request"
	KindHandoffResponse  Kind = "handoff_response"
	KindComparisonResult Kind = "comparison_result"
	KindDriverSwitch     Kind = "driver_switch"
	KindDriverSwitchAck  Kind = "driver_switch_ack"
)

// AllKinds lists every kind in declaration order.
//
//nolint:gochecknoglobals // read-only table
var AllKinds = []Kind{
	KindConnect,
	KindDisconnect,
	KindReconnecting,
	KindReconnectFailed,
	KindError,
	KindTelemetry,
	KindSessionInfo,
	KindDriverUpdate,
	KindHandoffRequest,
	KindHandoffResponse,
	KindComparisonResult,
	KindDriverSwitch,
	KindDriverSwitchAck,
}

func (k Kind) Valid() bool {
	for _, c := range AllKinds {
		if c == k {
			return true
		}
	}
	return false
}

// Local reports whether the kind is raised by the connection manager itself
// and never travels over the wire.
func (k Kind) Local() bool {
	switch k {
	case KindConnect, KindDisconnect, KindReconnecting, KindReconnectFailed, KindError:
		return true
	default:
		return false
	}
}

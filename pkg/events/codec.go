package events

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrProtocol marks a frame that could not be decoded. The frame is dropped by
// the receiver; processing continues with the next one.
var ErrProtocol = errors.New("protocol error")

type Envelope struct {
	Type Kind            `json:"type"`
	Data json.RawMessage `json:"data"`
}

func Encode(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", ev.Kind(), err)
	}
	return json.Marshal(Envelope{Type: ev.Kind(), Data: data})
}

func (e Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Error string `json:"error"`
	}{Error: e.Error()})
}

// Decode parses one frame. Errors wrap ErrProtocol.
//
//nolint:funlen,cyclop // one case per kind
func Decode(frame []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: invalid envelope: %w", ErrProtocol, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrProtocol)
	}
	if len(env.Data) == 0 {
		env.Data = json.RawMessage("{}")
	}
	switch env.Type {
	case KindTelemetry:
		return decodeTelemetry(env.Data)
	case KindSessionInfo:
		return decodeInto[SessionInfo](env)
	case KindDriverUpdate:
		ev, err := decodeInto[DriverUpdate](env)
		if err == nil && ev.(DriverUpdate).DriverID == "" {
			return nil, fmt.Errorf("%w: driver_update without driverId", ErrProtocol)
		}
		return ev, err
	case KindHandoffRequest:
		return decodeInto[HandoffRequest](env)
	case KindHandoffResponse:
		ev, err := decodeInto[HandoffResponse](env)
		if err == nil && ev.(HandoffResponse).HandoffID == "" {
			return nil, fmt.Errorf("%w: handoff_response without handoffId", ErrProtocol)
		}
		return ev, err
	case KindComparisonResult:
		return decodeInto[ComparisonResult](env)
	case KindDriverSwitch:
		return decodeInto[DriverSwitch](env)
	case KindDriverSwitchAck:
		return decodeInto[DriverSwitchAck](env)
	case KindError:
		var raw struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(env.Data, &raw); err != nil {
			return nil, fmt.Errorf("%w: error payload: %w", ErrProtocol, err)
		}
		return Error{Err: errors.New(raw.Error)}, nil
	case KindConnect, KindDisconnect, KindReconnecting, KindReconnectFailed:
		return nil, fmt.Errorf("%w: %s is a local event", ErrProtocol, env.Type)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrProtocol, env.Type)
	}
}

func decodeInto[T Event](env Envelope) (Event, error) {
	var ev T
	if err := json.Unmarshal(env.Data, &ev); err != nil {
		return nil, fmt.Errorf("%w: %s payload: %w", ErrProtocol, env.Type, err)
	}
	return ev, nil
}

//nolint:funlen // ok for tests
package events

import (
	"errors"
	"testing"
	"time"

	"github.com/aarondl/opt/omit"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/pkg/model"
)

func TestDecode_Telemetry(t *testing.T) {
	ts := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	in := Telemetry{
		DriverID: "d1",
		Sample: model.TelemetrySample{
			Timestamp: ts, DriverID: "d1", Speed: 212.5, RPM: 8100, Gear: 5,
			Throttle: 1, Brake: 0, Steering: -0.1, Lap: 12, Sector: 2,
			LapDistPct: 0.42, LapTime: 41.3, Fuel: 55.2,
			TireTemps: [4]float64{90, 91, 88, 87},
			TireWear:  [4]float64{0.9, 0.9, 0.95, 0.95},
		},
	}
	frame, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(frame)
	require.NoError(t, err)
	got, ok := out.(Telemetry)
	require.True(t, ok)
	assert.Empty(t, got.Sanitized)
	if diff := cmp.Diff(in.Sample, got.Sample); diff != "" {
		t.Errorf("sample mismatch: %s", diff)
	}
}

func TestDecode_TelemetrySanitized(t *testing.T) {
	frame := []byte(`{"type":"telemetry","data":{"driverId":"d1","sample":{
		"timestamp":1767225600000,"speed":"fast","rpm":7000,"gear":42,
		"throttle":0.5,"brake":-3,"tireTemps":[80,81,82],"tireWear":[1,1,2,1]}}}`)

	out, err := Decode(frame)
	require.NoError(t, err)
	got := out.(Telemetry)

	assert.Equal(t, time.UnixMilli(1767225600000), got.Sample.Timestamp)
	assert.Equal(t, 0.0, got.Sample.Speed)
	assert.Equal(t, 7000.0, got.Sample.RPM)
	assert.Equal(t, 0, got.Sample.Gear)
	assert.Equal(t, 0.5, got.Sample.Throttle)
	assert.Equal(t, 0.0, got.Sample.Brake)
	assert.Equal(t, [4]float64{}, got.Sample.TireTemps)
	assert.Equal(t, [4]float64{1, 1, 0, 1}, got.Sample.TireWear)
	assert.Subset(t, got.Sanitized, []string{"speed", "gear", "brake", "tireTemps", "tireWear[2]"})
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"not json", `{{{`},
		{"missing type", `{"data":{}}`},
		{"unknown type", `{"type":"lap_chart","data":{}}`},
		{"local kind", `{"type":"reconnecting","data":{"attempt":1}}`},
		{"telemetry without driver", `{"type":"telemetry","data":{"sample":{}}}`},
		{"telemetry bad shape", `{"type":"telemetry","data":[1,2]}`},
		{"handoff response without id", `{"type":"handoff_response","data":{"status":"confirmed"}}`},
		{"driver update without id", `{"type":"driver_update","data":{"name":"x"}}`},
		{"session info bad drivers", `{"type":"session_info","data":{"drivers":"none"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Decode([]byte(tt.frame))
			assert.Nil(t, ev)
			assert.True(t, errors.Is(err, ErrProtocol), "got %v", err)
		})
	}
}

func TestDriverUpdate_Partial(t *testing.T) {
	frame := []byte(`{"type":"driver_update","data":{"driverId":"d2","status":"offline"}}`)
	out, err := Decode(frame)
	require.NoError(t, err)
	upd := out.(DriverUpdate)

	assert.Equal(t, "d2", upd.DriverID)
	assert.True(t, upd.Status.IsSet())
	assert.Equal(t, model.StatusOffline, upd.Status.GetOrZero())
	assert.True(t, upd.Name.IsUnset())
	assert.True(t, upd.Stats.IsUnset())

	encoded, err := Encode(DriverUpdate{DriverID: "d3", Name: omit.From("Kim")})
	require.NoError(t, err)
	assert.JSONEq(t,
		`{"type":"driver_update","data":{"driverId":"d3","name":"Kim"}}`,
		string(encoded))
}

func TestEncode_Error(t *testing.T) {
	frame, err := Encode(Error{Err: errors.New("boom")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","data":{"error":"boom"}}`, string(frame))

	back, err := Decode(frame)
	require.NoError(t, err)
	assert.EqualError(t, back.(Error), "boom")
}

func TestKinds(t *testing.T) {
	for _, k := range AllKinds {
		assert.True(t, k.Valid(), k)
	}
	assert.False(t, Kind("bogus").Valid())
	assert.True(t, KindReconnecting.Local())
	assert.False(t, KindTelemetry.Local())
}

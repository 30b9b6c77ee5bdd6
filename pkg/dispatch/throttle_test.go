//nolint:funlen // ok for tests
package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/log"
	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/pkg/clock"
	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/pkg/events"
	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/pkg/model"
)

var epoch = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type recorder struct {
	clock *clock.FakeClock
	got   []events.Event
	at    []time.Time
}

func (r *recorder) deliver(ev events.Event) {
	r.got = append(r.got, ev)
	r.at = append(r.at, r.clock.Now())
}

func sample(driverID string, seq int) events.Telemetry {
	return events.Telemetry{
		DriverID: driverID,
		Sample:   model.TelemetrySample{DriverID: driverID, Lap: seq},
	}
}

func seqOf(ev events.Event) int {
	return ev.(events.Telemetry).Sample.Lap
}

func newTestThrottle(opts ...Option) (*Throttle, *recorder, *clock.FakeClock) {
	c := clock.Fake(epoch)
	r := &recorder{clock: c}
	opts = append([]Option{WithClock(c), WithLogger(log.NewNop())}, opts...)
	return NewThrottle(r.deliver, opts...), r, c
}

// 50 samples within one second at 100ms interval
func TestThrottle_FiftySamplesPerSecond(t *testing.T) {
	th, r, c := newTestThrottle()

	lastBefore := map[time.Time]int{}
	for i := 0; i < 50; i++ {
		th.Dispatch(events.KindTelemetry, "x", sample("x", i))
		lastBefore[c.Now()] = i
		c.Advance(20 * time.Millisecond)
	}
	c.Advance(200 * time.Millisecond)

	assert.GreaterOrEqual(t, len(r.got), 10)
	assert.LessOrEqual(t, len(r.got), 11)
	// first is delivered immediately, every trailing delivery carries the
	// latest sample received before its window closed
	assert.Equal(t, 0, seqOf(r.got[0]))
	for i := 1; i < len(r.got); i++ {
		assert.GreaterOrEqual(t, r.at[i].Sub(r.at[i-1]), 100*time.Millisecond)
		assert.Greater(t, seqOf(r.got[i]), seqOf(r.got[i-1]))
		windowClose := r.at[i]
		latest := -1
		for ts, seq := range lastBefore {
			if ts.Before(windowClose) && seq > latest {
				latest = seq
			}
		}
		assert.Equal(t, latest, seqOf(r.got[i]), "delivery %d", i)
	}
	assert.Equal(t, 49, seqOf(r.got[len(r.got)-1]))
	assert.Equal(t, 0, th.Pending())
}

func TestThrottle_OneDeliveryPerWindow(t *testing.T) {
	tests := []struct {
		name string
		k    int
	}{
		{"single", 1},
		{"few", 3},
		{"burst", 40},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th, r, c := newTestThrottle()
			// open a window and let the leading delivery happen
			th.Dispatch(events.KindTelemetry, "a", sample("a", 0))
			require.Len(t, r.got, 1)

			step := 90 * time.Millisecond / time.Duration(tt.k)
			for i := 1; i <= tt.k; i++ {
				th.Dispatch(events.KindTelemetry, "a", sample("a", i))
				c.Advance(step)
			}
			c.Advance(100*time.Millisecond - time.Duration(tt.k)*step)

			require.Len(t, r.got, 2)
			assert.Equal(t, tt.k, seqOf(r.got[1]))
		})
	}
}

func TestThrottle_KeysIndependent(t *testing.T) {
	th, r, c := newTestThrottle()
	th.Dispatch(events.KindTelemetry, "a", sample("a", 1))
	th.Dispatch(events.KindTelemetry, "b", sample("b", 1))
	th.Dispatch(events.KindTelemetry, "a", sample("a", 2))
	th.Dispatch(events.KindTelemetry, "b", sample("b", 2))
	assert.Len(t, r.got, 2)

	c.Advance(100 * time.Millisecond)
	assert.Len(t, r.got, 4)
	c.Advance(100 * time.Millisecond)
	assert.Len(t, r.got, 4)
	assert.Equal(t, 0, th.Pending())
}

func TestThrottle_UnthrottledKindsPassThrough(t *testing.T) {
	th, r, _ := newTestThrottle()
	for i := 0; i < 5; i++ {
		th.Dispatch(events.KindDriverUpdate, "d1", events.DriverUpdate{DriverID: "d1"})
	}
	assert.Len(t, r.got, 5)
	assert.Equal(t, 0, th.Pending())
}

func TestThrottle_CancelKind(t *testing.T) {
	th, r, c := newTestThrottle()
	th.Dispatch(events.KindTelemetry, "a", sample("a", 1))
	th.Dispatch(events.KindTelemetry, "a", sample("a", 2))
	th.CancelKind(events.KindTelemetry)

	c.Advance(time.Second)
	assert.Len(t, r.got, 1)
	assert.Equal(t, 0, c.PendingTimers())

	// a new window opens normally afterwards
	th.Dispatch(events.KindTelemetry, "a", sample("a", 3))
	assert.Len(t, r.got, 2)
}

func TestThrottle_CancelKey(t *testing.T) {
	th, r, c := newTestThrottle()
	th.Dispatch(events.KindTelemetry, "a", sample("a", 1))
	th.Dispatch(events.KindTelemetry, "a", sample("a", 2))
	th.Dispatch(events.KindTelemetry, "b", sample("b", 1))
	th.Dispatch(events.KindTelemetry, "b", sample("b", 2))
	th.CancelKey(events.KindTelemetry, "a")
	th.CancelKey(events.KindTelemetry, "unknown")
	assert.Equal(t, 1, th.Pending())

	c.Advance(100 * time.Millisecond)
	require.Len(t, r.got, 3)
	assert.Equal(t, "b", r.got[2].(events.Telemetry).DriverID)
	assert.Equal(t, 2, seqOf(r.got[2]))
}

func TestThrottle_Stop(t *testing.T) {
	th, r, c := newTestThrottle()
	th.Dispatch(events.KindTelemetry, "a", sample("a", 1))
	th.Dispatch(events.KindTelemetry, "a", sample("a", 2))
	th.Stop()
	th.Dispatch(events.KindTelemetry, "a", sample("a", 3))

	c.Advance(time.Second)
	assert.Len(t, r.got, 1)
	assert.Equal(t, 0, c.PendingTimers())
}

func TestThrottle_Options(t *testing.T) {
	th, r, c := newTestThrottle(
		WithInterval(250*time.Millisecond),
		WithKinds(events.KindDriverUpdate),
	)
	assert.Equal(t, 250*time.Millisecond, th.Interval())
	assert.False(t, th.Throttled(events.KindTelemetry))

	th.Dispatch(events.KindTelemetry, "a", sample("a", 1))
	th.Dispatch(events.KindTelemetry, "a", sample("a", 2))
	assert.Len(t, r.got, 2)

	th.Dispatch(events.KindDriverUpdate, "a", events.DriverUpdate{DriverID: "a"})
	th.Dispatch(events.KindDriverUpdate, "a", events.DriverUpdate{DriverID: "a"})
	assert.Len(t, r.got, 3)
	c.Advance(250 * time.Millisecond)
	assert.Len(t, r.got, 4)
}

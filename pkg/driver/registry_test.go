//nolint:funlen // ok for tests
package driver

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/aarondl/opt/omit"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/log"
	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/pkg/clock"
	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/pkg/model"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestRegistry(t *testing.T, ids ...string) (*Registry, *clock.FakeClock) {
	t.Helper()
	c := clock.Fake(t0)
	r := NewRegistry(WithClock(c), WithLogger(log.NewNop()), WithBufferSize(5))
	for _, id := range ids {
		require.NoError(t, r.AddProfile(model.DriverProfile{
			ID: id, Name: "Driver " + id, Team: "blue", Role: model.RoleSecondary,
		}))
	}
	return r, c
}

// activeCount scans profiles; only tests may do that.
func activeCount(r *Registry) int {
	n := 0
	for _, p := range r.Profiles() {
		if p.Status == model.StatusActive {
			n++
		}
	}
	return n
}

func assertInvariant(t *testing.T, r *Registry) {
	t.Helper()
	n := activeCount(r)
	require.LessOrEqual(t, n, 1)
	if n == 1 {
		st, err := r.Status(r.ActiveDriverID())
		require.NoError(t, err)
		require.Equal(t, model.StatusActive, st)
	} else {
		require.Empty(t, r.ActiveDriverID())
	}
}

func TestSetActive(t *testing.T) {
	r, c := newTestRegistry(t, "d1", "d2", "d3")

	require.NoError(t, r.SetActive("d1"))
	assert.Equal(t, "d1", r.ActiveDriverID())

	c.Advance(time.Minute)
	require.NoError(t, r.SetActive("d2"))
	assert.Equal(t, "d2", r.ActiveDriverID())
	p1, _ := r.Profile("d1")
	assert.Equal(t, model.StatusStandby, p1.Status)
	assert.Equal(t, t0.Add(time.Minute), p1.Stats.LastActiveAt)
	assertInvariant(t, r)
}

func TestSetActive_Errors(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(r *Registry)
		target  string
		wantErr error
	}{
		{
			name:    "unknown driver",
			target:  "ghost",
			wantErr: ErrUnknownDriver,
		},
		{
			name: "offline driver",
			prepare: func(r *Registry) {
				//nolint:errcheck // test setup
				r.UpdateProfile("d2", Patch{Status: omit.From(model.StatusOffline)})
			},
			target:  "d2",
			wantErr: ErrDriverOffline,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newTestRegistry(t, "d1", "d2")
			require.NoError(t, r.SetActive("d1"))
			if tt.prepare != nil {
				tt.prepare(r)
			}
			before := r.Profiles()

			err := r.SetActive(tt.target)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.ErrorIs(t, err, ErrInvariantViolation)
			assert.Equal(t, "d1", r.ActiveDriverID())
			if diff := cmp.Diff(before, r.Profiles()); diff != "" {
				t.Errorf("registry mutated: %s", diff)
			}
		})
	}
}

func TestSetActive_Idempotent(t *testing.T) {
	r, _ := newTestRegistry(t, "d1", "d2")
	require.NoError(t, r.SetActive("d1"))

	var changes []Change
	r.Subscribe(func(c Change) { changes = append(changes, c) })
	before := r.Profiles()

	require.NoError(t, r.SetActive("d1"))
	assert.Equal(t, before, r.Profiles())
	assert.Empty(t, changes)
}

func TestInvariant_RandomOperations(t *testing.T) {
	ids := []string{"d1", "d2", "d3", "d4"}
	r, _ := newTestRegistry(t, ids...)
	rnd := rand.New(rand.NewSource(7))
	statuses := []model.DriverStatus{model.StatusStandby, model.StatusOffline, model.StatusActive}

	for i := 0; i < 500; i++ {
		id := ids[rnd.Intn(len(ids))]
		switch rnd.Intn(5) {
		case 0, 1:
			//nolint:errcheck // errors are part of the exercise
			r.SetActive(id)
		case 2:
			//nolint:errcheck // errors are part of the exercise
			r.UpdateProfile(id, Patch{Status: omit.From(statuses[rnd.Intn(len(statuses))])})
		case 3:
			r.ClearActive()
		case 4:
			if err := r.RemoveProfile(id); err == nil {
				require.NoError(t, r.AddProfile(model.DriverProfile{ID: id}))
			}
		}
		assertInvariant(t, r)
	}
}

func TestUpdateProfile(t *testing.T) {
	r, c := newTestRegistry(t, "d1", "d2")
	require.NoError(t, r.SetActive("d1"))

	t.Run("merges set fields only", func(t *testing.T) {
		prefs := model.Preferences{Units: model.UnitsImperial, ShowDelta: true, Overlay: []string{"speed"}}
		require.NoError(t, r.UpdateProfile("d2", Patch{
			Name:        omit.From("Kim"),
			Preferences: omit.From(prefs),
		}))
		p, _ := r.Profile("d2")
		assert.Equal(t, "Kim", p.Name)
		assert.Equal(t, "blue", p.Team)
		assert.Equal(t, prefs, p.Preferences)
		assert.Equal(t, model.StatusStandby, p.Status)
	})

	t.Run("status active rejected", func(t *testing.T) {
		err := r.UpdateProfile("d2", Patch{
			Name:   omit.From("Changed"),
			Status: omit.From(model.StatusActive),
		})
		assert.ErrorIs(t, err, ErrInvariantViolation)
		p, _ := r.Profile("d2")
		assert.Equal(t, "Kim", p.Name)
		assert.Equal(t, "d1", r.ActiveDriverID())
	})

	t.Run("invalid role rejected", func(t *testing.T) {
		err := r.UpdateProfile("d2", Patch{Role: omit.From(model.DriverRole("pilot"))})
		assert.ErrorIs(t, err, ErrInvariantViolation)
	})

	t.Run("unknown driver", func(t *testing.T) {
		err := r.UpdateProfile("ghost", Patch{Name: omit.From("x")})
		assert.ErrorIs(t, err, ErrUnknownDriver)
	})

	t.Run("stats keep last active", func(t *testing.T) {
		require.NoError(t, r.UpdateProfile("d1", Patch{Stats: omit.From(model.DriverStats{
			TotalLaps: 12, BestLap: 92 * time.Second, LastActiveAt: t0.Add(-time.Hour),
		})}))
		p, _ := r.Profile("d1")
		assert.Equal(t, 12, p.Stats.TotalLaps)
		assert.True(t, p.Stats.LastActiveAt.IsZero())
	})

	t.Run("active driver going offline clears pointer", func(t *testing.T) {
		c.Advance(time.Second)
		require.NoError(t, r.UpdateProfile("d1", Patch{Status: omit.From(model.StatusOffline)}))
		assert.Empty(t, r.ActiveDriverID())
		p, _ := r.Profile("d1")
		assert.Equal(t, model.StatusOffline, p.Status)
		assert.Equal(t, t0.Add(time.Second), p.Stats.LastActiveAt)
		assertInvariant(t, r)
	})
}

func TestAddRemoveProfile(t *testing.T) {
	r, _ := newTestRegistry(t, "d1")

	assert.ErrorIs(t, r.AddProfile(model.DriverProfile{ID: "d1"}), ErrDuplicateDriver)
	assert.ErrorIs(t, r.AddProfile(model.DriverProfile{}), ErrInvariantViolation)
	assert.ErrorIs(t,
		r.AddProfile(model.DriverProfile{ID: "d2", Status: model.StatusActive}),
		ErrInvariantViolation)

	require.NoError(t, r.AddProfile(model.DriverProfile{ID: "d2", Status: model.StatusOffline}))
	require.NoError(t, r.AddProfile(model.DriverProfile{ID: "d3"}))
	st, err := r.Status("d3")
	require.NoError(t, err)
	assert.Equal(t, model.StatusStandby, st)

	require.NoError(t, r.SetActive("d1"))
	require.NoError(t, r.RemoveProfile("d1"))
	assert.Empty(t, r.ActiveDriverID())
	assert.ErrorIs(t, r.RemoveProfile("d1"), ErrUnknownDriver)

	ids := []string{}
	for _, p := range r.Profiles() {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"d2", "d3"}, ids)
}

func TestProfilesAreCopies(t *testing.T) {
	r, _ := newTestRegistry(t, "d1")
	require.NoError(t, r.UpdateProfile("d1", Patch{
		Preferences: omit.From(model.Preferences{Overlay: []string{"rpm"}}),
	}))

	p, _ := r.Profile("d1")
	p.Name = "mutated"
	p.Preferences.Overlay[0] = "mutated"

	again, _ := r.Profile("d1")
	assert.Equal(t, "Driver d1", again.Name)
	assert.Equal(t, []string{"rpm"}, again.Preferences.Overlay)
}

func TestRecordTelemetry(t *testing.T) {
	r, c := newTestRegistry(t, "d1")

	for i := 1; i <= 8; i++ {
		require.NoError(t, r.RecordTelemetry(model.TelemetrySample{
			DriverID: "d1", Timestamp: t0.Add(time.Duration(i) * 100 * time.Millisecond), Lap: i,
		}))
	}
	samples := r.Samples("d1")
	require.Len(t, samples, 5)
	for i, s := range samples {
		assert.Equal(t, i+4, s.Lap, "oldest evicted first")
	}
	latest, ok := r.LatestSample("d1")
	require.True(t, ok)
	assert.Equal(t, 8, latest.Lap)

	require.NoError(t, r.RecordTelemetry(model.TelemetrySample{DriverID: "d1", Lap: 9}))
	latest, _ = r.LatestSample("d1")
	assert.Equal(t, c.Now(), latest.Timestamp)

	err := r.RecordTelemetry(model.TelemetrySample{DriverID: "ghost"})
	assert.ErrorIs(t, err, ErrUnknownDriver)
	assert.Nil(t, r.Samples("ghost"))
	assert.Equal(t, 5, r.BufferLen("d1"))
}

func TestSubscribe(t *testing.T) {
	r, _ := newTestRegistry(t, "d1", "d2")
	var got []string
	unsubscribe := r.Subscribe(func(c Change) {
		got = append(got, fmt.Sprintf("%s:%s:%s", c.Kind, c.DriverID, c.ActiveID))
		// listeners may read the committed state
		assert.Equal(t, c.ActiveID, r.ActiveDriverID())
	})
	r.Subscribe(func(Change) { panic("listener failure") })

	require.NoError(t, r.SetActive("d1"))
	require.NoError(t, r.SetActive("d2"))
	require.NoError(t, r.RemoveProfile("d2"))
	unsubscribe()
	require.NoError(t, r.SetActive("d1"))

	assert.Equal(t, []string{
		"active:d1:d1",
		"active:d2:d2",
		"active:d2:",
		"removed:d2:",
	}, got)
}

func TestStatus_Unknown(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Status("nobody")
	assert.True(t, errors.Is(err, ErrUnknownDriver))
}

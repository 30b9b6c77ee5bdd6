package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeKV implements the parts of jetstream.KeyValue the sink uses.
type fakeKV struct {
	jetstream.KeyValue
	mu     sync.Mutex
	data   map[string][]byte
	rev    uint64
	putErr error
}

type fakeEntry struct {
	jetstream.KeyValueEntry
	value []byte
}

func (e fakeEntry) Value() []byte { return e.value }

func (f *fakeKV) Put(_ context.Context, key string, value []byte) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return 0, f.putErr
	}
	if f.data == nil {
		f.data = map[string][]byte{}
	}
	f.rev++
	f.data[key] = value
	return f.rev, nil
}

func (f *fakeKV) Get(_ context.Context, key string) (jetstream.KeyValueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	return fakeEntry{value: v}, nil
}

var sample = Entry{
	Kind:         KindHandoff,
	ID:           "h1",
	FromDriverID: "d1",
	ToDriverID:   "d2",
	Outcome:      "completed",
	Notes:        "box this lap",
	CreatedAt:    time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	ResolvedAt:   time.Date(2026, 5, 1, 12, 0, 30, 0, time.UTC),
}

func TestKVSink(t *testing.T) {
	kv := &fakeKV{}
	s := NewKVSinkFromBucket(kv)
	ctx := context.Background()

	require.NoError(t, s.Record(ctx, sample))
	assert.Contains(t, kv.data, "handoff.h1")

	got, err := s.Get(ctx, KindHandoff, "h1")
	require.NoError(t, err)
	assert.Equal(t, sample, got)

	_, err = s.Get(ctx, KindSwitch, "h1")
	assert.ErrorIs(t, err, ErrNotFound)

	kv.putErr = errors.New("no responders")
	assert.Error(t, s.Record(ctx, sample))
}

func TestMemorySink(t *testing.T) {
	s := NewMemorySink()
	ctx := context.Background()
	require.NoError(t, s.Record(ctx, sample))
	updated := sample
	updated.Outcome = "cancelled"
	require.NoError(t, s.Record(ctx, updated))

	assert.Len(t, s.Entries(), 2)
	got, err := s.Get(ctx, KindHandoff, "h1")
	require.NoError(t, err)
	assert.Equal(t, "cancelled", got.Outcome)

	_, err = s.Get(ctx, KindSwitch, "x")
	assert.ErrorIs(t, err, ErrNotFound)
}

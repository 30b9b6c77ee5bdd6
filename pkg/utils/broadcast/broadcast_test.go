package broadcast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SingSongScreamAlong/ProjectBlackBox-sub000/log"
)

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed")
		return v
	case <-time.After(time.Second):
		t.Fatal("nothing received")
		var zero T
		return zero
	}
}

func TestBroadcast(t *testing.T) {
	src := make(chan int)
	b := NewBroadcastServer("test", src, WithLogger[int](log.NewNop()))
	defer b.Close()

	first := b.Subscribe()
	second := b.Subscribe()
	go func() { src <- 1 }()
	assert.Equal(t, 1, receive(t, first))
	assert.Equal(t, 1, receive(t, second))

	b.CancelSubscription(second)
	_, ok := <-second
	assert.False(t, ok)

	go func() { src <- 2 }()
	assert.Equal(t, 2, receive(t, first))
}

func TestBroadcast_SlowListenerSkipped(t *testing.T) {
	src := make(chan string, 4)
	b := NewBroadcastServer("slow", src,
		WithLogger[string](log.NewNop()),
		WithSendTimeout[string](200*time.Millisecond))
	defer b.Close()

	slow := b.Subscribe()
	fast := b.Subscribe()
	src <- "a"
	src <- "b"
	assert.Equal(t, "a", receive(t, fast))
	assert.Equal(t, "b", receive(t, fast))
	// values published while slow was not reading are skipped for it
	src <- "c"
	assert.Equal(t, "c", receive(t, slow))
}

func TestBroadcast_Close(t *testing.T) {
	src := make(chan int)
	b := NewBroadcastServer("close", src, WithLogger[int](log.NewNop()))
	ch := b.Subscribe()
	b.Close()

	_, ok := <-ch
	assert.False(t, ok)
	late := b.Subscribe()
	_, ok = <-late
	assert.False(t, ok)
	b.CancelSubscription(late)
}

func TestBroadcast_SourceClosed(t *testing.T) {
	src := make(chan int)
	b := NewBroadcastServer("eof", src, WithLogger[int](log.NewNop()))
	ch := b.Subscribe()
	close(src)
	_, ok := <-ch
	assert.False(t, ok)
	b.Close()
}

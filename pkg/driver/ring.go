package driver

import "github.com/SingSongScreamAlong/ProjectBlackBox-sub000/pkg/model"

// DefaultBufferSize holds 60 seconds of samples at 10 Hz.
const DefaultBufferSize = 600

// ring is a fixed capacity buffer of telemetry samples; the oldest sample is
// evicted once it is full. Not safe for concurrent use, the registry guards it.
type ring struct {
	samples []model.TelemetrySample
	start   int
	size    int
}

func newRing(capacity int) *ring {
	if capacity < 1 {
		capacity = DefaultBufferSize
	}
	return &ring{samples: make([]model.TelemetrySample, capacity)}
}

func (r *ring) push(s model.TelemetrySample) {
	idx := (r.start + r.size) % len(r.samples)
	r.samples[idx] = s
	if r.size < len(r.samples) {
		r.size++
		return
	}
	r.start = (r.start + 1) % len(r.samples)
}

func (r *ring) len() int {
	return r.size
}

// snapshot returns a copy ordered oldest first.
func (r *ring) snapshot() []model.TelemetrySample {
	ret := make([]model.TelemetrySample, r.size)
	for i := range r.size {
		ret[i] = r.samples[(r.start+i)%len(r.samples)]
	}
	return ret
}

func (r *ring) latest() (model.TelemetrySample, bool) {
	if r.size == 0 {
		return model.TelemetrySample{}, false
	}
	return r.samples[(r.start+r.size-1)%len(r.samples)], true
}

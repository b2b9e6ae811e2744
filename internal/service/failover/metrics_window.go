package failover

import (
	"sync"
	"time"
)

// Outcome tags one health metric sample.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// Sample is one probe or request outcome for a provider.
type Sample struct {
	Provider  string    `json:"provider"`
	Timestamp time.Time `json:"timestamp"`
	Outcome   Outcome   `json:"outcome"`
	LatencyMs float64   `json:"latency_ms,omitempty"`
	Error     string    `json:"error_message,omitempty"`
}

// sampleRing is a fixed-capacity ring buffer of samples. The monitor
// goroutine appends while status queries read concurrently; neither side
// holds the lock for longer than a copy.
type sampleRing struct {
	mu   sync.RWMutex
	buf  []Sample
	next int
	full bool
}

func newSampleRing(capacity int) *sampleRing {
	if capacity <= 0 {
		capacity = 256
	}
	return &sampleRing{buf: make([]Sample, capacity)}
}

// Append stores a sample, evicting the oldest when full.
func (r *sampleRing) Append(s Sample) {
	r.mu.Lock()
	r.buf[r.next] = s
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// Since returns copies of all samples at or after cutoff, oldest first.
func (r *sampleRing) Since(cutoff time.Time) []Sample {
	r.mu.RLock()
	defer r.mu.RUnlock()

	size := r.next
	if r.full {
		size = len(r.buf)
	}

	out := make([]Sample, 0, size)
	start := 0
	if r.full {
		start = r.next
	}
	for i := 0; i < size; i++ {
		s := r.buf[(start+i)%len(r.buf)]
		if !s.Timestamp.Before(cutoff) {
			out = append(out, s)
		}
	}
	return out
}

package services

import "sync"

// DefaultReplayBufferSize bounds the output kept per session.
const DefaultReplayBufferSize = 2 << 20

// ReplayBuffer keeps the most recent output of a session. It has a single
// writer (the reader loop) and any number of readers taking snapshots.
type ReplayBuffer struct {
	mu      sync.Mutex
	data    []byte
	max     int
	dropped int64
}

func NewReplayBuffer(max int) *ReplayBuffer {
	if max <= 0 {
		max = DefaultReplayBufferSize
	}
	return &ReplayBuffer{max: max}
}

// Write appends p, discarding the oldest bytes beyond the bound.
func (b *ReplayBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(p) >= b.max {
		b.dropped += int64(len(b.data) + len(p) - b.max)
		b.data = append(b.data[:0], p[len(p)-b.max:]...)
		return len(p), nil
	}
	if over := len(b.data) + len(p) - b.max; over > 0 {
		b.dropped += int64(over)
		b.data = append(b.data[:0], b.data[over:]...)
	}
	b.data = append(b.data, p...)
	return len(p), nil
}

// Snapshot returns a copy of the buffered bytes.
func (b *ReplayBuffer) Snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]byte, len(b.data))
	copy(out, b.data)
	return out
}

func (b *ReplayBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Dropped is the number of bytes evicted so far.
func (b *ReplayBuffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

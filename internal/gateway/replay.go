package gateway

import "sync"

// replayEntry is one broadcast frame retained for reconnect catch-up.
type replayEntry struct {
	seq  int64
	data []byte
}

// replayBuffer is a bounded ring of the most recent broadcast frames for one
// client identity. Replay is best effort: entries older than the ring depth
// are gone and a reconnecting client simply misses them.
type replayBuffer struct {
	mu      sync.Mutex
	depth   int
	entries []replayEntry
	lastSeq int64
}

func newReplayBuffer(depth int) *replayBuffer {
	if depth <= 0 {
		depth = 256
	}
	return &replayBuffer{depth: depth}
}

// Append records a frame under its sequence number.
func (b *replayBuffer) Append(seq int64, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, replayEntry{seq: seq, data: data})
	if len(b.entries) > b.depth {
		b.entries = b.entries[len(b.entries)-b.depth:]
	}
	if seq > b.lastSeq {
		b.lastSeq = seq
	}
}

// Since returns retained frames with seq strictly greater than lastSeq.
func (b *replayBuffer) Since(lastSeq int64) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out [][]byte
	for _, entry := range b.entries {
		if entry.seq > lastSeq {
			out = append(out, entry.data)
		}
	}
	return out
}

// LastSeq returns the highest sequence number appended so far.
func (b *replayBuffer) LastSeq() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastSeq
}

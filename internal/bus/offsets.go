package bus

import "sync"

type partitionKey struct {
	topic     string
	partition int
}

// offsetTracker records fetched offsets per partition and releases a commit
// point only once every earlier offset has been settled. Kafka commits are
// cumulative, so committing a later offset first would silently skip an
// unsettled earlier message on restart.
type offsetTracker struct {
	mu         sync.Mutex
	partitions map[partitionKey]*partitionOffsets
}

type partitionOffsets struct {
	pending []int64
	settled map[int64]bool
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{partitions: make(map[partitionKey]*partitionOffsets)}
}

// track registers a fetched offset. Offsets arrive in increasing order per
// partition.
func (t *offsetTracker) track(topic string, partition int, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := partitionKey{topic, partition}
	p, ok := t.partitions[k]
	if !ok {
		p = &partitionOffsets{settled: make(map[int64]bool)}
		t.partitions[k] = p
	}
	p.pending = append(p.pending, offset)
}

// settle marks offset as done and returns the highest offset that can now be
// committed, if any.
func (t *offsetTracker) settle(topic string, partition int, offset int64) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.partitions[partitionKey{topic, partition}]
	if !ok {
		return 0, false
	}
	p.settled[offset] = true

	var (
		commit int64
		found  bool
	)
	for len(p.pending) > 0 && p.settled[p.pending[0]] {
		commit = p.pending[0]
		found = true
		delete(p.settled, commit)
		p.pending = p.pending[1:]
	}
	return commit, found
}

// reset forgets all state, used when a reader is recreated and uncommitted
// messages will be fetched again.
func (t *offsetTracker) reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.partitions = make(map[partitionKey]*partitionOffsets)
}

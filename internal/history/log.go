package history

import (
	"sort"
	"sync"
)

// compaction threshold for the evicted prefix of a log
const compactAfter = 256

// deviceLog is the append-only sequence of one (device, category) pair.
type deviceLog struct {
	mu      sync.Mutex
	entries []Entry
	head    int
	bytes   int64
	nextSeq uint64
	evicted uint64
}

func (l *deviceLog) live() []Entry {
	return l.entries[l.head:]
}

// append assigns the next sequence number and enforces the policy read under mu. An
// entry larger than the bound consumes its sequence number but is not stored, and the
// retained entries stay. It returns the entry, whether it was kept, how many entries
// were evicted and the policy applied.
func (l *deviceLog) append(e Entry, policyOf func() RetentionPolicy) (Entry, bool, int, RetentionPolicy) {
	l.mu.Lock()
	defer l.mu.Unlock()

	policy := policyOf()
	l.nextSeq++
	e.Seq = l.nextSeq
	if policy.Bounded() && e.Size() > policy.MaxBytes {
		return e, false, 0, policy
	}

	l.entries = append(l.entries, e)
	l.bytes += e.Size()
	return e, true, l.enforce(policy), policy
}

// enforce evicts oldest entries until the bound holds. Callers hold mu.
func (l *deviceLog) enforce(policy RetentionPolicy) int {
	if !policy.Bounded() {
		return 0
	}
	n := 0
	for l.bytes > policy.MaxBytes && l.head < len(l.entries) {
		l.bytes -= l.entries[l.head].Size()
		l.entries[l.head] = Entry{}
		l.head++
		n++
	}
	l.evicted += uint64(n)

	if l.head >= compactAfter && l.head*2 >= len(l.entries) {
		rest := make([]Entry, len(l.entries)-l.head, cap(l.entries)-l.head)
		copy(rest, l.entries[l.head:])
		l.entries = rest
		l.head = 0
	}
	return n
}

func (l *deviceLog) shrink(policy RetentionPolicy) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enforce(policy)
}

func (l *deviceLog) recent(count int) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	live := l.live()
	if count <= 0 || count > len(live) {
		count = len(live)
	}
	return clone(live[len(live)-count:])
}

func (l *deviceLog) rangeSeq(from, to uint64) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	if from > to {
		return nil
	}
	live := l.live()
	lo := sort.Search(len(live), func(i int) bool { return live[i].Seq >= from })
	hi := sort.Search(len(live), func(i int) bool { return live[i].Seq > to })
	return clone(live[lo:hi])
}

func (l *deviceLog) anchored(anchor uint64, count int, dir Direction) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	live := l.live()
	if dir == Before {
		hi := sort.Search(len(live), func(i int) bool { return live[i].Seq >= anchor })
		lo := 0
		if count > 0 && hi-count > 0 {
			lo = hi - count
		}
		return clone(live[lo:hi])
	}

	lo := sort.Search(len(live), func(i int) bool { return live[i].Seq > anchor })
	hi := len(live)
	if count > 0 && lo+count < hi {
		hi = lo + count
	}
	return clone(live[lo:hi])
}

func (l *deviceLog) stats() LogStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LogStats{
		Count:   len(l.live()),
		Bytes:   l.bytes,
		Evicted: l.evicted,
		NextSeq: l.nextSeq + 1,
	}
}

func clone(in []Entry) []Entry {
	out := make([]Entry, len(in))
	copy(out, in)
	return out
}

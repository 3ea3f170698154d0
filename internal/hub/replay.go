package hub

import "tfview/pkg/event"

type entry struct {
	name  event.Name
	key   string
	frame []byte
}

// replayLog keeps emitted frames in emission order. It is only touched by the
// hub goroutine.
type replayLog struct {
	entries []entry
	limit   int
}

func (l *replayLog) len() int { return len(l.entries) }

// add appends e and returns how many old entries were evicted by the limit.
func (l *replayLog) add(e entry) int {
	l.entries = append(l.entries, e)
	return l.trim()
}

// replace drops every entry sharing e's key, then appends e. An empty key
// behaves like add.
func (l *replayLog) replace(e entry) int {
	if e.key != "" {
		kept := l.entries[:0]
		for _, old := range l.entries {
			if old.key != e.key {
				kept = append(kept, old)
			}
		}
		for i := len(kept); i < len(l.entries); i++ {
			l.entries[i] = entry{}
		}
		l.entries = kept
	}
	return l.add(e)
}

func (l *replayLog) trim() int {
	if l.limit <= 0 || len(l.entries) <= l.limit {
		return 0
	}
	n := len(l.entries) - l.limit
	fresh := make([]entry, l.limit)
	copy(fresh, l.entries[n:])
	l.entries = fresh
	return n
}

func (l *replayLog) frames() [][]byte {
	out := make([][]byte, len(l.entries))
	for i, e := range l.entries {
		out[i] = e.frame
	}
	return out
}

package agent

import "time"

// battery drifts one percent at a time: down while busy (never below
// floor), up while idle (never above 100).
type battery struct {
	level       int
	floor       int
	drainEvery  time.Duration
	chargeEvery time.Duration
	at          time.Time
	busy        bool
}

func (b *battery) advance(now time.Time, busy bool) {
	if b.at.IsZero() || now.Before(b.at) || busy != b.busy {
		b.at, b.busy = now, busy
		return
	}
	every, delta := b.chargeEvery, 1
	if busy {
		every, delta = b.drainEvery, -1
	}
	if every <= 0 {
		b.at = now
		return
	}
	for now.Sub(b.at) >= every {
		b.at = b.at.Add(every)
		next := b.level + delta
		if busy && next < b.floor {
			continue
		}
		if next > 100 {
			continue
		}
		b.level = next
	}
}

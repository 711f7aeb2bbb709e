package engine

import (
	"fmt"
	"time"
)

const repeatFlushInterval = 5 * time.Second

// logAggregator collapses consecutive duplicate build output lines. Docker
// pull progress repeats the same status many times per second; emitting each
// repetition would drown the stream.
type logAggregator struct {
	emit     func(string)
	last     string
	repeats  int
	lastEmit time.Time
}

func newLogAggregator(emit func(string)) *logAggregator {
	return &logAggregator{emit: emit}
}

// Add feeds one line into the aggregator. Unique lines pass through
// immediately; repeats are counted and flushed periodically.
func (a *logAggregator) Add(line string) {
	if line == "" {
		return
	}
	now := time.Now()
	if line == a.last {
		a.repeats++
		if now.Sub(a.lastEmit) >= repeatFlushInterval {
			a.flushRepeats(now)
		}
		return
	}
	a.flushRepeats(now)
	a.last = line
	a.emit(line)
	a.lastEmit = now
}

// Flush emits any pending repeat summary.
func (a *logAggregator) Flush() {
	a.flushRepeats(time.Now())
}

func (a *logAggregator) flushRepeats(now time.Time) {
	if a.repeats == 0 || a.last == "" {
		return
	}
	a.emit(fmt.Sprintf("%s (repeated %d more times)", a.last, a.repeats))
	a.repeats = 0
	a.lastEmit = now
}

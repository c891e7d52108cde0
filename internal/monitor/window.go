package monitor

import (
	"sort"
	"time"

	"ratewatch/internal/domain"
)

// bucketWidth is the time slot one bucket covers.
const bucketWidth = 100 * time.Millisecond

// bucket holds events of one slot with running aggregates.
// Events inside a bucket are unordered; oldest/newest bound them.
type bucket struct {
	slot       int64
	oldest     time.Time
	newest     time.Time
	requests   []domain.RequestEvent
	responses  []domain.ResponseEvent
	latencySum float64
	errors     int
}

func slotOf(at time.Time) int64 {
	ns := at.UnixNano()
	width := int64(bucketWidth)
	if ns < 0 && ns%width != 0 {
		return ns/width - 1
	}
	return ns / width
}

func (b *bucket) note(at time.Time) {
	if b.oldest.IsZero() || at.Before(b.oldest) {
		b.oldest = at
	}
	if at.After(b.newest) {
		b.newest = at
	}
}

// within reports whether every event of b lies in (from, to].
func (b *bucket) within(from, to time.Time) bool {
	return b.oldest.After(from) && !b.newest.After(to)
}

// eventLog is a slot-ordered list of buckets. Insertion appends to the event's
// bucket, so arrival order never moves existing events.
type eventLog struct {
	buckets   []*bucket
	requests  int
	responses int
	errors    int
}

func (l *eventLog) bucketFor(at time.Time) *bucket {
	slot := slotOf(at)
	n := len(l.buckets)
	if n > 0 && l.buckets[n-1].slot == slot {
		return l.buckets[n-1]
	}
	if n == 0 || l.buckets[n-1].slot < slot {
		b := &bucket{slot: slot}
		l.buckets = append(l.buckets, b)
		return b
	}
	idx := sort.Search(n, func(i int) bool { return l.buckets[i].slot >= slot })
	if l.buckets[idx].slot == slot {
		return l.buckets[idx]
	}
	b := &bucket{slot: slot}
	l.buckets = append(l.buckets, nil)
	copy(l.buckets[idx+1:], l.buckets[idx:])
	l.buckets[idx] = b
	return b
}

func (l *eventLog) addRequest(event domain.RequestEvent) {
	b := l.bucketFor(event.Timestamp)
	b.note(event.Timestamp)
	b.requests = append(b.requests, event)
	l.requests++
}

func (l *eventLog) addResponse(event domain.ResponseEvent) {
	b := l.bucketFor(event.Timestamp)
	b.note(event.Timestamp)
	b.responses = append(b.responses, event)
	b.latencySum += event.LatencyMS
	l.responses++
	if event.IsError() {
		b.errors++
		l.errors++
	}
}

// expired reports whether the oldest bucket holds an event at or before horizon.
func (l *eventLog) expired(horizon time.Time) bool {
	return len(l.buckets) > 0 && !l.buckets[0].oldest.After(horizon)
}

// prune removes every event at or before horizon.
// Returns: removed requests, responses, and error entries combined.
func (l *eventLog) prune(horizon time.Time) int {
	removed := 0
	drop := 0
	for drop < len(l.buckets) && !l.buckets[drop].newest.After(horizon) {
		b := l.buckets[drop]
		removed += len(b.requests) + len(b.responses) + b.errors
		l.requests -= len(b.requests)
		l.responses -= len(b.responses)
		l.errors -= b.errors
		drop++
	}
	if drop > 0 {
		l.buckets = append([]*bucket(nil), l.buckets[drop:]...)
	}
	if l.expired(horizon) {
		removed += l.trim(l.buckets[0], horizon)
	}
	return removed
}

// trim filters one straddling bucket down to events after horizon.
func (l *eventLog) trim(b *bucket, horizon time.Time) int {
	keptRequests := b.requests[:0]
	for _, event := range b.requests {
		if event.Timestamp.After(horizon) {
			keptRequests = append(keptRequests, event)
		}
	}
	keptResponses := b.responses[:0]
	for _, event := range b.responses {
		if event.Timestamp.After(horizon) {
			keptResponses = append(keptResponses, event)
		}
	}

	removedRequests := len(b.requests) - len(keptRequests)
	removedResponses := len(b.responses) - len(keptResponses)
	errorsBefore := b.errors

	b.requests = keptRequests
	b.responses = keptResponses
	b.latencySum = 0
	b.errors = 0
	b.oldest = time.Time{}
	b.newest = time.Time{}
	for _, event := range b.requests {
		b.note(event.Timestamp)
	}
	for _, event := range b.responses {
		b.note(event.Timestamp)
		b.latencySum += event.LatencyMS
		if event.IsError() {
			b.errors++
		}
	}

	removedErrors := errorsBefore - b.errors
	l.requests -= removedRequests
	l.responses -= removedResponses
	l.errors -= removedErrors
	return removedRequests + removedResponses + removedErrors
}

// windowTotals aggregates events in one (from, to] range.
type windowTotals struct {
	requests   int
	responses  int
	errors     int
	latencySum float64
}

// span returns the buckets whose slots may hold events in (from, to].
func (l *eventLog) span(from, to time.Time) []*bucket {
	first := sort.Search(len(l.buckets), func(i int) bool { return l.buckets[i].slot >= slotOf(from) })
	last := sort.Search(len(l.buckets), func(i int) bool { return l.buckets[i].slot > slotOf(to) })
	if first >= last {
		return nil
	}
	return l.buckets[first:last]
}

func (l *eventLog) totals(from, to time.Time) windowTotals {
	var totals windowTotals
	for _, b := range l.span(from, to) {
		if b.within(from, to) {
			totals.requests += len(b.requests)
			totals.responses += len(b.responses)
			totals.errors += b.errors
			totals.latencySum += b.latencySum
			continue
		}
		for _, event := range b.requests {
			if inRange(event.Timestamp, from, to) {
				totals.requests++
			}
		}
		for _, event := range b.responses {
			if !inRange(event.Timestamp, from, to) {
				continue
			}
			totals.responses++
			totals.latencySum += event.LatencyMS
			if event.IsError() {
				totals.errors++
			}
		}
	}
	return totals
}

// eachRequest calls fn for every request in (from, to].
func (l *eventLog) eachRequest(from, to time.Time, fn func(domain.RequestEvent)) {
	for _, b := range l.span(from, to) {
		full := b.within(from, to)
		for _, event := range b.requests {
			if full || inRange(event.Timestamp, from, to) {
				fn(event)
			}
		}
	}
}

func inRange(at, from, to time.Time) bool {
	return at.After(from) && !at.After(to)
}

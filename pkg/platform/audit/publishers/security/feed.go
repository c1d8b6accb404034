// Package security keeps the most recent security audit events in memory so
// administrators can see integrity problems without querying the audit store.
package security

import (
	"sync"

	id "quorum/pkg/domain"
	audit "quorum/pkg/platform/audit"
)

const defaultFeedSize = 1000

// Feed is a fixed-size ring of security events. Once full, each new event
// overwrites the oldest one and the overwrite is counted.
type Feed struct {
	mu      sync.Mutex
	events  []audit.Event
	next    int
	size    int
	evicted int64
}

func NewFeed(capacity int) *Feed {
	if capacity <= 0 {
		capacity = defaultFeedSize
	}
	return &Feed{events: make([]audit.Event, capacity)}
}

// Record stores event, evicting the oldest one when the feed is full.
func (f *Feed) Record(event audit.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.size == len(f.events) {
		f.evicted++
	} else {
		f.size++
	}
	f.events[f.next] = event
	f.next = (f.next + 1) % len(f.events)
}

// Recent returns up to n events, newest first. n <= 0 returns everything held.
func (f *Feed) Recent(n int) []audit.Event {
	return f.collect(n, func(audit.Event) bool { return true })
}

// ForElection returns up to n events of one election, newest first.
func (f *Feed) ForElection(electionID id.ElectionID, n int) []audit.Event {
	return f.collect(n, func(e audit.Event) bool { return e.ElectionID == electionID })
}

func (f *Feed) collect(n int, keep func(audit.Event) bool) []audit.Event {
	f.mu.Lock()
	defer f.mu.Unlock()

	if n <= 0 || n > f.size {
		n = f.size
	}
	out := make([]audit.Event, 0, n)
	for i := 1; i <= f.size && len(out) < n; i++ {
		e := f.events[(f.next-i+len(f.events))%len(f.events)]
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}

func (f *Feed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.size
}

// Evicted reports how many events were overwritten since the feed was created.
func (f *Feed) Evicted() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.evicted
}

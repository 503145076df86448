package store

import (
	"sync"
	"time"

	"respkv/internal/resp"
)

// Record is a keyspace entry. A key resolves to exactly one variant;
// operations typed for another variant fail with ErrWrongType.
type Record interface {
	TypeName() string
}

// StringRecord holds a scalar value with an optional absolute expiry.
type StringRecord struct {
	Value    resp.Value
	ExpireAt time.Time // zero means no expiry
}

func (r *StringRecord) TypeName() string { return "string" }

// Expired reports whether the record's expiry instant has passed.
func (r *StringRecord) Expired(now time.Time) bool {
	return !r.ExpireAt.IsZero() && !now.Before(r.ExpireAt)
}

// ListRecord is a double-ended sequence of strings plus a FIFO queue of
// blocked readers.
type ListRecord struct {
	elems   []string
	waiters []*ListWaiter
}

func (r *ListRecord) TypeName() string { return "list" }

func (r *ListRecord) Len() int { return len(r.elems) }

// handOff offers v to the oldest live waiter. Closed waiters are skipped
// and dropped from the queue.
func (r *ListRecord) handOff(v string) bool {
	for len(r.waiters) > 0 {
		w := r.waiters[0]
		r.waiters = r.waiters[1:]
		if w.deliver(v) {
			return true
		}
	}
	return false
}

// PushBack appends v, or hands it to a waiter if one is blocked.
// It reports whether the value was consumed by a waiter.
func (r *ListRecord) PushBack(v string) bool {
	if r.handOff(v) {
		return true
	}
	r.elems = append(r.elems, v)
	return false
}

// PushFront prepends v, or hands it to a waiter if one is blocked.
func (r *ListRecord) PushFront(v string) bool {
	if r.handOff(v) {
		return true
	}
	r.elems = append([]string{v}, r.elems...)
	return false
}

// PopFront removes and returns the first element.
func (r *ListRecord) PopFront() (string, bool) {
	if len(r.elems) == 0 {
		return "", false
	}
	v := r.elems[0]
	r.elems = r.elems[1:]
	return v, true
}

// Range returns the elements in [start, stop] with Redis index semantics:
// negative indices count from the tail, out-of-range bounds clamp.
func (r *ListRecord) Range(start, stop int) []string {
	n := len(r.elems)
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if n == 0 || start > stop || start >= n {
		return []string{}
	}
	out := make([]string, stop-start+1)
	copy(out, r.elems[start:stop+1])
	return out
}

func (r *ListRecord) addWaiter(w *ListWaiter) {
	r.waiters = append(r.waiters, w)
}

// StreamEntry is one append-only entry: an id plus field/value pairs in
// insertion order.
type StreamEntry struct {
	ID     StreamID
	Fields []Field
}

// Field is a single field/value pair of a stream entry.
type Field struct {
	Name  string
	Value string
}

// StreamRecord is an ordered sequence of entries plus the waiters blocked
// on future entries.
type StreamRecord struct {
	entries []StreamEntry
	waiters []streamWaiterReg
}

type streamWaiterReg struct {
	w     *StreamWaiter
	key   string
	after StreamID
}

func (r *StreamRecord) TypeName() string { return "stream" }

// LastID returns the id of the newest entry, or 0-0 for an empty stream.
func (r *StreamRecord) LastID() StreamID {
	if len(r.entries) == 0 {
		return StreamID{}
	}
	return r.entries[len(r.entries)-1].ID
}

// Append adds the entry and offers it to every waiter whose bound it
// exceeds. A waiter is removed after its first delivery attempt, whether
// the delivery landed or its mailbox was already closed or satisfied.
func (r *StreamRecord) Append(entry StreamEntry) {
	kept := r.waiters[:0]
	for _, reg := range r.waiters {
		if !entry.ID.After(reg.after) {
			kept = append(kept, reg)
			continue
		}
		reg.w.deliver(reg.key, entry)
	}
	r.waiters = kept
	r.entries = append(r.entries, entry)
}

// EntriesInRange returns entries with id in [lo, hi].
func (r *StreamRecord) EntriesInRange(lo, hi StreamID) []StreamEntry {
	out := []StreamEntry{}
	for _, e := range r.entries {
		if e.ID.Compare(lo) >= 0 && e.ID.Compare(hi) <= 0 {
			out = append(out, e)
		}
	}
	return out
}

// EntriesAfter returns entries with id strictly greater than after.
func (r *StreamRecord) EntriesAfter(after StreamID) []StreamEntry {
	out := []StreamEntry{}
	for _, e := range r.entries {
		if e.ID.After(after) {
			out = append(out, e)
		}
	}
	return out
}

func (r *StreamRecord) addWaiter(w *StreamWaiter, key string, after StreamID) {
	r.waiters = append(r.waiters, streamWaiterReg{w: w, key: key, after: after})
}

// ListWaiter is a single-shot mailbox registered on a list by a blocked
// BLPOP. Producers deliver at most one value; a closed waiter is skipped.
type ListWaiter struct {
	mu     sync.Mutex
	closed bool
	ch     chan string
}

func NewListWaiter() *ListWaiter {
	return &ListWaiter{ch: make(chan string, 1)}
}

// C is the channel the blocked reader receives on.
func (w *ListWaiter) C() <-chan string { return w.ch }

// Close marks the waiter dead so producers skip it. Called by the reader
// on timeout or cancellation.
func (w *ListWaiter) Close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// TryDrain returns a value that raced into the mailbox before Close.
func (w *ListWaiter) TryDrain() (string, bool) {
	select {
	case v := <-w.ch:
		return v, true
	default:
		return "", false
	}
}

func (w *ListWaiter) deliver(v string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	select {
	case w.ch <- v:
		return true
	default:
		return false
	}
}

// StreamDelivery is the payload handed to a blocked XREAD: the stream key
// the entry arrived on plus the entry itself.
type StreamDelivery struct {
	Key   string
	Entry StreamEntry
}

// StreamWaiter is a single-shot mailbox shared across every stream key of
// one blocked XREAD. The first qualifying entry from any key wins.
type StreamWaiter struct {
	mu     sync.Mutex
	closed bool
	ch     chan StreamDelivery
}

func NewStreamWaiter() *StreamWaiter {
	return &StreamWaiter{ch: make(chan StreamDelivery, 1)}
}

func (w *StreamWaiter) C() <-chan StreamDelivery { return w.ch }

func (w *StreamWaiter) Close() {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
}

// TryDrain returns a delivery that raced into the mailbox before Close.
func (w *StreamWaiter) TryDrain() (StreamDelivery, bool) {
	select {
	case d := <-w.ch:
		return d, true
	default:
		return StreamDelivery{}, false
	}
}

func (w *StreamWaiter) deliver(key string, entry StreamEntry) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return false
	}
	select {
	case w.ch <- StreamDelivery{Key: key, Entry: entry}:
		return true
	default:
		return false
	}
}

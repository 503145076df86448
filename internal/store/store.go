// Package store holds the shared keyspace: a map from key to a tagged
// record guarded by a single read-write lock. Read commands take the
// shared lock, mutations the exclusive lock, and the lock is never held
// across a wait on another client.
package store

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"respkv/internal/resp"
)

var (
	// ErrWrongType is returned when an operation is applied to a key
	// holding a different record variant.
	ErrWrongType = errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")
	// ErrNotInteger is returned by INCR on a value that does not parse
	// as a 64-bit integer.
	ErrNotInteger = errors.New("ERR value is not an integer or out of range")
	// ErrIDTooSmall is returned by XADD when the id does not exceed the
	// stream's newest entry.
	ErrIDTooSmall = errors.New("ERR The ID specified in XADD is equal or smaller than the target stream top item")
	// ErrIDZero is returned by XADD for the reserved id 0-0.
	ErrIDZero = errors.New("ERR The ID specified in XADD must be greater than 0-0")
)

// Store is the shared keyspace.
type Store struct {
	mu      sync.RWMutex
	records map[string]Record
	now     func() time.Time
}

func New() *Store {
	return &Store{
		records: make(map[string]Record),
		now:     time.Now,
	}
}

// NewWithClock builds a store with an injected clock, used by tests to
// pin expiry and auto-generated stream ids.
func NewWithClock(now func() time.Time) *Store {
	s := New()
	s.now = now
	return s
}

// Len returns the number of keys, including not-yet-purged expired ones.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// liveRecord resolves a key, treating an expired string record as absent.
// Caller holds the lock in either mode.
func (s *Store) liveRecord(key string) (Record, bool) {
	rec, ok := s.records[key]
	if !ok {
		return nil, false
	}
	if sr, isStr := rec.(*StringRecord); isStr && sr.Expired(s.now()) {
		return nil, false
	}
	return rec, true
}

// purgeExpiredLocked removes an expired string record under the exclusive
// lock so later writes start from a clean slot.
func (s *Store) purgeExpiredLocked(key string) {
	if rec, ok := s.records[key]; ok {
		if sr, isStr := rec.(*StringRecord); isStr && sr.Expired(s.now()) {
			delete(s.records, key)
		}
	}
}

// Set stores a string record, overwriting any existing record. A positive
// ttl records an absolute expiry of now+ttl.
func (s *Store) Set(key string, value resp.Value, ttl time.Duration) {
	rec := &StringRecord{Value: value}
	if ttl > 0 {
		rec.ExpireAt = s.now().Add(ttl)
	}
	s.mu.Lock()
	s.records[key] = rec
	s.mu.Unlock()
}

// Get returns the string value for key. ok is false when the key is
// absent or expired.
func (s *Store) Get(key string) (resp.Value, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.liveRecord(key)
	if !ok {
		return resp.Value{}, false, nil
	}
	sr, isStr := rec.(*StringRecord)
	if !isStr {
		return resp.Value{}, false, ErrWrongType
	}
	return sr.Value, true, nil
}

// Type returns "string", "list", "stream" or "none".
func (s *Store) Type(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.liveRecord(key)
	if !ok {
		return "none"
	}
	return rec.TypeName()
}

// Incr atomically increments the integer stored at key, creating it at 1
// when absent.
func (s *Store) Incr(key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeExpiredLocked(key)
	rec, ok := s.records[key]
	if !ok {
		s.records[key] = &StringRecord{Value: resp.Bulk("1")}
		return 1, nil
	}
	sr, isStr := rec.(*StringRecord)
	if !isStr {
		return 0, ErrWrongType
	}
	text, ok := sr.Value.Text()
	if !ok {
		return 0, ErrNotInteger
	}
	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, ErrNotInteger
	}
	n++
	sr.Value = resp.Bulk(strconv.FormatInt(n, 10))
	return n, nil
}

// listRecord resolves key to a list, optionally creating an empty one.
// Caller holds the exclusive lock.
func (s *Store) listRecord(key string, create bool) (*ListRecord, error) {
	s.purgeExpiredLocked(key)
	rec, ok := s.records[key]
	if !ok {
		if !create {
			return nil, nil
		}
		lr := &ListRecord{}
		s.records[key] = lr
		return lr, nil
	}
	lr, isList := rec.(*ListRecord)
	if !isList {
		return nil, ErrWrongType
	}
	return lr, nil
}

// Push appends (or prepends) values in argument order, handing each to a
// blocked waiter first. The returned length counts values consumed by
// waiters as if they had been appended and immediately popped.
func (s *Store) Push(key string, values []string, front bool) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lr, err := s.listRecord(key, true)
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, v := range values {
		var consumed bool
		if front {
			consumed = lr.PushFront(v)
		} else {
			consumed = lr.PushBack(v)
		}
		if consumed {
			delivered++
		}
	}
	return lr.Len() + delivered, nil
}

// LLen returns the list length, 0 for an absent key.
func (s *Store) LLen(key string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.liveRecord(key)
	if !ok {
		return 0, nil
	}
	lr, isList := rec.(*ListRecord)
	if !isList {
		return 0, ErrWrongType
	}
	return lr.Len(), nil
}

// LPop removes and returns the first element.
func (s *Store) LPop(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lr, err := s.listRecord(key, false)
	if err != nil || lr == nil {
		return "", false, err
	}
	v, ok := lr.PopFront()
	return v, ok, nil
}

// LPopCount removes and returns up to count elements from the front.
func (s *Store) LPopCount(key string, count int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lr, err := s.listRecord(key, false)
	if err != nil {
		return nil, err
	}
	out := []string{}
	if lr == nil {
		return out, nil
	}
	for len(out) < count {
		v, ok := lr.PopFront()
		if !ok {
			break
		}
		out = append(out, v)
	}
	return out, nil
}

// LRange returns the elements in [start, stop] with negative-index
// semantics. An absent key yields an empty slice.
func (s *Store) LRange(key string, start, stop int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.liveRecord(key)
	if !ok {
		return []string{}, nil
	}
	lr, isList := rec.(*ListRecord)
	if !isList {
		return nil, ErrWrongType
	}
	return lr.Range(start, stop), nil
}

// BLPop pops the first element if the list is non-empty. Otherwise it
// registers w as a waiter (creating an empty list record if needed) and
// the caller waits on w outside the lock.
func (s *Store) BLPop(key string, w *ListWaiter) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lr, err := s.listRecord(key, true)
	if err != nil {
		return "", false, err
	}
	if v, ok := lr.PopFront(); ok {
		return v, true, nil
	}
	lr.addWaiter(w)
	return "", false, nil
}

// streamRecord resolves key to a stream, optionally creating an empty
// one. Caller holds the exclusive lock.
func (s *Store) streamRecord(key string, create bool) (*StreamRecord, error) {
	s.purgeExpiredLocked(key)
	rec, ok := s.records[key]
	if !ok {
		if !create {
			return nil, nil
		}
		sr := &StreamRecord{}
		s.records[key] = sr
		return sr, nil
	}
	sr, isStream := rec.(*StreamRecord)
	if !isStream {
		return nil, ErrWrongType
	}
	return sr, nil
}

// XAdd resolves the id, validates monotonicity and appends the entry,
// waking qualifying stream waiters. No state changes on rejection.
func (s *Store) XAdd(key string, id XAddID, fields []Field) (StreamID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sr, err := s.streamRecord(key, false)
	if err != nil {
		return StreamID{}, err
	}
	var last StreamID
	if sr != nil {
		last = sr.LastID()
	}
	resolved := id.Resolve(last, uint64(s.now().UnixMilli()))
	if resolved == (StreamID{}) {
		return StreamID{}, ErrIDZero
	}
	if sr != nil && len(sr.entries) > 0 && !resolved.After(last) {
		return StreamID{}, ErrIDTooSmall
	}
	if sr == nil {
		sr = &StreamRecord{}
		s.records[key] = sr
	}
	sr.Append(StreamEntry{ID: resolved, Fields: fields})
	return resolved, nil
}

// XRange returns entries with id in [lo, hi]. An absent key yields an
// empty slice.
func (s *Store) XRange(key string, lo, hi StreamID) ([]StreamEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.liveRecord(key)
	if !ok {
		return []StreamEntry{}, nil
	}
	sr, isStream := rec.(*StreamRecord)
	if !isStream {
		return nil, ErrWrongType
	}
	return sr.EntriesInRange(lo, hi), nil
}

// LastStreamID returns the newest id of the stream at key, or 0-0 when
// the key is absent. Used to resolve the "$" XREAD bound.
func (s *Store) LastStreamID(key string) (StreamID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.liveRecord(key)
	if !ok {
		return StreamID{}, nil
	}
	sr, isStream := rec.(*StreamRecord)
	if !isStream {
		return StreamID{}, ErrWrongType
	}
	return sr.LastID(), nil
}

// XRead returns, per key, the entries with id strictly greater than the
// corresponding bound.
func (s *Store) XRead(keys []string, afters []StreamID) ([][]StreamEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entriesAfterLocked(keys, afters)
}

func (s *Store) entriesAfterLocked(keys []string, afters []StreamID) ([][]StreamEntry, error) {
	out := make([][]StreamEntry, len(keys))
	for i, key := range keys {
		rec, ok := s.liveRecord(key)
		if !ok {
			out[i] = []StreamEntry{}
			continue
		}
		sr, isStream := rec.(*StreamRecord)
		if !isStream {
			return nil, ErrWrongType
		}
		out[i] = sr.EntriesAfter(afters[i])
	}
	return out, nil
}

// XReadSubscribe re-checks every requested stream under the exclusive
// lock and, only if all are still empty past their bounds, registers w on
// each key. The atomic check-then-register closes the race with a
// concurrent XADD between a non-blocking read and the wait.
func (s *Store) XReadSubscribe(keys []string, afters []StreamID, w *StreamWaiter) ([][]StreamEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	results, err := s.entriesAfterLocked(keys, afters)
	if err != nil {
		return nil, false, err
	}
	for _, entries := range results {
		if len(entries) > 0 {
			return results, false, nil
		}
	}
	for i, key := range keys {
		sr, err := s.streamRecord(key, true)
		if err != nil {
			return nil, false, err
		}
		sr.addWaiter(w, key, afters[i])
	}
	return nil, true, nil
}

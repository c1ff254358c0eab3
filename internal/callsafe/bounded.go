package callsafe

import "time"

// boundedMap is a capacity-capped map with per-entry touch times. It is
// not synchronized; the Tracker's mutex covers every access.
type boundedMap[V any] struct {
	capacity int
	entries  map[string]*boundedEntry[V]
}

type boundedEntry[V any] struct {
	value   V
	touched time.Time
}

func newBoundedMap[V any](capacity int) *boundedMap[V] {
	return &boundedMap[V]{
		capacity: capacity,
		entries:  make(map[string]*boundedEntry[V]),
	}
}

func (b *boundedMap[V]) get(key string) (V, bool) {
	e, ok := b.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	return e.value, true
}

// put inserts or replaces key. At capacity it evicts the oldest entry
// for which evictable returns true; it reports false, without inserting,
// when every resident entry must be kept.
func (b *boundedMap[V]) put(key string, v V, now time.Time, evictable func(V) bool) bool {
	if e, ok := b.entries[key]; ok {
		e.value = v
		e.touched = now
		return true
	}
	if len(b.entries) >= b.capacity {
		victim := ""
		var oldest time.Time
		for k, e := range b.entries {
			if !evictable(e.value) {
				continue
			}
			if victim == "" || e.touched.Before(oldest) {
				victim = k
				oldest = e.touched
			}
		}
		if victim == "" {
			return false
		}
		delete(b.entries, victim)
	}
	b.entries[key] = &boundedEntry[V]{value: v, touched: now}
	return true
}

func (b *boundedMap[V]) touch(key string, now time.Time) {
	if e, ok := b.entries[key]; ok {
		e.touched = now
	}
}

func (b *boundedMap[V]) delete(key string) {
	delete(b.entries, key)
}

// prune drops every entry for which expired returns true.
func (b *boundedMap[V]) prune(expired func(V) bool) {
	for k, e := range b.entries {
		if expired(e.value) {
			delete(b.entries, k)
		}
	}
}

func (b *boundedMap[V]) len() int {
	return len(b.entries)
}

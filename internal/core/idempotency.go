package core

import (
	"container/list"
)

// DBIdempotencyChecker is the cold-path lookup against the event log, hit
// only when a key has aged out of the LRU.
type DBIdempotencyChecker interface {
	IsDuplicate(eventType string, idempotencyKey string) (bool, error)
}

// IdempotencyChecker deduplicates events two-tiered: an in-memory LRU for
// the hot path, the event log for keys the LRU has evicted. A DB error
// resolves to "not duplicate" so a database hiccup cannot stall processing;
// the unique key constraint on the event log is the backstop.
// Not thread-safe, accessed only from the single-threaded core.
type IdempotencyChecker struct {
	lru       *idempotencyLRU
	dbChecker DBIdempotencyChecker

	dbErrors int64
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       newIdempotencyLRU(capacity),
		dbChecker: dbChecker,
	}
}

func compositeKey(eventType, idempotencyKey string) string {
	return eventType + ":" + idempotencyKey
}

// IsDuplicate checks whether the event was already processed.
func (ic *IdempotencyChecker) IsDuplicate(eventType, idempotencyKey string) bool {
	key := compositeKey(eventType, idempotencyKey)

	if ic.lru.contains(key) {
		return true
	}

	if ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(eventType, idempotencyKey)
		if err != nil {
			ic.dbErrors++
			return false
		}
		if isDup {
			ic.lru.add(key)
			return true
		}
	}

	return false
}

// MarkProcessed records the key after the event is applied.
func (ic *IdempotencyChecker) MarkProcessed(eventType, idempotencyKey string) {
	ic.lru.add(compositeKey(eventType, idempotencyKey))
}

// Keys returns all cached composite keys, oldest first, for snapshotting.
func (ic *IdempotencyChecker) Keys() []string {
	return ic.lru.keys()
}

// Warm preloads composite keys, used on restore so recently processed
// events do not fall through to the cold path.
func (ic *IdempotencyChecker) Warm(keys []string) {
	for _, key := range keys {
		ic.lru.add(key)
	}
}

func (ic *IdempotencyChecker) Size() int {
	return ic.lru.order.Len()
}

func (ic *IdempotencyChecker) DBErrors() int64 {
	return ic.dbErrors
}

// --- LRU ---

type idempotencyLRU struct {
	capacity int
	entries  map[string]*list.Element
	order    *list.List // Front = most recently used
}

func newIdempotencyLRU(capacity int) *idempotencyLRU {
	return &idempotencyLRU{
		capacity: capacity,
		entries:  make(map[string]*list.Element, capacity),
		order:    list.New(),
	}
}

func (lru *idempotencyLRU) contains(key string) bool {
	elem, ok := lru.entries[key]
	if ok {
		lru.order.MoveToFront(elem)
	}
	return ok
}

func (lru *idempotencyLRU) add(key string) {
	if elem, ok := lru.entries[key]; ok {
		lru.order.MoveToFront(elem)
		return
	}

	lru.entries[key] = lru.order.PushFront(key)

	if lru.order.Len() > lru.capacity {
		oldest := lru.order.Back()
		lru.order.Remove(oldest)
		delete(lru.entries, oldest.Value.(string))
	}
}

func (lru *idempotencyLRU) keys() []string {
	out := make([]string, 0, lru.order.Len())
	for elem := lru.order.Back(); elem != nil; elem = elem.Prev() {
		out = append(out, elem.Value.(string))
	}
	return out
}

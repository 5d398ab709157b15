package flow

import (
	"errors"
	"slices"
	"time"
)

// ErrDuplicateKey is returned by Insert when the key is already present.
var ErrDuplicateKey = errors.New("flow key already present")

// Table indexes records by key. It is owned by exactly one classification
// context and must not be used concurrently.
type Table struct {
	records map[Key]*Record
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{records: make(map[Key]*Record)}
}

// Find returns the record for key, or nil.
func (t *Table) Find(key Key) *Record {
	return t.records[key]
}

// Insert adds a record for a key that is not yet present.
func (t *Table) Insert(key Key, r *Record) error {
	if _, ok := t.records[key]; ok {
		return ErrDuplicateKey
	}
	t.records[key] = r
	return nil
}

// Remove drops the record for key and returns it, or nil if absent.
func (t *Table) Remove(key Key) *Record {
	r, ok := t.records[key]
	if !ok {
		return nil
	}
	delete(t.records, key)
	return r
}

// Len returns the number of records.
func (t *Table) Len() int {
	return len(t.records)
}

// Each calls fn for every record in key order until fn returns false.
func (t *Table) Each(fn func(*Record) bool) {
	keys := make([]Key, 0, len(t.records))
	for k := range t.records {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, Compare)
	for _, k := range keys {
		if !fn(t.records[k]) {
			return
		}
	}
}

// Idle removes and returns every record whose last packet is older than
// now minus timeout.
func (t *Table) Idle(now time.Time, timeout time.Duration) []*Record {
	var idle []*Record
	deadline := now.Add(-timeout)
	for k, r := range t.records {
		if r.LastSeen.Before(deadline) {
			idle = append(idle, r)
			delete(t.records, k)
		}
	}
	return idle
}

// Drain removes and returns every record.
func (t *Table) Drain() []*Record {
	all := make([]*Record, 0, len(t.records))
	for _, r := range t.records {
		all = append(all, r)
	}
	t.records = make(map[Key]*Record)
	return all
}

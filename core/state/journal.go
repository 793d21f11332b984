package state

import (
	"errors"
	"fmt"
	"sort"

	"credify/storage"
)

// journalEntry remembers what a key held before a write so the write can be
// undone.
type journalEntry struct {
	key     string
	prev    []byte
	existed bool
	dirty   bool
}

type dirtyValue struct {
	value   []byte
	deleted bool
}

// Journal is a write-back overlay on top of a storage.Database. Writes stay in
// memory until Commit; Snapshot and RevertToSnapshot roll back everything
// written after a given point.
type Journal struct {
	db      storage.Database
	dirty   map[string]dirtyValue
	entries []journalEntry
}

// NewJournal wraps db.
func NewJournal(db storage.Database) *Journal {
	return &Journal{db: db, dirty: make(map[string]dirtyValue)}
}

// Get returns the current value under key, honouring uncommitted writes. The
// boolean is false when the key does not exist.
func (j *Journal) Get(key []byte) ([]byte, bool, error) {
	if v, ok := j.dirty[string(key)]; ok {
		if v.deleted {
			return nil, false, nil
		}
		return append([]byte(nil), v.value...), true, nil
	}
	value, err := j.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Put records a write.
func (j *Journal) Put(key, value []byte) error {
	if err := j.record(key); err != nil {
		return err
	}
	j.dirty[string(key)] = dirtyValue{value: append([]byte(nil), value...)}
	return nil
}

// Delete records a deletion.
func (j *Journal) Delete(key []byte) error {
	if err := j.record(key); err != nil {
		return err
	}
	j.dirty[string(key)] = dirtyValue{deleted: true}
	return nil
}

func (j *Journal) record(key []byte) error {
	k := string(key)
	if prev, ok := j.dirty[k]; ok {
		j.entries = append(j.entries, journalEntry{key: k, prev: prev.value, existed: !prev.deleted, dirty: true})
		return nil
	}
	j.entries = append(j.entries, journalEntry{key: k})
	return nil
}

// Snapshot returns an identifier for the current journal position.
func (j *Journal) Snapshot() int {
	return len(j.entries)
}

// RevertToSnapshot undoes every write made after the snapshot was taken.
func (j *Journal) RevertToSnapshot(id int) {
	if id < 0 || id > len(j.entries) {
		panic(fmt.Sprintf("state: invalid snapshot %d (journal length %d)", id, len(j.entries)))
	}
	for i := len(j.entries) - 1; i >= id; i-- {
		entry := j.entries[i]
		if !entry.dirty {
			delete(j.dirty, entry.key)
			continue
		}
		j.dirty[entry.key] = dirtyValue{value: entry.prev, deleted: !entry.existed}
	}
	j.entries = j.entries[:id]
}

// Dirty reports the number of keys with uncommitted writes.
func (j *Journal) Dirty() int {
	return len(j.dirty)
}

// Commit flushes all pending writes to the backing database in one batch and
// clears the journal.
func (j *Journal) Commit() error {
	batch := storage.NewBatch()
	j.CommitTo(batch)
	if err := j.db.Write(batch); err != nil {
		return fmt.Errorf("state: commit: %w", err)
	}
	return nil
}

// CommitTo moves all pending writes into b in key order and clears the
// journal. Nothing reaches the database until b is written.
func (j *Journal) CommitTo(b *storage.Batch) {
	keys := make([]string, 0, len(j.dirty))
	for k := range j.dirty {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if v := j.dirty[k]; v.deleted {
			b.Delete([]byte(k))
		} else {
			b.Put([]byte(k), v.value)
		}
	}
	j.Discard()
}

// Discard drops all uncommitted writes.
func (j *Journal) Discard() {
	j.dirty = make(map[string]dirtyValue)
	j.entries = j.entries[:0]
}

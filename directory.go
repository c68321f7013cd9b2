package redundancy

import (
	"fmt"
	"sync"
)

// Directory is the redundancy state shared by every instance of a set: the
// redundant server array and the current server id.
//
// Getters take the read lock and return copies; setters take the write lock.
type Directory struct {
	mu        sync.RWMutex
	records   []StatusRecord
	currentID string
	version   uint64

	// onChange, if set, is called after every mutation with a snapshot,
	// outside the lock.
	onChange func(DirectorySnapshot)
}

// DirectorySnapshot is a consistent copy of the directory. Version increases
// by one on every mutation.
type DirectorySnapshot struct {
	Version   uint64         `json:"version"`
	CurrentID string         `json:"currentId"`
	Records   []StatusRecord `json:"records"`
}

// NewDirectory creates a directory holding the given records. The current
// server id starts empty.
func NewDirectory(records []StatusRecord) (*Directory, error) {
	seen := make(map[string]struct{}, len(records))
	for _, r := range records {
		if _, ok := seen[r.ID]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateID, r.ID)
		}
		seen[r.ID] = struct{}{}
	}

	out := make([]StatusRecord, len(records))
	copy(out, records)
	return &Directory{records: out}, nil
}

// CurrentServerID returns the id of the instance authorized to serve.
func (d *Directory) CurrentServerID() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.currentID
}

// SetCurrentServerID points the directory at the given instance.
func (d *Directory) SetCurrentServerID(id string) error {
	d.mu.Lock()
	if d.indexOf(id) < 0 {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	d.currentID = id
	snap, notify := d.mutatedLocked()
	d.mu.Unlock()

	if notify != nil {
		notify(snap)
	}
	return nil
}

// StatusArray returns a copy of the redundant server array.
func (d *Directory) StatusArray() []StatusRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]StatusRecord, len(d.records))
	copy(out, d.records)
	return out
}

// SetStatusArray replaces every record. The new array must address exactly
// the ids already present.
func (d *Directory) SetStatusArray(records []StatusRecord) error {
	d.mu.Lock()
	if len(records) != len(d.records) {
		d.mu.Unlock()
		return fmt.Errorf("status array size %d, want %d", len(records), len(d.records))
	}
	for _, r := range records {
		if d.indexOf(r.ID) < 0 {
			d.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrNotFound, r.ID)
		}
	}
	copy(d.records, records)
	snap, notify := d.mutatedLocked()
	d.mu.Unlock()

	if notify != nil {
		notify(snap)
	}
	return nil
}

// Record returns the status record for id.
func (d *Directory) Record(id string) (StatusRecord, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	idx := d.indexOf(id)
	if idx < 0 {
		return StatusRecord{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return d.records[idx], nil
}

// UpdateRecord rewrites the record with the same id in place.
func (d *Directory) UpdateRecord(rec StatusRecord) error {
	d.mu.Lock()
	idx := d.indexOf(rec.ID)
	if idx < 0 {
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, rec.ID)
	}
	d.records[idx] = rec
	snap, notify := d.mutatedLocked()
	d.mu.Unlock()

	if notify != nil {
		notify(snap)
	}
	return nil
}

// Len returns the number of records.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.records)
}

// Snapshot returns a consistent copy of the whole directory.
func (d *Directory) Snapshot() DirectorySnapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.snapshotLocked()
}

// OnChange registers a callback invoked after each mutation, outside the
// lock. Callbacks may run concurrently; use Version to order them. It must
// not call back into the directory's setters.
func (d *Directory) OnChange(fn func(DirectorySnapshot)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onChange = fn
}

// indexOf does a linear scan; sets are small.
func (d *Directory) indexOf(id string) int {
	for i := range d.records {
		if d.records[i].ID == id {
			return i
		}
	}
	return -1
}

func (d *Directory) snapshotLocked() DirectorySnapshot {
	out := make([]StatusRecord, len(d.records))
	copy(out, d.records)
	return DirectorySnapshot{Version: d.version, CurrentID: d.currentID, Records: out}
}

// mutatedLocked bumps the version and returns what the change callback needs.
func (d *Directory) mutatedLocked() (DirectorySnapshot, func(DirectorySnapshot)) {
	d.version++
	if d.onChange == nil {
		return DirectorySnapshot{}, nil
	}
	return d.snapshotLocked(), d.onChange
}

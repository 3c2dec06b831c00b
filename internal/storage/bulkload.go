package storage

import "fmt"

// SetBulkLoadMode records whether bulk-load write settings (WAL
// disabled) are wanted. It does not change the open database: Pebble
// does not support toggling DisableWAL on an already-open *pebble.DB,
// and OpenWithBulkLoad takes the mode from its own bulkLoad argument,
// so a new mode applies only once a caller reopens the store with it.
// No caller in this module reopens the store this way.
func (db *DB) SetBulkLoadMode(enabled bool) {
    db.bulkLoad = enabled
}

// BulkLoadMode reports the mode most recently requested via
// SetBulkLoadMode or the mode the database was opened with.
func (db *DB) BulkLoadMode() bool {
    return db.bulkLoad
}

// CompactRange forces a manual compaction over [start, end), which folds
// down the many L0 files a WAL-disabled write burst leaves; outside the
// tests nothing in this module calls it. A nil end
// compacts through the end of the keyspace.
func (db *DB) CompactRange(start, end []byte) error {
    if err := db.pebble.Compact(start, end, true); err != nil {
        return fmt.Errorf("failed to compact range: %w", err)
    }
    return nil
}

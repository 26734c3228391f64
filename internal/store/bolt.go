// Package store — bolt.go
//
// BoltDB-backed persistent storage for the EGS gateway.
//
// Schema (BoltDB bucket layout):
//
//	/lamps
//	    key:   lamp id, zero-padded to 3 digits ("001".."126")
//	    value: JSON-encoded LampRecord
//
//	/events
//	    key:   UTC activation timestamp, RFC3339 with a fixed 9-digit
//	           fraction  [sortable, chronological]
//	    value: JSON-encoded EventRecord
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
//
// Consistency model:
//   - Single-process, single-writer (BoltDB does not support concurrent writers).
//   - All writes use ACID transactions (bbolt Tx.Commit()).
//   - Reads use read-only transactions (bbolt.View()).
//   - CRC32 integrity check on database open (bbolt built-in).
//
// This store is a shadow of field reality, never its source of truth: the
// zone orchestrator's deactivation path never consults it, and
// activation/deactivation write emergency_events rows purely for post-event
// reporting, not for deciding what to send.
//
// Retention:
//   - Event rows older than EventRetentionDays are pruned by PruneOldEvents,
//     which the daemon calls once at startup; never automatically during
//     normal operation, so an in-progress event is never pruned mid-flight.
//
// Failure modes:
//   - BoltDB file corruption: bbolt detects via CRC and returns an error on
//     Open(). The daemon logs a fatal event and refuses to start.
//   - Disk full: bbolt.Update() returns an error; the daemon logs it and
//     continues serving from in-memory state (lamp state store and pipeline
//     only degrade to lacking persistence, not to lacking function).
package store

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// DefaultDBPath is the default BoltDB file location.
	DefaultDBPath = "/var/lib/egs-gateway/egs.db"

	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	// DefaultEventRetentionDays is the default emergency_events retention period.
	DefaultEventRetentionDays = 90

	bucketLamps  = "lamps"
	bucketEvents = "events"
	bucketMeta   = "meta"
)

// LampRecord is the persisted last-commanded state of a single lamp.
// Stored as JSON in the lamps bucket; the shape mirrors the
// lamps(id, is_on, last_updated) table reporting collaborators consume.
type LampRecord struct {
	ID          int       `json:"id"`
	IsOn        bool      `json:"is_on"`
	LastUpdated time.Time `json:"last_updated"`
}

// EventRecord is a single emergency_events row: zone, wind, activation and
// clear timestamps, duration, and an active/cleared status.
type EventRecord struct {
	ZoneName      string     `json:"zone_name"`
	WindDirection string     `json:"wind_direction"`
	ActivatedAt   time.Time  `json:"activated_at"`
	ClearedAt     *time.Time `json:"cleared_at,omitempty"`
	DurationMin   float64    `json:"duration_minutes,omitempty"`
	Status        string     `json:"status"` // "active" or "cleared"
}

// DB wraps a BoltDB instance with typed accessors for EGS gateway data.
type DB struct {
	db            *bolt.DB
	retentionDays int
}

// Open opens (or creates) the BoltDB database at the given path.
// Initialises all required buckets and verifies the schema version.
// Returns an error if the database is corrupt or schema is incompatible.
func Open(path string, retentionDays int) (*DB, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultEventRetentionDays
	}

	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		NoGrowSync:   false,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}

	d := &DB{db: bdb, retentionDays: retentionDays}

	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketLamps, bucketEvents, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}

		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("database initialisation failed: %w", err)
	}

	if err := d.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return d, nil
}

// checkSchemaVersion reads and validates the stored schema version.
func (d *DB) checkSchemaVersion() error {
	return d.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf(
				"schema version mismatch: database has %q, gateway requires %q. "+
					"Run migration or restore from backup.",
				string(v), SchemaVersion,
			)
		}
		return nil
	})
}

// Close closes the underlying BoltDB file.
func (d *DB) Close() error {
	return d.db.Close()
}

// ─── Lamp state store ──────────────────────────────────────────────────────

// lampKey formats a lamp id as a zero-padded, sortable BoltDB key.
func lampKey(id int) []byte {
	return []byte(fmt.Sprintf("%03d", id))
}

// SetLamp persists the last-commanded state of a lamp. Called only after a
// manual command's ACK; zone activation/deactivation never calls this —
// the store is a shadow of field reality, not the source of truth.
func (d *DB) SetLamp(id int, on bool) error {
	rec := LampRecord{ID: id, IsOn: on, LastUpdated: time.Now().UTC()}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("SetLamp marshal: %w", err)
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLamps))
		return b.Put(lampKey(id), data)
	})
}

// GetLamp returns the last-commanded state of a lamp, or (nil, nil) if no
// command has ever been recorded for it.
func (d *DB) GetLamp(id int) (*LampRecord, error) {
	var rec LampRecord
	found := false
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLamps))
		data := b.Get(lampKey(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("GetLamp(%d): %w", id, err)
	}
	if !found {
		return nil, nil
	}
	return &rec, nil
}

// GetAllLamps returns every persisted lamp record, keyed by lamp id.
func (d *DB) GetAllLamps() (map[int]LampRecord, error) {
	out := make(map[int]LampRecord)
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLamps))
		return b.ForEach(func(_, v []byte) error {
			var rec LampRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out[rec.ID] = rec
			return nil
		})
	})
	return out, err
}

// ─── Emergency events ledger ───────────────────────────────────────────────

func eventKey(t time.Time) []byte {
	// Fixed-width fraction: RFC3339Nano trims trailing zeros, which would
	// break lexicographic (chronological) ordering of the keys.
	return []byte(t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"))
}

// RecordActivation writes an "active" emergency_events row for a newly
// activated zone. Invoked by the zone orchestrator after the changeover
// protocol completes; failures are logged by the caller and never block
// the physical changeover.
func (d *DB) RecordActivation(zoneName, wind string, at time.Time) error {
	rec := EventRecord{
		ZoneName:      zoneName,
		WindDirection: wind,
		ActivatedAt:   at.UTC(),
		Status:        "active",
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("RecordActivation marshal: %w", err)
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketEvents))
		return b.Put(eventKey(at), data)
	})
}

// RecordDeactivation marks the most recent "active" event row as cleared.
// If no active row is found (e.g. a full shutdown with nothing registered),
// this is a no-op, not an error.
func (d *DB) RecordDeactivation(at time.Time) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketEvents))
		c := b.Cursor()
		var lastKey, lastVal []byte
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var rec EventRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if rec.Status == "active" {
				lastKey, lastVal = k, v
				break
			}
		}
		if lastKey == nil {
			return nil
		}
		var rec EventRecord
		if err := json.Unmarshal(lastVal, &rec); err != nil {
			return fmt.Errorf("RecordDeactivation unmarshal: %w", err)
		}
		cleared := at.UTC()
		rec.ClearedAt = &cleared
		rec.DurationMin = cleared.Sub(rec.ActivatedAt).Minutes()
		rec.Status = "cleared"
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("RecordDeactivation marshal: %w", err)
		}
		return b.Put(lastKey, data)
	})
}

// ReadEvents returns all emergency_events rows in chronological order.
// For operational use (CLI inspection, report builder). Not on the hot path.
func (d *DB) ReadEvents() ([]EventRecord, error) {
	var events []EventRecord
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketEvents))
		return b.ForEach(func(_, v []byte) error {
			var rec EventRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			events = append(events, rec)
			return nil
		})
	})
	return events, err
}

// PruneOldEvents deletes cleared events older than retentionDays.
// Active events are never pruned regardless of age.
func (d *DB) PruneOldEvents() (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -d.retentionDays)

	var deleted int
	err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketEvents))
		c := b.Cursor()

		var toDelete [][]byte
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec EventRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if rec.Status == "active" {
				continue
			}
			if rec.ActivatedAt.After(cutoff) {
				continue
			}
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			toDelete = append(toDelete, keyCopy)
		}

		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("PruneOldEvents delete: %w", err)
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

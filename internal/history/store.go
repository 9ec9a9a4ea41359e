// Package history records pipeline runs in an embedded bbolt database.
// Every run is one JSON value in the "runs" bucket, keyed so that a
// cursor walk visits runs in start-time order.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/mmr-tortoise/buildctx/internal/model"
)

var bucketRuns = []byte("runs")

// ErrNotFound is returned by Get when no run has the requested ID.
var ErrNotFound = errors.New("run not found")

// Store persists model.RunRecord values.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the history database at path. The parent
// directory is created when missing. A second process holding the file
// makes Open fail after one second instead of blocking.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("bbolt open %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRuns)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init history bucket: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying bbolt database.
func (s *Store) Close() error {
	return s.db.Close()
}

// runKey orders records by start time. The run ID suffix keeps keys
// unique when two runs start in the same nanosecond.
func runKey(r *model.RunRecord) []byte {
	return []byte(fmt.Sprintf("%020d-%s", r.StartedAt.UTC().UnixNano(), r.ID))
}

// Record stores r, replacing any record with the same start time and ID.
func (s *Store) Record(r *model.RunRecord) error {
	if r == nil {
		return fmt.Errorf("nil run record")
	}
	if r.ID == "" {
		return fmt.Errorf("run record has no ID")
	}

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal run %s: %w", r.ID, err)
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRuns).Put(runKey(r), data)
	})
}

// List returns up to limit records, newest first. A limit of zero or less
// returns every record.
func (s *Store) List(limit int) ([]model.RunRecord, error) {
	var runs []model.RunRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRuns).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(runs) >= limit {
				break
			}
			var r model.RunRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("unmarshal run %s: %w", k, err)
			}
			runs = append(runs, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return runs, nil
}

// Get returns the record with the given run ID.
func (s *Store) Get(id string) (*model.RunRecord, error) {
	var found *model.RunRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRuns).Cursor()
		suffix := "-" + id
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if !strings.HasSuffix(string(k), suffix) {
				continue
			}
			var r model.RunRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("unmarshal run %s: %w", k, err)
			}
			found = &r
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return found, nil
}

// Prune keeps the newest keep records and deletes the rest. It returns
// the number of records removed.
func (s *Store) Prune(keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}

	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRuns)

		var doomed [][]byte
		seen := 0
		c := b.Cursor()
		for k, _ := c.Last(); k != nil; k, _ = c.Prev() {
			seen++
			if seen > keep {
				doomed = append(doomed, append([]byte(nil), k...))
			}
		}
		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		removed = len(doomed)
		return nil
	})
	return removed, err
}

// Recorder appends runs to the database at Path, opening it only for the
// duration of each Record call. Long-running commands such as watch use it
// so that "buildctx history" can read the file between runs.
type Recorder struct {
	Path string
}

// Record opens the database, stores r and closes it again.
func (rc Recorder) Record(r *model.RunRecord) error {
	s, err := Open(rc.Path)
	if err != nil {
		return err
	}
	defer s.Close()
	return s.Record(r)
}

// Package store keeps triage entries in a BoltDB results database. Entries
// are protobuf encoded crash.Entry values in a single bucket, keyed by
// sha1(path || command) so the same input run with a different command gets
// its own entry.
package store

import (
	"crypto/sha1"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/boltdb/bolt"
	"github.com/gogo/protobuf/proto"

	"triagewalk/crash"
)

var CrashBucket = []byte("crashes")

// DB is a results database.
type DB struct {
	db *bolt.DB
}

// Open opens or creates the database at path and makes sure the crash
// bucket exists.
func Open(path string) (*DB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open DB (%s): %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(CrashBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("error creating bucket: %w", err)
	}
	return &DB{db: db}, nil
}

// OpenReadOnly opens an existing database for the query tools. It takes a
// shared lock, and gives up after a second if a triage run is writing.
func OpenReadOnly(path string) (*DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{ReadOnly: true, Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open DB (%s): %w", path, err)
	}
	return &DB{db: db}, nil
}

// Reset drops every entry. Each triage run replaces the previous results.
func (d *DB) Reset() error {
	return d.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(CrashBucket); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		_, err := tx.CreateBucket(CrashBucket)
		return err
	})
}

// Key is the tag an entry is stored under.
func Key(path string, command []string) []byte {
	h := sha1.New()
	h.Write([]byte(path))
	h.Write([]byte(strings.Join(command, " ")))
	return h.Sum(nil)
}

// Put stores e, replacing any entry with the same path and command.
func (d *DB) Put(e *crash.Entry) error {
	b, err := proto.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(CrashBucket).Put(Key(e.Path, e.Command), b); err != nil {
			return fmt.Errorf("failed to store entry: %w", err)
		}
		return nil
	})
}

// ForEach calls fn for every entry in key order. A non-nil error from fn
// stops the iteration and is returned.
func (d *DB) ForEach(fn func(*crash.Entry) error) error {
	return d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(CrashBucket)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			e := &crash.Entry{}
			if err := proto.Unmarshal(v, e); err != nil {
				return fmt.Errorf("failed to unmarshal entry %x: %w", k, err)
			}
			return fn(e)
		})
	})
}

// Find returns the entries whose bucket hash is h. A bare major hash
// matches every minor hash under it.
func (d *DB) Find(h string) ([]*crash.Entry, error) {
	major, minor := crash.SplitBucket(h)
	var found []*crash.Entry
	err := d.ForEach(func(e *crash.Entry) error {
		emaj, emin := crash.SplitBucket(e.Hash)
		if emaj == major && (minor == "" || emin == minor) {
			found = append(found, e)
		}
		return nil
	})
	return found, err
}

func (d *DB) Close() error {
	return d.db.Close()
}

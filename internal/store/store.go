// Package store is the on-device persistent store: a bbolt database
// holding the last known ledger snapshot.
package store

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/pairbook/pairbook/internal/ledger"
)

const (
	// storeDirPerm is the permission mode for the state directory (~/.pairbook/).
	storeDirPerm = fs.FileMode(0o700)

	// storeFilePerm is the permission mode for the database file.
	storeFilePerm = fs.FileMode(0o600)

	// storeOpenTimeout is the maximum time to wait for the bolt database lock.
	storeOpenTimeout = 5 * time.Second
)

var (
	appBucket = []byte("app")
	ledgerKey = []byte(ledger.SchemaKey)
)

// Store wraps a bbolt database holding the local ledger snapshot.
type Store struct {
	db *bolt.DB
}

// Open opens the store at the given path, creating file and parent
// directory as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), storeDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, storeFilePerm, &bolt.Options{Timeout: storeOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(appBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveLedger persists the ledger snapshot. Callers treat failures as
// non-fatal: the session continues in memory and the next save retries
// implicitly.
func (s *Store) SaveLedger(l ledger.Ledger) error {
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("encoding ledger: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(ledgerKey, data)
	})
	if err != nil {
		return fmt.Errorf("writing ledger: %w", err)
	}

	return nil
}

// LoadLedger returns the stored snapshot, or the schema default when none
// exists. Fields absent from an old snapshot are backfilled with their
// defaults so schema evolution never crashes previously written data.
func (s *Store) LoadLedger() (ledger.Ledger, error) {
	var raw []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(appBucket).Get(ledgerKey); v != nil {
			raw = append([]byte(nil), v...)
		}

		return nil
	})
	if err != nil {
		return ledger.Default(), fmt.Errorf("reading ledger: %w", err)
	}

	if raw == nil {
		return ledger.Default(), nil
	}

	var l ledger.Ledger
	if err := json.Unmarshal(raw, &l); err != nil {
		// A corrupt snapshot is not fatal: start from the default and
		// let the next remote reconcile repopulate it.
		return ledger.Default(), fmt.Errorf("decoding ledger: %w", err)
	}

	l.Backfill()

	return l, nil
}

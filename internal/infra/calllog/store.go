package calllog

import (
	"fmt"
	"sort"

	"github.com/cockroachdb/errors"
	badger "github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/osa030/dialbox/internal/domain/call"
)

// Store persists finalized call records.
type Store interface {
	Add(rec call.Record) error
	Recent(limit int) ([]call.Record, error)
	Close() error
}

// keyPrefix namespaces call records inside the database.
const keyPrefix = "call:"

// BadgerStore is a Store backed by BadgerDB. Records are keyed by
// timestamp so iteration order is chronological.
type BadgerStore struct {
	db *badger.DB
}

// BadgerOptions configures the BadgerDB store.
type BadgerOptions struct {
	// Dir is the directory for data files. Required unless InMemory.
	Dir string
	// InMemory runs BadgerDB without disk persistence, for tests and
	// mock mode.
	InMemory bool
}

// NewBadgerStore opens the call history database.
func NewBadgerStore(opts BadgerOptions) (*BadgerStore, error) {
	if !opts.InMemory && opts.Dir == "" {
		return nil, errors.New("calllog: dir is required for on-disk mode")
	}

	dbOpts := badger.DefaultOptions(opts.Dir).WithLogger(nil)
	if opts.InMemory {
		dbOpts = dbOpts.WithInMemory(true)
	}
	db, err := badger.Open(dbOpts)
	if err != nil {
		return nil, errors.Wrap(err, "calllog: open database")
	}
	return &BadgerStore{db: db}, nil
}

// Add stores one finalized record.
func (s *BadgerStore) Add(rec call.Record) error {
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "calllog: encode record")
	}

	// Timestamp first for chronological iteration, ID for uniqueness.
	key := fmt.Sprintf("%s%020d:%s", keyPrefix, rec.Timestamp.UnixNano(), rec.ID)
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
	return errors.Wrap(err, "calllog: store record")
}

// Recent returns up to limit records, newest first.
func (s *BadgerStore) Recent(limit int) ([]call.Record, error) {
	var records []call.Record

	err := s.db.View(func(txn *badger.Txn) error {
		iterOpts := badger.DefaultIteratorOptions
		iterOpts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(iterOpts)
		defer it.Close()

		for it.Seek([]byte(keyPrefix)); it.ValidForPrefix([]byte(keyPrefix)); it.Next() {
			val, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var rec call.Record
			if err := msgpack.Unmarshal(val, &rec); err != nil {
				return errors.Wrap(err, "calllog: decode record")
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "calllog: read records")
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// Close closes the underlying database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

package platform

import (
	"errors"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-yaml"
)

// BadgerStore is the production Store implementation: a single-file
// embedded KV database, with YAML (not a bespoke binary format) for the
// value encoding so stored blobs stay readable with plain tooling and
// match the config file's own serialization.
type BadgerStore struct {
	db *badger.DB
}

func OpenBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path).WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Load(key string, out any) (bool, error) {
	var found bool
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return yaml.Unmarshal(val, out)
		})
	})
	return found, err
}

func (s *BadgerStore) Store(key string, value any) error {
	buf, err := yaml.Marshal(value)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), buf)
	})
}

func (s *BadgerStore) Erase(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

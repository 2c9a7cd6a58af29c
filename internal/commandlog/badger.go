package commandlog

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
)

const (
	badgerEntryPrefix = "e|"
	badgerFaultKey    = "f|viable"
)

type badgerStore struct {
	db *badger.DB
}

// OpenBadger opens a badger-backed command-log store under dir.
func OpenBadger(dir string) (Store, error) {
	opts := badger.DefaultOptions(filepath.Join(dir, "badger"))
	opts.Logger = nil
	opts.SyncWrites = true
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger command log: %w", err)
	}
	return &badgerStore{db: db}, nil
}

func (s *badgerStore) Close() error {
	return s.db.Close()
}

func (s *badgerStore) AppendEntries(entries []Entry, sync bool) error {
	if len(entries) == 0 {
		return nil
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, e := range entries {
			if err := txn.Set(badgerEntryKey(e.SpHandle), encodeEntryValue(e)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if sync {
		return s.db.Sync()
	}
	return nil
}

func (s *badgerStore) PutFault(f FaultEntry, sync bool) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal fault entry: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(badgerFaultKey), data)
	})
	if err != nil {
		return err
	}
	if sync {
		return s.db.Sync()
	}
	return nil
}

func (s *badgerStore) LastFault() (FaultEntry, bool, error) {
	var f FaultEntry
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerFaultKey))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil
			}
			return err
		}
		return item.Value(func(v []byte) error {
			if err := json.Unmarshal(v, &f); err != nil {
				return fmt.Errorf("unmarshal fault entry: %w", err)
			}
			found = true
			return nil
		})
	})
	return f, found, err
}

func (s *badgerStore) Scan(fn func(Entry) bool) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(badgerEntryPrefix)
		for it.Seek(prefix); it.Valid(); it.Next() {
			item := it.Item()
			k := item.Key()
			if !bytes.HasPrefix(k, prefix) {
				break
			}
			var e Entry
			err := item.Value(func(v []byte) error {
				var derr error
				e, derr = decodeEntryValue(k, v)
				return derr
			})
			if err != nil {
				return err
			}
			if !fn(e) {
				break
			}
		}
		return nil
	})
}

func badgerEntryKey(spHandle int64) []byte {
	k := make([]byte, len(badgerEntryPrefix)+8)
	copy(k, badgerEntryPrefix)
	binary.BigEndian.PutUint64(k[len(badgerEntryPrefix):], uint64(spHandle)^(1<<63))
	return k
}

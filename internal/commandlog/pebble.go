package commandlog

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"
)

const (
	pebbleEntryPrefix = "e|"
	pebbleFaultKey    = "f|viable"
)

type pebbleStore struct {
	db *pebble.DB
}

// OpenPebble opens a pebble-backed command-log store under dir.
func OpenPebble(dir string) (Store, error) {
	db, err := pebble.Open(dir+"/pebble", &pebble.Options{
		MemTableSize:          16 << 20, // 16MB
		L0CompactionThreshold: 8,
		MaxConcurrentCompactions: func() int {
			return 2
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open pebble command log: %w", err)
	}
	return &pebbleStore{db: db}, nil
}

func (s *pebbleStore) Close() error {
	return s.db.Close()
}

func (s *pebbleStore) AppendEntries(entries []Entry, sync bool) error {
	if len(entries) == 0 {
		return nil
	}
	batch := s.db.NewBatch()
	defer func() { _ = batch.Close() }()
	for _, e := range entries {
		if err := batch.Set(pebbleEntryKey(e.SpHandle), encodeEntryValue(e), pebble.NoSync); err != nil {
			return err
		}
	}
	opt := pebble.NoSync
	if sync {
		opt = pebble.Sync
	}
	return batch.Commit(opt)
}

func (s *pebbleStore) PutFault(f FaultEntry, sync bool) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal fault entry: %w", err)
	}
	opt := pebble.NoSync
	if sync {
		opt = pebble.Sync
	}
	return s.db.Set([]byte(pebbleFaultKey), data, opt)
}

func (s *pebbleStore) LastFault() (FaultEntry, bool, error) {
	v, closer, err := s.db.Get([]byte(pebbleFaultKey))
	if err != nil {
		if err == pebble.ErrNotFound {
			return FaultEntry{}, false, nil
		}
		return FaultEntry{}, false, err
	}
	defer func() { _ = closer.Close() }()
	var f FaultEntry
	if err := json.Unmarshal(v, &f); err != nil {
		return FaultEntry{}, false, fmt.Errorf("unmarshal fault entry: %w", err)
	}
	return f, true, nil
}

func (s *pebbleStore) Scan(fn func(Entry) bool) error {
	lower := []byte(pebbleEntryPrefix)
	upper := prefixUpperBound(lower)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return err
	}
	defer func() { _ = iter.Close() }()
	for iter.First(); iter.Valid(); iter.Next() {
		e, err := decodeEntryValue(iter.Key(), iter.Value())
		if err != nil {
			return err
		}
		if !fn(e) {
			break
		}
	}
	return iter.Error()
}

// Entry keys sort by sp-handle; handles are biased so negative handles order
// before positive ones under the unsigned big-endian comparison.
func pebbleEntryKey(spHandle int64) []byte {
	k := make([]byte, len(pebbleEntryPrefix)+8)
	copy(k, pebbleEntryPrefix)
	binary.BigEndian.PutUint64(k[len(pebbleEntryPrefix):], uint64(spHandle)^(1<<63))
	return k
}

func spHandleFromEntryKey(k []byte) int64 {
	if len(k) < len(pebbleEntryPrefix)+8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(k[len(pebbleEntryPrefix):]) ^ (1 << 63))
}

// Entry value layout: fixed64(uniqueID) + data.
func encodeEntryValue(e Entry) []byte {
	v := make([]byte, 8+len(e.Data))
	binary.LittleEndian.PutUint64(v, uint64(e.UniqueID))
	copy(v[8:], e.Data)
	return v
}

func decodeEntryValue(key, v []byte) (Entry, error) {
	if len(v) < 8 {
		return Entry{}, fmt.Errorf("command log entry too short: %d bytes", len(v))
	}
	data := make([]byte, len(v)-8)
	copy(data, v[8:])
	return Entry{
		SpHandle: spHandleFromEntryKey(key),
		UniqueID: int64(binary.LittleEndian.Uint64(v)),
		Data:     data,
	}, nil
}

func prefixUpperBound(prefix []byte) []byte {
	b := append([]byte(nil), prefix...)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xFF {
			b[i]++
			return b[:i+1]
		}
	}
	return append(append([]byte(nil), prefix...), bytes.Repeat([]byte{0xFF}, 8)...)
}

// Package runstore keeps a history of program runs in a Pebble database.
package runstore

import (
	"encoding/hex"
	"fmt"
	"time"

	"mplx/pkg/serializer"

	"github.com/cockroachdb/pebble"
	"github.com/google/uuid"
)

// Stats is the part of a VM's counters kept with each run
type Stats struct {
	Steps           uint64
	Interpreted     uint64
	Compiled        uint64
	TrampolineCalls uint64
	Compilations    uint64
	Rejects         uint64
}

// Record is one finished run.
type Record struct {
	ID       uuid.UUID
	Module   [32]byte // bytecode.Hash of the module
	Entry    string
	Args     []int64
	Mode     string
	Result   int64
	Fault    string // empty when the run succeeded
	Stats    Stats
	Started  time.Time
	Duration time.Duration
}

// storedRecord is the encoded form of Record
type storedRecord struct {
	ID       [16]byte
	Module   [32]byte
	Entry    string
	Args     []int64
	Mode     string
	Result   int64
	Fault    string
	Stats    Stats
	Started  int64
	Duration int64
}

// Store is a run history backed by Pebble.
type Store struct {
	db *pebble.DB
}

// Open opens or creates the store at path
func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open run store %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Key format: run/<hex module hash>/<zero padded unix nanos>/<uuid>.
// Runs of one module therefore list in start order.
func modulePrefix(module [32]byte) []byte {
	return []byte("run/" + hex.EncodeToString(module[:]) + "/")
}

func runKey(r *Record) []byte {
	return fmt.Appendf(modulePrefix(r.Module), "%020d/%s", r.Started.UnixNano(), r.ID)
}

func idKey(id uuid.UUID) []byte {
	return []byte("id/" + id.String())
}

// prefixEnd is the first key after every key starting with prefix
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// Put stores r and its id index in one synced batch. A zero ID is replaced
// by a fresh one.
func (s *Store) Put(r *Record) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	key := runKey(r)
	value := serializer.Serialize(&storedRecord{
		ID:       r.ID,
		Module:   r.Module,
		Entry:    r.Entry,
		Args:     r.Args,
		Mode:     r.Mode,
		Result:   r.Result,
		Fault:    r.Fault,
		Stats:    r.Stats,
		Started:  r.Started.UnixNano(),
		Duration: int64(r.Duration),
	})

	batch := s.db.NewBatch()
	defer batch.Close()
	if err := batch.Set(key, value, nil); err != nil {
		return err
	}
	if err := batch.Set(idKey(r.ID), key, nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

func decodeRecord(value []byte) (Record, error) {
	var sr storedRecord
	if err := serializer.Deserialize(value, &sr); err != nil {
		return Record{}, fmt.Errorf("corrupt run record: %w", err)
	}
	return Record{
		ID:       sr.ID,
		Module:   sr.Module,
		Entry:    sr.Entry,
		Args:     sr.Args,
		Mode:     sr.Mode,
		Result:   sr.Result,
		Fault:    sr.Fault,
		Stats:    sr.Stats,
		Started:  time.Unix(0, sr.Started),
		Duration: time.Duration(sr.Duration),
	}, nil
}

// get copies the value at key; found is false when the key is absent
func (s *Store) get(key []byte) (value []byte, found bool, err error) {
	v, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()

	// Make a copy since v is only valid until closer.Close()
	value = make([]byte, len(v))
	copy(value, v)
	return value, true, nil
}

// Get looks a run up by id
func (s *Store) Get(id uuid.UUID) (Record, bool, error) {
	key, found, err := s.get(idKey(id))
	if err != nil || !found {
		return Record{}, false, err
	}
	value, found, err := s.get(key)
	if err != nil {
		return Record{}, false, err
	}
	if !found {
		return Record{}, false, fmt.Errorf("run %s: index points at missing record", id)
	}
	r, err := decodeRecord(value)
	if err != nil {
		return Record{}, false, err
	}
	return r, true, nil
}

// List returns the runs of one module, oldest first
func (s *Store) List(module [32]byte) ([]Record, error) {
	prefix := modulePrefix(module)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []Record
	for iter.First(); iter.Valid(); iter.Next() {
		r, err := decodeRecord(iter.Value())
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", iter.Key(), err)
		}
		out = append(out, r)
	}
	return out, iter.Error()
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

package rkstate

import (
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var leveldbIDPrefix = []byte("id/")

// leveldbIDs stores one key per ID. LevelDB locks its directory, so a
// single process owns the index while it is open.
type leveldbIDs struct {
	db *leveldb.DB
}

func openLevelDBIDs(path string) (*leveldbIDs, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{NoSync: false})
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb: %w", err)
	}
	return &leveldbIDs{db: db}, nil
}

func leveldbIDKey(id string) []byte {
	return append(append([]byte{}, leveldbIDPrefix...), id...)
}

func (s *leveldbIDs) has(id string) (bool, error) {
	return s.db.Has(leveldbIDKey(id), nil)
}

func (s *leveldbIDs) count() (int, error) {
	it := s.db.NewIterator(util.BytesPrefix(leveldbIDPrefix), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n, it.Error()
}

func (s *leveldbIDs) commit(clear bool, ids []string) error {
	batch := new(leveldb.Batch)
	if clear {
		it := s.db.NewIterator(util.BytesPrefix(leveldbIDPrefix), nil)
		for it.Next() {
			batch.Delete(append([]byte{}, it.Key()...))
		}
		it.Release()
		if err := it.Error(); err != nil {
			return err
		}
	}
	for _, id := range ids {
		key := leveldbIDKey(id)
		if !clear {
			ok, err := s.db.Has(key, nil)
			if err != nil {
				return err
			}
			if ok {
				return fmt.Errorf("%w: %s", ErrDuplicateReceipt, id)
			}
		}
		batch.Put(key, nil)
	}
	if err := s.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("failed to write batch: %w", err)
	}
	return nil
}

func (s *leveldbIDs) close() error { return s.db.Close() }

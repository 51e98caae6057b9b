package signer

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Journal remembers the last sequence swapd used per signing authority along
// with the transaction it was spent on. It survives restarts so the sequencer
// never reuses a number the ledger may already have seen.
type Journal interface {
	Last(authority string) (seq uint64, ok bool, err error)
	Record(authority string, seq uint64, txID string) error
	Spent(authority string, from, to uint64) (map[uint64]string, error)
	Close() error
}

// LevelJournal is a Journal backed by goleveldb.
type LevelJournal struct {
	db *leveldb.DB
}

// OpenLevelJournal opens (or creates) the journal database at path.
func OpenLevelJournal(path string) (*LevelJournal, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("signer: open journal: %w", err)
	}
	return &LevelJournal{db: db}, nil
}

// NewMemoryJournal returns a journal that lives only as long as the process.
func NewMemoryJournal() *LevelJournal {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		// memory storage cannot fail to open
		panic(err)
	}
	return &LevelJournal{db: db}
}

func lastKey(authority string) []byte {
	return []byte("last/" + authority)
}

func txKey(authority string, seq uint64) []byte {
	key := make([]byte, 0, len(authority)+12)
	key = append(key, "tx/"...)
	key = append(key, authority...)
	key = append(key, '/')
	return binary.BigEndian.AppendUint64(key, seq)
}

// Last returns the highest recorded sequence for authority.
func (j *LevelJournal) Last(authority string) (uint64, bool, error) {
	raw, err := j.db.Get(lastKey(authority), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("signer: read journal: %w", err)
	}
	if len(raw) != 8 {
		return 0, false, fmt.Errorf("signer: corrupt journal entry for %s", authority)
	}
	return binary.BigEndian.Uint64(raw), true, nil
}

// Record stores seq as spent on txID. The last marker only moves forward.
func (j *LevelJournal) Record(authority string, seq uint64, txID string) error {
	last, ok, err := j.Last(authority)
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Put(txKey(authority, seq), []byte(txID))
	if !ok || seq > last {
		batch.Put(lastKey(authority), binary.BigEndian.AppendUint64(nil, seq))
	}
	if err := j.db.Write(batch, nil); err != nil {
		return fmt.Errorf("signer: write journal: %w", err)
	}
	return nil
}

// Spent returns the transaction IDs recorded for authority with sequences in
// [from, to], keyed by sequence.
func (j *LevelJournal) Spent(authority string, from, to uint64) (map[uint64]string, error) {
	out := make(map[uint64]string)
	iter := j.db.NewIterator(util.BytesPrefix([]byte("tx/"+authority+"/")), nil)
	defer iter.Release()
	prefix := len("tx/" + authority + "/")
	for iter.Next() {
		key := iter.Key()
		if len(key) != prefix+8 {
			continue
		}
		seq := binary.BigEndian.Uint64(key[prefix:])
		if seq < from || seq > to {
			continue
		}
		out[seq] = string(iter.Value())
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("signer: scan journal: %w", err)
	}
	return out, nil
}

// Close releases the database.
func (j *LevelJournal) Close() error {
	return j.db.Close()
}

var _ Journal = (*LevelJournal)(nil)

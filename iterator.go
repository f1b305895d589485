// iterator.go implements the public iteration API: a merge of the
// memtable, immutable memtable, and every SST file in the current
// Version, filtered down to one visible value per user key.
//
// Reference: RocksDB v10.7.5 db/db_iter.cc
package ordkv

import (
	"github.com/kvgrove/ordkv/internal/dbformat"
	internaliter "github.com/kvgrove/ordkv/internal/iterator"
	"github.com/kvgrove/ordkv/internal/memtable"
	"github.com/kvgrove/ordkv/internal/version"
)

// Iterator walks the database's key-value pairs in comparator order.
// An Iterator must be closed with Close when no longer needed.
type Iterator interface {
	Valid() bool
	SeekToFirst()
	SeekToLast()
	Seek(key []byte)
	Next()
	Prev()
	Key() []byte
	Value() []byte
	Error() error
	Close() error
}

// NewIterator returns an Iterator over the database as of opts.Snapshot,
// or as of the most recent write if opts.Snapshot is nil.
func (db *DB) NewIterator(opts *ReadOptions) Iterator {
	if opts == nil {
		opts = DefaultReadOptions()
	}

	db.mu.Lock()
	seq := dbformat.SequenceNumber(db.versions.LastSequence())
	if opts.Snapshot != nil {
		seq = dbformat.SequenceNumber(opts.Snapshot.Sequence())
	}
	mem := db.mem
	mem.Ref()
	imm := db.imm
	if imm != nil {
		imm.Ref()
	}
	cur := db.versions.Current()
	cur.Ref()
	db.mu.Unlock()

	children := []internaliter.Iterator{mem.NewIterator()}
	if imm != nil {
		children = append(children, imm.NewIterator())
	}
	var tableRefs []uint64
	for level := 0; level < version.MaxNumLevels; level++ {
		for _, f := range cur.Files(level) {
			num := f.FD.GetNumber()
			reader, err := db.tableCache.Get(num, tableFilePath(db.name, num))
			if err != nil {
				continue
			}
			tableRefs = append(tableRefs, num)
			children = append(children, reader.NewIterator())
		}
	}

	merged := internaliter.NewMergingIterator(children, db.icmp.Compare)

	return &dbIterator{
		db:        db,
		mem:       mem,
		imm:       imm,
		version:   cur,
		tableRefs: tableRefs,
		merged:    merged,
		seq:       seq,
		cmp:       db.cmp,
	}
}

// dbIterator wraps a MergingIterator over internal keys, exposing only the
// newest visible value (at or before seq) for each distinct user key and
// skipping deletion markers.
type dbIterator struct {
	db        *DB
	mem       *memtable.MemTable
	imm       *memtable.MemTable
	version   *version.Version
	tableRefs []uint64
	merged    *internaliter.MergingIterator
	seq       dbformat.SequenceNumber
	cmp       Comparator

	valid bool
	key   []byte
	value []byte
	err   error
}

func (it *dbIterator) SeekToFirst() {
	it.merged.SeekToFirst()
	it.findNextUserEntry(false)
}

func (it *dbIterator) SeekToLast() {
	it.merged.SeekToLast()
	it.findPrevUserEntry()
}

func (it *dbIterator) Seek(key []byte) {
	target := dbformat.NewInternalKey(key, it.seq, dbformat.ValueTypeForSeek)
	it.merged.Seek(target)
	it.findNextUserEntry(false)
}

func (it *dbIterator) Next() {
	if !it.valid {
		return
	}
	it.merged.Next()
	it.findNextUserEntry(true)
}

func (it *dbIterator) Prev() {
	if !it.valid {
		return
	}
	it.findPrevUserEntry()
}

// findNextUserEntry advances past every internal key for the current user
// key (if skipping) and every version newer than it.seq or hidden behind
// a deletion, landing on the next visible entry.
func (it *dbIterator) findNextUserEntry(skipping bool) {
	var skipKey []byte
	for it.merged.Valid() {
		ikey := it.merged.Key()
		userKey := dbformat.ExtractUserKey(ikey)
		seq := dbformat.ExtractSequenceNumber(ikey)
		typ := dbformat.ExtractValueType(ikey)

		if seq > it.seq {
			it.merged.Next()
			continue
		}
		if skipping && it.cmp.Compare(userKey, skipKey) <= 0 {
			it.merged.Next()
			continue
		}
		skipping = false

		switch typ {
		case dbformat.TypeDeletion, dbformat.TypeSingleDeletion, dbformat.TypeDeletionWithTimestamp:
			skipKey = append(skipKey[:0], userKey...)
			skipping = true
			it.merged.Next()
			continue
		case dbformat.TypeValue, dbformat.TypeValuePreferredSeqno:
			it.valid = true
			it.key = append([]byte(nil), userKey...)
			it.value = append([]byte(nil), it.merged.Value()...)
			return
		default:
			it.merged.Next()
		}
	}
	it.valid = false
	it.err = it.merged.Error()
}

func (it *dbIterator) findPrevUserEntry() {
	// Reverse iteration walks internal keys in descending order, so the
	// versions of a user key come oldest first; the newest entry at or
	// below it.seq (the last one encountered) determines visibility.
	var lastUserKey []byte
	var haveValue bool
	var value []byte
	var deleted bool

	for it.merged.Valid() {
		ikey := it.merged.Key()
		userKey := dbformat.ExtractUserKey(ikey)
		seq := dbformat.ExtractSequenceNumber(ikey)
		typ := dbformat.ExtractValueType(ikey)

		if lastUserKey != nil && it.cmp.Compare(userKey, lastUserKey) != 0 {
			if haveValue && !deleted {
				it.valid = true
				it.key = lastUserKey
				it.value = value
				return
			}
			haveValue = false
			deleted = false
		}
		lastUserKey = append([]byte(nil), userKey...)

		if seq <= it.seq {
			haveValue = true
			switch typ {
			case dbformat.TypeValue, dbformat.TypeValuePreferredSeqno:
				value = append([]byte(nil), it.merged.Value()...)
				deleted = false
			default:
				deleted = true
			}
		}
		it.merged.Prev()
	}

	if haveValue && !deleted {
		it.valid = true
		it.key = lastUserKey
		it.value = value
		return
	}
	it.valid = false
	it.err = it.merged.Error()
}

func (it *dbIterator) Valid() bool    { return it.valid }
func (it *dbIterator) Key() []byte    { return it.key }
func (it *dbIterator) Value() []byte  { return it.value }
func (it *dbIterator) Error() error   { return it.err }

func (it *dbIterator) Close() error {
	it.mem.Unref()
	if it.imm != nil {
		it.imm.Unref()
	}
	for _, num := range it.tableRefs {
		it.db.tableCache.Release(num)
	}
	it.version.Unref()
	return nil
}

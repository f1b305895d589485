// get.go implements the on-disk portion of the point-lookup path: searching
// the current Version's SST files once the memtable and immutable memtable
// have both missed.
package ordkv

import (
	"github.com/kvgrove/ordkv/internal/dbformat"
	"github.com/kvgrove/ordkv/internal/manifest"
	"github.com/kvgrove/ordkv/internal/version"
)

func (db *DB) getFromVersion(v *version.Version, key []byte, seq dbformat.SequenceNumber, opts *ReadOptions) ([]byte, error) {
	for level := 0; level < version.MaxNumLevels; level++ {
		files := candidateFiles(v, level, key, db.cmp)
		for _, f := range files {
			value, found, deleted, err := db.getFromFile(f, key, seq, opts)
			if err != nil {
				return nil, err
			}
			if found {
				if deleted {
					return nil, ErrNotFound
				}
				return value, nil
			}
		}
	}
	return nil, ErrNotFound
}

// candidateFiles returns the files at level that might contain key, ordered
// newest-first (file-number descending) within level 0, where multiple
// files can overlap the same user key.
func candidateFiles(v *version.Version, level int, key []byte, cmp Comparator) []*manifest.FileMetaData {
	all := v.Files(level)
	var candidates []*manifest.FileMetaData
	for _, f := range all {
		smallest := dbformat.ExtractUserKey(f.Smallest)
		largest := dbformat.ExtractUserKey(f.Largest)
		if cmp.Compare(key, smallest) < 0 || cmp.Compare(key, largest) > 0 {
			continue
		}
		candidates = append(candidates, f)
	}
	if level == 0 && len(candidates) > 1 {
		sortFilesByNumberDescending(candidates)
	}
	return candidates
}

func sortFilesByNumberDescending(files []*manifest.FileMetaData) {
	for i := 1; i < len(files); i++ {
		for j := i; j > 0 && files[j].FD.GetNumber() > files[j-1].FD.GetNumber(); j-- {
			files[j], files[j-1] = files[j-1], files[j]
		}
	}
}

// getFromFile looks up key within a single SST file at the given read
// sequence number. found is false if no entry for key (at any sequence) is
// present in this file.
func (db *DB) getFromFile(f *manifest.FileMetaData, key []byte, seq dbformat.SequenceNumber, opts *ReadOptions) (value []byte, found, deleted bool, err error) {
	path := tableFilePath(db.name, f.FD.GetNumber())
	reader, rerr := db.tableCache.Get(f.FD.GetNumber(), path)
	if rerr != nil {
		return nil, false, false, newError(CodeIOError, "open table file", rerr)
	}
	defer db.tableCache.Release(f.FD.GetNumber())

	if reader.HasFilter() && !reader.KeyMayMatch(key) {
		return nil, false, false, nil
	}

	lookupKey := dbformat.NewInternalKey(key, seq, dbformat.ValueTypeForSeek)

	iter := reader.NewIterator()
	iter.Seek(lookupKey)
	if !iter.Valid() {
		if err := iter.Error(); err != nil {
			return nil, false, false, newError(CodeCorruption, "read table block", err)
		}
		return nil, false, false, nil
	}

	entryUserKey := dbformat.ExtractUserKey(iter.Key())
	if db.cmp.Compare(entryUserKey, key) != 0 {
		return nil, false, false, nil
	}

	switch dbformat.ExtractValueType(iter.Key()) {
	case dbformat.TypeValue, dbformat.TypeValuePreferredSeqno:
		return iter.Value(), true, false, nil
	case dbformat.TypeDeletion, dbformat.TypeSingleDeletion, dbformat.TypeDeletionWithTimestamp:
		return nil, true, true, nil
	default:
		return nil, false, false, nil
	}
}

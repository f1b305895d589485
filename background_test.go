package ordkv

import (
	"fmt"
	"testing"

	"github.com/kvgrove/ordkv/internal/dbformat"
	"github.com/kvgrove/ordkv/internal/manifest"
)

func makeTestFileMeta(db *DB, num uint64, smallestUserKey, largestUserKey string, seq dbformat.SequenceNumber) *manifest.FileMetaData {
	meta := manifest.NewFileMetaData()
	meta.FD = manifest.NewFileDescriptor(num, 0, 4096)
	meta.Smallest = dbformat.NewInternalKey([]byte(smallestUserKey), seq, dbformat.TypeValue)
	meta.Largest = dbformat.NewInternalKey([]byte(largestUserKey), seq, dbformat.TypeValue)
	return meta
}

// TestPickLevelForMemTableOutputEmptyDB confirms that the very first flush
// into an otherwise-empty database is pushed past level 0, since nothing
// overlaps it at any level.
func TestPickLevelForMemTableOutputEmptyDB(t *testing.T) {
	db := openTestDB(t)

	meta := makeTestFileMeta(db, 1000, "a", "z", 1)
	level := db.pickLevelForMemTableOutput(meta)
	if level != 2 {
		t.Fatalf("pickLevelForMemTableOutput on empty db = %d; want 2", level)
	}
}

// TestPickLevelForMemTableOutputOverlapsL0 confirms a flush that overlaps an
// existing level-0 file stays at level 0.
func TestPickLevelForMemTableOutputOverlapsL0(t *testing.T) {
	db := openTestDB(t)

	existing := makeTestFileMeta(db, 1001, "m", "p", 1)
	edit := manifest.NewVersionEdit()
	edit.AddFile(0, existing)
	edit.SetLogNumber(db.logNum)
	edit.SetPrevLogNumber(0)
	db.mu.Lock()
	err := db.versions.LogAndApply(edit)
	db.mu.Unlock()
	if err != nil {
		t.Fatalf("LogAndApply: %v", err)
	}

	overlapping := makeTestFileMeta(db, 1002, "n", "o", 2)
	if level := db.pickLevelForMemTableOutput(overlapping); level != 0 {
		t.Fatalf("pickLevelForMemTableOutput overlapping L0 file = %d; want 0", level)
	}

	disjoint := makeTestFileMeta(db, 1003, "x", "y", 2)
	if level := db.pickLevelForMemTableOutput(disjoint); level != 2 {
		t.Fatalf("pickLevelForMemTableOutput disjoint from L0 file = %d; want 2", level)
	}
}

// TestCompactRangeReducesLevel0Files drives enough small writes to produce
// several level-0 files, then forces a manual compaction and checks every
// key is still retrievable and the level-0 file count dropped.
func TestCompactRangeReducesLevel0Files(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.CreateIfMissing = true
	opts.WriteBufferSize = 4 * 1024
	opts.Level0FileNumCompactionTrigger = 1 << 20 // keep automatic compaction from racing the test

	db, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	const n = 300
	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		val := []byte(fmt.Sprintf("val-%05d", i))
		if err := db.Put(nil, key, val); err != nil {
			t.Fatalf("Put(%s): %v", key, err)
		}
	}

	if err := db.CompactRange(nil, nil); err != nil {
		t.Fatalf("CompactRange: %v", err)
	}

	for i := 0; i < n; i++ {
		key := []byte(fmt.Sprintf("key-%05d", i))
		want := fmt.Sprintf("val-%05d", i)
		v, err := db.Get(nil, key)
		if err != nil || string(v) != want {
			t.Fatalf("Get(%s) after CompactRange = %q, %v; want %s, nil", key, v, err, want)
		}
	}

	if prop, ok := db.GetProperty("ordkv.num-files-at-level0"); !ok || prop != "0" {
		t.Fatalf("ordkv.num-files-at-level0 after full CompactRange = %q, %v; want 0", prop, ok)
	}
}

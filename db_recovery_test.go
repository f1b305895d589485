package ordkv

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"testing"

	"github.com/kvgrove/ordkv/internal/vfs"
)

// TestRecoveryReplaysWAL simulates a crash that loses only unsynced writes:
// every Put up to the crash point is synced, so all of it must survive a
// reopen via WAL replay.
func TestRecoveryReplaysWAL(t *testing.T) {
	dir := t.TempDir()
	ffs := vfs.NewFaultInjectionFS(vfs.Default())

	opts := DefaultOptions()
	opts.CreateIfMissing = true
	opts.FS = ffs

	db, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	for i := 0; i < 50; i++ {
		key := []byte(fmt.Sprintf("key-%03d", i))
		val := []byte(fmt.Sprintf("val-%03d", i))
		if err := db.Put(&WriteOptions{Sync: true}, key, val); err != nil {
			t.Fatalf("Put(%s): %v", key, err)
		}
	}

	// Simulate a crash: the process dies before a clean Close, but every
	// write above was synced, so DropUnsyncedData has nothing to undo.
	ffs.SetFilesystemActive(false)
	if err := ffs.DropUnsyncedData(); err != nil {
		t.Fatalf("DropUnsyncedData: %v", err)
	}
	ffs.SetFilesystemActive(true)

	db2, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("reopen after crash: %v", err)
	}
	defer db2.Close()

	for i := 0; i < 50; i++ {
		key := []byte(fmt.Sprintf("key-%03d", i))
		want := fmt.Sprintf("val-%03d", i)
		v, err := db2.Get(nil, key)
		if err != nil || string(v) != want {
			t.Fatalf("Get(%s) after recovery = %q, %v; want %s, nil", key, v, err, want)
		}
	}
}

// TestRecoveryDropsUnsyncedTail writes one synced batch followed by one
// unsynced write, then drops unsynced data to simulate a crash. Only the
// synced batch must survive.
func TestRecoveryDropsUnsyncedTail(t *testing.T) {
	dir := t.TempDir()
	ffs := vfs.NewFaultInjectionFS(vfs.Default())

	opts := DefaultOptions()
	opts.CreateIfMissing = true
	opts.FS = ffs

	db, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := db.Put(&WriteOptions{Sync: true}, []byte("durable"), []byte("yes")); err != nil {
		t.Fatalf("Put(durable): %v", err)
	}

	// Force the file-sync-lie so that the next WAL append is recorded on
	// disk but never marked as synced, matching what DropUnsyncedData
	// truncates away.
	ffs.SetFileSyncLieMode(true, ".log")
	if err := db.Put(&WriteOptions{Sync: true}, []byte("lost"), []byte("no")); err != nil {
		t.Fatalf("Put(lost): %v", err)
	}
	ffs.SetFileSyncLieMode(false, "")

	if err := ffs.DropUnsyncedData(); err != nil {
		t.Fatalf("DropUnsyncedData: %v", err)
	}

	db2, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("reopen after crash: %v", err)
	}
	defer db2.Close()

	v, err := db2.Get(nil, []byte("durable"))
	if err != nil || string(v) != "yes" {
		t.Fatalf("Get(durable) after recovery = %q, %v; want yes, nil", v, err)
	}
	if _, err := db2.Get(nil, []byte("lost")); !IsNotFound(err) {
		t.Fatalf("Get(lost) after recovery = %v; want NotFound (unsynced write should be lost)", err)
	}
}

// TestRecoveryReadsFlushedTables forces memtable flushes by using a tiny
// write buffer, then reopens the database and confirms every key is
// retrievable once the flushed SST files are on disk.
func TestRecoveryReadsFlushedTables(t *testing.T) {
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.CreateIfMissing = true
	opts.WriteBufferSize = 8 * 1024

	db, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	r := rand.New(rand.NewSource(1))
	keys := make([]string, 200)
	vals := make([]string, 200)
	for i := range keys {
		keys[i] = fmt.Sprintf("key-%05d-%d", i, r.Intn(1<<30))
		vals[i] = fmt.Sprintf("val-%05d-%d", i, r.Intn(1<<30))
		if err := db.Put(nil, []byte(keys[i]), []byte(vals[i])); err != nil {
			t.Fatalf("Put(%s): %v", keys[i], err)
		}
	}

	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries, err := filepath.Glob(filepath.Join(dir, "*.ldb"))
	if err != nil {
		t.Fatalf("Glob: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("expected at least one flushed SST file on disk")
	}

	db2, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db2.Close()

	for i := range keys {
		v, err := db2.Get(nil, []byte(keys[i]))
		if err != nil || string(v) != vals[i] {
			t.Fatalf("Get(%s) = %q, %v; want %s, nil", keys[i], v, err, vals[i])
		}
	}
}

// db.go implements DB, the top-level handle returned by Open.
//
// Reference: RocksDB v10.7.5 db/db_impl/db_impl.h, db/db_impl/db_impl_write.cc
package ordkv

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/kvgrove/ordkv/internal/batch"
	"github.com/kvgrove/ordkv/internal/cache"
	"github.com/kvgrove/ordkv/internal/compaction"
	"github.com/kvgrove/ordkv/internal/dbformat"
	"github.com/kvgrove/ordkv/internal/logging"
	"github.com/kvgrove/ordkv/internal/memtable"
	"github.com/kvgrove/ordkv/internal/table"
	"github.com/kvgrove/ordkv/internal/vfs"
	"github.com/kvgrove/ordkv/internal/version"
	"github.com/kvgrove/ordkv/internal/wal"
)

// DB is a handle to an open database. It is safe for concurrent use by
// multiple goroutines.
type DB struct {
	name string
	fs   vfs.FS
	opts *Options
	cmp  Comparator
	icmp *dbformat.InternalKeyComparator
	log  Logger

	fileLock io.Closer

	mu sync.Mutex

	mem    *memtable.MemTable
	imm    *memtable.MemTable
	logNum uint64 // file number of the WAL backing mem
	immLog uint64 // file number of the WAL backing imm, once rotated out

	logFile vfs.WritableFile
	logW    *wal.Writer

	versions   *version.VersionSet
	tableCache *table.TableCache
	blockCache *cache.ShardedLRUCache
	picker     *compaction.LeveledCompactionPicker

	wc *writeController

	writersMu sync.Mutex
	writers   []*dbWriter
	writersC  *sync.Cond

	snapMu   sync.Mutex
	snapHead Snapshot // dummy head of the live-snapshot doubly linked list

	flushCond *sync.Cond // signaled (under mu) whenever imm is cleared

	bg *backgroundState

	closed atomic.Bool
}

// dbWriter is one writer's entry in the group-commit queue.
type dbWriter struct {
	batch *batch.WriteBatch
	sync  bool
	done  chan struct{}
	err   error

	// leaderDone is set, together with err, once the leader that folded this
	// writer's batch into its group has finished applying it; a follower
	// waiting on writersC returns err as soon as it sees leaderDone.
	leaderDone bool
}

// Open opens or creates a database at the given directory according to opts.
//
// If opts is nil, DefaultOptions() is used.
func Open(name string, opts *Options) (*DB, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	fs := opts.FS
	if fs == nil {
		fs = vfs.Default()
	}
	cmp := opts.Comparator
	if cmp == nil {
		cmp = DefaultComparator()
	}
	logger := logging.OrDefault(opts.Logger)

	if !fs.Exists(name) {
		if !opts.CreateIfMissing {
			return nil, newError(CodeInvalidArgument, fmt.Sprintf("database %q does not exist", name), nil)
		}
		if err := fs.MkdirAll(name, 0o755); err != nil {
			return nil, newError(CodeIOError, "create database directory", err)
		}
	} else if opts.ErrorIfExists {
		return nil, newError(CodeInvalidArgument, fmt.Sprintf("database %q already exists", name), nil)
	}

	lock, err := fs.Lock(lockFilePath(name))
	if err != nil {
		return nil, newError(CodeIOError, "acquire LOCK file", err)
	}

	db := &DB{
		name:     name,
		fs:       fs,
		opts:     opts,
		cmp:      cmp,
		icmp:     dbformat.NewInternalKeyComparator(cmp.Compare),
		log:      logger,
		fileLock: lock,
		wc:       newWriteController(),
	}
	db.writersC = sync.NewCond(&db.writersMu)
	db.snapHead.prev = &db.snapHead
	db.snapHead.next = &db.snapHead
	db.flushCond = sync.NewCond(&db.mu)

	db.picker = &compaction.LeveledCompactionPicker{
		NumLevels:             version.MaxNumLevels,
		L0CompactionTrigger:   opts.Level0FileNumCompactionTrigger,
		L0StopWritesTrigger:   opts.Level0StopWritesTrigger,
		MaxBytesForLevelBase:  uint64(opts.MaxBytesForLevelBase),
		MaxBytesForLevelMulti: 10.0,
		TargetFileSizeBase:    uint64(opts.MaxBytesForLevelBase) / 10,
		TargetFileSizeMulti:   1.0,
	}

	vsOpts := version.DefaultVersionSetOptions(name)
	vsOpts.FS = fs
	vsOpts.NumLevels = version.MaxNumLevels
	vsOpts.ComparatorName = cmp.Name()
	db.versions = version.NewVersionSet(vsOpts)

	db.tableCache = table.NewTableCache(fs, table.TableCacheOptions{
		MaxOpenFiles:    opts.MaxOpenFiles,
		VerifyChecksums: opts.ParanoidChecks,
	})
	if opts.BlockCacheCapacity > 0 {
		db.blockCache = cache.NewShardedLRUCache(opts.BlockCacheCapacity, 16)
	}

	if err := db.recover(); err != nil {
		_ = lock.Close()
		return nil, err
	}

	db.bg = newBackgroundState(db)
	db.bg.start()

	return db, nil
}

// Close releases all resources held by the database. Close does
// not implicitly flush the active memtable; call Flush first if durability
// of unflushed writes is required beyond what the WAL already provides.
func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}

	db.wc.releaseWriteStall()
	db.bg.stop()

	db.mu.Lock()
	var firstErr error
	if db.logW != nil {
		if err := db.logFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := db.tableCache.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := db.versions.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	db.mu.Unlock()

	if err := db.fileLock.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Put writes key=value, overwriting any existing value for key.
func (db *DB) Put(opts *WriteOptions, key, value []byte) error {
	wb := NewWriteBatch()
	wb.Put(key, value)
	return db.Write(opts, wb)
}

// Delete removes key from the database. It is not an error if key does not exist.
func (db *DB) Delete(opts *WriteOptions, key []byte) error {
	wb := NewWriteBatch()
	wb.Delete(key)
	return db.Write(opts, wb)
}

// Write atomically applies the operations recorded in wb.
func (db *DB) Write(opts *WriteOptions, wb *WriteBatch) error {
	if opts == nil {
		opts = DefaultWriteOptions()
	}
	if db.closed.Load() {
		return ErrClosed
	}

	w := &dbWriter{batch: wb.internalBatch(), sync: opts.Sync, done: make(chan struct{})}

	db.writersMu.Lock()
	db.writers = append(db.writers, w)
	for len(db.writers) > 0 && db.writers[0] != w && !w.leaderDone {
		db.writersC.Wait()
	}
	if w.leaderDone {
		// A previous leader already folded our batch into its group and
		// applied it; our result is ready.
		db.writersMu.Unlock()
		return w.err
	}
	db.writersMu.Unlock()

	// We are the leader: fold in as many pending followers as fit within the
	// group-commit size budget, then write and apply the combined batch.
	db.mu.Lock()
	if err := db.makeRoomForWrite(opts.DisableWAL); err != nil {
		db.mu.Unlock()
		db.popWriterGroup([]*dbWriter{w}, err)
		return err
	}

	group, combined := db.buildWriteGroup(w)
	seq := db.versions.LastSequence() + 1
	combined.SetSequence(seq)

	var writeErr error
	if !opts.DisableWAL {
		if _, err := db.logW.AddRecord(combined.Data()); err != nil {
			writeErr = newError(CodeIOError, "append WAL record", err)
		} else if opts.Sync {
			if err := db.logFile.Sync(); err != nil {
				writeErr = newError(CodeIOError, "sync WAL", err)
			}
		}
	}

	if writeErr == nil {
		writeErr = applyBatch(combined, db.mem)
		db.versions.SetLastSequence(seq + uint64(combined.Count()) - 1)
	}
	db.mu.Unlock()

	db.popWriterGroup(group, writeErr)
	return writeErr
}

// buildWriteGroup dequeues leader (at the head of db.writers) together with
// as many immediately following followers as fit in roughly one megabyte
// (or 128KiB if the leader's own batch is small, so a large writer doesn't
// make small, latency-sensitive writers wait behind it indefinitely), and
// returns the folded batch. The caller still holds db.mu.
func (db *DB) buildWriteGroup(leader *dbWriter) ([]*dbWriter, *batch.WriteBatch) {
	const maxGroupBytes = 1 << 20
	const smallLeaderGroupBytes = 128 << 10

	db.writersMu.Lock()
	defer db.writersMu.Unlock()

	limit := maxGroupBytes
	if leader.batch.Size() <= smallLeaderGroupBytes {
		limit = smallLeaderGroupBytes
	}

	group := []*dbWriter{leader}
	combined := leader.batch
	size := leader.batch.Size()

	for i := 1; i < len(db.writers); i++ {
		next := db.writers[i]
		if next.sync != leader.sync {
			break
		}
		if size+next.batch.Size() > limit {
			break
		}
		if combined == leader.batch {
			combined = leader.batch.Clone()
		}
		combined.Append(next.batch)
		size += next.batch.Size()
		group = append(group, next)
	}

	return group, combined
}

// popWriterGroup records the result on every writer in group, removes them
// from the queue, and wakes the next leader.
func (db *DB) popWriterGroup(group []*dbWriter, err error) {
	db.writersMu.Lock()
	for _, w := range group {
		w.err = err
		w.leaderDone = true
		close(w.done)
	}
	db.writers = db.writers[len(group):]
	db.writersC.Broadcast()
	db.writersMu.Unlock()
}

// Flush forces the active memtable to be written out to an SST file,
// regardless of its current size. If opts.Wait is true (the default),
// Flush blocks until the resulting table has been installed into the
// current version.
func (db *DB) Flush(opts *FlushOptions) error {
	if opts == nil {
		opts = DefaultFlushOptions()
	}
	if db.closed.Load() {
		return ErrClosed
	}

	db.mu.Lock()
	if db.mem.Empty() && db.imm == nil {
		db.mu.Unlock()
		return nil
	}
	if db.imm == nil {
		if err := db.rotateMemTableLocked(); err != nil {
			db.mu.Unlock()
			return err
		}
	}
	if !opts.Wait {
		db.mu.Unlock()
		return nil
	}
	for db.imm != nil {
		db.flushCond.Wait()
	}
	db.mu.Unlock()
	return nil
}

// applyBatch replays every record in wb into mem in order, assigning
// sequence numbers starting from wb's stamped sequence number.
func applyBatch(wb *batch.WriteBatch, mem *memtable.MemTable) error {
	return wb.Iterate(&memtableHandler{mem: mem, seq: dbformat.SequenceNumber(wb.Sequence())})
}

// memtableHandler adapts batch.Handler to MemTable.Add, assigning each
// successive record the next sequence number after seq.
type memtableHandler struct {
	mem *memtable.MemTable
	seq dbformat.SequenceNumber
}

func (h *memtableHandler) Put(key, value []byte) error {
	h.mem.Add(h.seq, dbformat.TypeValue, key, value)
	h.seq++
	return nil
}

func (h *memtableHandler) Delete(key []byte) error {
	h.mem.Add(h.seq, dbformat.TypeDeletion, key, nil)
	h.seq++
	return nil
}

func (h *memtableHandler) SingleDelete(key []byte) error {
	h.mem.Add(h.seq, dbformat.TypeSingleDeletion, key, nil)
	h.seq++
	return nil
}

func (h *memtableHandler) Merge(key, value []byte) error {
	h.mem.Add(h.seq, dbformat.TypeMerge, key, value)
	h.seq++
	return nil
}

func (h *memtableHandler) DeleteRange(startKey, endKey []byte) error {
	h.mem.AddRangeTombstone(h.seq, startKey, endKey)
	h.seq++
	return nil
}

func (h *memtableHandler) LogData(blob []byte) {}

func (h *memtableHandler) PutCF(cfID uint32, key, value []byte) error {
	return h.Put(key, value)
}

func (h *memtableHandler) DeleteCF(cfID uint32, key []byte) error {
	return h.Delete(key)
}

func (h *memtableHandler) SingleDeleteCF(cfID uint32, key []byte) error {
	return h.SingleDelete(key)
}

func (h *memtableHandler) MergeCF(cfID uint32, key, value []byte) error {
	return h.Merge(key, value)
}

func (h *memtableHandler) DeleteRangeCF(cfID uint32, startKey, endKey []byte) error {
	return h.DeleteRange(startKey, endKey)
}

// Get returns the value associated with key, or ErrNotFound if it does not
// exist (possibly because it was deleted, or never written at or before the
// read's snapshot).
func (db *DB) Get(opts *ReadOptions, key []byte) ([]byte, error) {
	if opts == nil {
		opts = DefaultReadOptions()
	}
	if db.closed.Load() {
		return nil, ErrClosed
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

	defer func() {
		mem.Unref()
		if imm != nil {
			imm.Unref()
		}
		cur.Unref()
	}()

	if v, found, deleted := mem.Get(key, seq); found {
		if deleted {
			return nil, ErrNotFound
		}
		return v, nil
	}
	if imm != nil {
		if v, found, deleted := imm.Get(key, seq); found {
			if deleted {
				return nil, ErrNotFound
			}
			return v, nil
		}
	}

	return db.getFromVersion(cur, key, seq, opts)
}

// GetSnapshot returns a handle to the current state of the database. The
// snapshot remains valid, and its view consistent, until Release is called.
func (db *DB) GetSnapshot() *Snapshot {
	db.mu.Lock()
	seq := db.versions.LastSequence()
	db.mu.Unlock()

	s := newSnapshot(db, seq)

	db.snapMu.Lock()
	s.next = &db.snapHead
	s.prev = db.snapHead.prev
	s.prev.next = s
	s.next.prev = s
	db.snapMu.Unlock()

	return s
}

// ReleaseSnapshot is equivalent to calling s.Release().
func (db *DB) ReleaseSnapshot(s *Snapshot) {
	s.Release()
}

func (db *DB) releaseSnapshot(s *Snapshot) {
	db.snapMu.Lock()
	s.prev.next = s.next
	s.next.prev = s.prev
	db.snapMu.Unlock()
}

// oldestSnapshotSequence returns the sequence number of the oldest live
// snapshot, or MaxSequenceNumber if there are none. Compaction may drop
// overwritten versions of a key only if they are not needed by any
// snapshot at or after this sequence number.
func (db *DB) oldestSnapshotSequence() dbformat.SequenceNumber {
	db.snapMu.Lock()
	defer db.snapMu.Unlock()
	if db.snapHead.next == &db.snapHead {
		return dbformat.MaxSequenceNumber
	}
	return dbformat.SequenceNumber(db.snapHead.next.sequence)
}

// Range describes a half-open user-key interval [Start, Limit).
type Range struct {
	Start []byte
	Limit []byte
}

// GetApproximateSizes estimates, for each range, the number of bytes of
// file storage used by keys in that range.
func (db *DB) GetApproximateSizes(ranges []Range) ([]uint64, error) {
	db.mu.Lock()
	cur := db.versions.Current()
	cur.Ref()
	db.mu.Unlock()
	defer cur.Unref()

	sizes := make([]uint64, len(ranges))
	for i, r := range ranges {
		var total uint64
		for level := 0; level < version.MaxNumLevels; level++ {
			for _, f := range cur.OverlappingInputs(level, r.Start, r.Limit) {
				total += f.FD.FileSize
			}
		}
		sizes[i] = total
	}
	return sizes, nil
}

// GetProperty returns the value of an internal database property, such as
// "ordkv.num-files-at-level0" or "ordkv.stats". ok is false if name is not
// a recognized property.
func (db *DB) GetProperty(name string) (value string, ok bool) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if level, ok := parseLevelProperty(name); ok {
		return fmt.Sprintf("%d", db.versions.Current().NumFiles(level)), true
	}

	switch name {
	case "ordkv.stats":
		stopped, delayed := db.wc.getStats()
		return fmt.Sprintf("stalls: stopped=%d delayed=%d", stopped, delayed), true
	default:
		return "", false
	}
}

// parseLevelProperty recognizes "ordkv.num-files-at-levelN" for any level N
// within range, returning the parsed level.
func parseLevelProperty(name string) (level int, ok bool) {
	const prefix = "ordkv.num-files-at-level"
	if !strings.HasPrefix(name, prefix) {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimPrefix(name, prefix))
	if err != nil || n < 0 || n >= version.MaxNumLevels {
		return 0, false
	}
	return n, true
}

// CompactRange forces compaction of the key range [begin, end]. A nil begin
// or end means "unbounded" on that side.
func (db *DB) CompactRange(begin, end []byte) error {
	return db.bg.manualCompact(begin, end)
}

// background.go implements memtable flush and compaction scheduling. A
// single background goroutine performs both jobs, matching the
// one-worker concurrency model used throughout the write path.
//
// Reference: RocksDB v10.7.5 db/db_impl/db_impl_compaction_flush.cc
package ordkv

import (
	"sync"

	"github.com/kvgrove/ordkv/internal/compaction"
	"github.com/kvgrove/ordkv/internal/dbformat"
	"github.com/kvgrove/ordkv/internal/manifest"
	"github.com/kvgrove/ordkv/internal/memtable"
	"github.com/kvgrove/ordkv/internal/table"
	"github.com/kvgrove/ordkv/internal/testutil"
	"github.com/kvgrove/ordkv/internal/version"
	"github.com/kvgrove/ordkv/internal/wal"
)

// backgroundState coordinates the single background worker goroutine that
// performs memtable flushes and compactions on db's behalf.
type backgroundState struct {
	db *DB

	mu      sync.Mutex
	work    *sync.Cond
	pending bool // a flush or compaction may be runnable
	manual  *manualCompactionRequest

	stopped bool
	done    chan struct{}
}

type manualCompactionRequest struct {
	begin, end []byte
	err        error
	done       chan struct{}
}

func newBackgroundState(db *DB) *backgroundState {
	bg := &backgroundState{db: db, done: make(chan struct{})}
	bg.work = sync.NewCond(&bg.mu)
	return bg
}

func (bg *backgroundState) start() {
	go bg.loop()
}

// stop signals the worker to exit and waits for it to do so. Safe to call
// once, from Close.
func (bg *backgroundState) stop() {
	bg.mu.Lock()
	bg.stopped = true
	bg.work.Broadcast()
	bg.mu.Unlock()
	<-bg.done
}

// schedule wakes the worker so it reconsiders whether there is a flush or
// compaction to run.
func (bg *backgroundState) schedule() {
	bg.mu.Lock()
	bg.pending = true
	bg.work.Broadcast()
	bg.mu.Unlock()
}

func (bg *backgroundState) loop() {
	defer close(bg.done)
	for {
		bg.mu.Lock()
		for !bg.pending && bg.manual == nil && !bg.stopped {
			bg.work.Wait()
		}
		if bg.stopped {
			bg.mu.Unlock()
			return
		}
		manual := bg.manual
		bg.manual = nil
		bg.pending = false
		bg.mu.Unlock()

		if manual != nil {
			manual.err = bg.db.backgroundCompactRange(manual.begin, manual.end)
			close(manual.done)
			continue
		}

		didWork, err := bg.db.backgroundWork()
		if err != nil {
			bg.db.log.Errorf("background work failed: %v", err)
			continue
		}
		if didWork {
			// More work may have become available (e.g. a flush that
			// pushed L0 over its compaction trigger); loop immediately.
			bg.schedule()
		}
	}
}

// manualCompact runs CompactRange synchronously on the background worker
// and waits for it to finish.
func (bg *backgroundState) manualCompact(begin, end []byte) error {
	req := &manualCompactionRequest{begin: begin, end: end, done: make(chan struct{})}
	bg.mu.Lock()
	bg.manual = req
	bg.work.Broadcast()
	bg.mu.Unlock()
	<-req.done
	return req.err
}

// backgroundWork performs at most one flush or one compaction step, in
// that priority order, and reports whether it did anything.
func (db *DB) backgroundWork() (bool, error) {
	db.mu.Lock()
	imm := db.imm
	db.mu.Unlock()

	if imm != nil {
		if err := db.compactMemTable(); err != nil {
			return false, err
		}
		return true, nil
	}

	db.mu.Lock()
	cur := db.versions.Current()
	cur.Ref()
	db.mu.Unlock()
	defer cur.Unref()

	if !db.picker.NeedsCompaction(cur) {
		return false, nil
	}
	c := db.picker.PickCompaction(cur)
	if c == nil {
		return false, nil
	}
	if err := db.runCompaction(c); err != nil {
		return false, err
	}
	return true, nil
}

// backgroundCompactRange flushes any pending immutable memtable and then,
// level by level from 0 upward, repeatedly merges the files overlapping
// [begin, end] into the next level until pickManualCompactionAtLevel finds
// nothing left to do at that level.
func (db *DB) backgroundCompactRange(begin, end []byte) error {
	for {
		db.mu.Lock()
		imm := db.imm
		db.mu.Unlock()
		if imm == nil {
			break
		}
		if err := db.compactMemTable(); err != nil {
			return err
		}
	}

	for level := 0; level < version.MaxNumLevels-1; level++ {
		for {
			db.mu.Lock()
			cur := db.versions.Current()
			cur.Ref()
			db.mu.Unlock()

			c := pickManualCompactionAtLevel(cur, level, begin, end)
			cur.Unref()
			if c == nil {
				break
			}
			if err := db.runCompaction(c); err != nil {
				return err
			}
		}
	}
	return nil
}

// pickManualCompactionAtLevel builds a Compaction covering every file at
// level that overlaps [begin, end], merging them into level+1. It returns
// nil if level has no such file, or if level is 0 and has only one; at
// levels >= 1 a single overlapping file is still merged down.
func pickManualCompactionAtLevel(v *version.Version, level int, begin, end []byte) *compaction.Compaction {
	inputs := v.OverlappingInputs(level, begin, end)
	if len(inputs) == 0 || (level == 0 && len(inputs) <= 1) {
		return nil
	}
	outputs := v.OverlappingInputs(level+1, begin, end)

	infiles := []*compaction.CompactionInputFiles{{Level: level, Files: inputs}}
	if len(outputs) > 0 {
		infiles = append(infiles, &compaction.CompactionInputFiles{Level: level + 1, Files: outputs})
	}
	c := compaction.NewCompaction(infiles, level+1)
	c.Reason = compaction.CompactionReasonManualCompaction
	return c
}

// compactMemTable flushes db.imm to an L0 (or deeper, if safe) SST file
// and installs the result as a new Version.
func (db *DB) compactMemTable() error {
	db.mu.Lock()
	imm := db.imm
	db.mu.Unlock()
	if imm == nil {
		return nil
	}

	meta, err := db.flushMemTable(imm)
	if err != nil {
		return err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	edit := manifest.NewVersionEdit()
	if meta != nil {
		level := db.pickLevelForMemTableOutput(meta)
		edit.AddFile(level, meta)
	}
	edit.SetLogNumber(db.logNum)
	edit.SetPrevLogNumber(0)

	testutil.MaybeKill(testutil.KPFlushUpdateManifest0)
	if err := db.versions.LogAndApply(edit); err != nil {
		return newError(CodeIOError, "install flushed memtable", err)
	}
	testutil.MaybeKill(testutil.KPFlushUpdateManifest1)
	_ = testutil.SP(testutil.SPFlushApplyVersionEdit)

	imm.Unref()
	db.imm = nil
	db.wc.releaseWriteStall()
	db.flushCond.Broadcast()
	return nil
}

// flushMemTable writes every entry in mem to a new SST file and returns
// its metadata, or (nil, nil) if mem has no entries.
func (db *DB) flushMemTable(mem *memtable.MemTable) (*manifest.FileMetaData, error) {
	if mem.Empty() {
		return nil, nil
	}

	_ = testutil.SP(testutil.SPFlushStart)
	testutil.MaybeKill(testutil.KPFlushStart0)

	num := db.versions.NextFileNumber()
	path := tableFilePath(db.name, num)

	_ = testutil.SP(testutil.SPFlushWriteSST)
	testutil.MaybeKill(testutil.KPFlushWriteSST0)

	f, err := db.fs.Create(path)
	if err != nil {
		return nil, newError(CodeIOError, "create SST file", err)
	}

	bopts := table.DefaultBuilderOptions()
	bopts.BlockSize = db.opts.BlockSize
	bopts.BlockRestartInterval = db.opts.BlockRestartInterval
	bopts.FormatVersion = db.opts.FormatVersion
	bopts.ChecksumType = db.opts.ChecksumType
	bopts.ComparatorName = db.cmp.Name()
	bopts.FilterBitsPerKey = db.opts.BloomFilterBitsPerKey
	bopts.Compression = db.opts.Compression

	tb := table.NewTableBuilder(f, bopts)

	var smallest, largest []byte
	iter := mem.NewIterator()
	for iter.SeekToFirst(); iter.Valid(); iter.Next() {
		key := append([]byte(nil), iter.Key()...)
		if smallest == nil {
			smallest = key
		}
		largest = key
		if err := tb.Add(key, iter.Value()); err != nil {
			tb.Abandon()
			_ = f.Close()
			return nil, newError(CodeIOError, "write SST entry", err)
		}
	}
	if mem.HasRangeTombstones() {
		if err := tb.AddFragmentedRangeTombstones(mem.GetFragmentedRangeTombstones()); err != nil {
			tb.Abandon()
			_ = f.Close()
			return nil, newError(CodeIOError, "write range tombstones", err)
		}
	}

	if err := tb.Finish(); err != nil {
		_ = f.Close()
		return nil, newError(CodeIOError, "finish SST file", err)
	}

	_ = testutil.SP(testutil.SPFlushSyncSST)
	testutil.MaybeKill(testutil.KPFileSync0)

	if err := f.Sync(); err != nil {
		_ = f.Close()
		return nil, newError(CodeIOError, "sync SST file", err)
	}

	testutil.MaybeKill(testutil.KPFileSync1)

	if err := f.Close(); err != nil {
		return nil, newError(CodeIOError, "close SST file", err)
	}
	if err := db.fs.SyncDir(db.name); err != nil {
		return nil, newError(CodeIOError, "sync database directory", err)
	}

	if smallest == nil {
		return nil, nil
	}

	meta := manifest.NewFileMetaData()
	meta.FD = manifest.NewFileDescriptor(num, 0, tb.FileSize())
	meta.Smallest = smallest
	meta.Largest = largest

	_ = testutil.SP(testutil.SPFlushComplete)
	return meta, nil
}

// pickLevelForMemTableOutput chooses where a freshly flushed memtable's
// SST should land. Level 0 is always safe; the file is pushed down to a
// deeper level (up to 2) only when doing so would not overlap any
// existing file there nor risk an outsized future compaction against the
// level below, so recently written data skips levels with nothing to
// contend with.
func (db *DB) pickLevelForMemTableOutput(meta *manifest.FileMetaData) int {
	const maxLevel = 2
	const maxGrandparentOverlapBytes = 10 * (1 << 20)

	cur := db.versions.Current()
	begin := dbformat.ExtractUserKey(meta.Smallest)
	end := dbformat.ExtractUserKey(meta.Largest)

	if len(cur.OverlappingInputs(0, begin, end)) > 0 {
		return 0
	}

	level := 0
	for level < maxLevel {
		if len(cur.OverlappingInputs(level+1, begin, end)) > 0 {
			break
		}
		var grandparentBytes uint64
		for _, f := range cur.OverlappingInputs(level+2, begin, end) {
			grandparentBytes += f.FD.FileSize
		}
		if grandparentBytes > maxGrandparentOverlapBytes {
			break
		}
		level++
	}
	return level
}

// runCompaction executes c and installs the resulting VersionEdit.
func (db *DB) runCompaction(c *compaction.Compaction) error {
	if c.IsTrivialMove {
		edit := manifest.NewVersionEdit()
		f := c.Inputs[0].Files[0]
		edit.DeleteFile(c.Inputs[0].Level, f.FD.GetNumber())
		edit.AddFile(c.OutputLevel, f)
		db.mu.Lock()
		err := db.versions.LogAndApply(edit)
		db.mu.Unlock()
		if err != nil {
			return newError(CodeIOError, "install trivial move", err)
		}
		return nil
	}

	db.mu.Lock()
	oldest := db.oldestSnapshotSequence()
	db.mu.Unlock()

	job := compaction.NewCompactionJobWithSnapshot(c, db.name, db.fs, db.tableCache, db.versions.NextFileNumber, oldest)
	outputs, err := job.Run()
	if err != nil {
		return newError(CodeIOError, "run compaction", err)
	}

	edit := manifest.NewVersionEdit()
	for _, in := range c.Inputs {
		for _, f := range in.Files {
			edit.DeleteFile(in.Level, f.FD.GetNumber())
		}
	}
	for _, f := range outputs {
		edit.AddFile(c.OutputLevel, f)
	}

	db.mu.Lock()
	err = db.versions.LogAndApply(edit)
	db.mu.Unlock()
	if err != nil {
		return newError(CodeIOError, "install compaction result", err)
	}

	for _, in := range c.Inputs {
		for _, f := range in.Files {
			db.tableCache.Evict(f.FD.GetNumber())
		}
	}
	return nil
}

// makeRoomForWrite ensures there is space in db.mem for an incoming write,
// rotating the active memtable to immutable and scheduling a flush if it
// is full, and applying write-stall backpressure when compaction is
// falling behind. Called with db.mu held; it releases and reacquires
// db.mu while blocked on the write controller or creating a new WAL file.
func (db *DB) makeRoomForWrite(disableWAL bool) error {
	for {
		cur := db.versions.Current()
		numUnflushed := 1
		if db.imm != nil {
			numUnflushed = 2
		}
		condition, cause := recalculateWriteStallCondition(
			numUnflushed,
			cur.NumFiles(0),
			db.opts.MaxWriteBufferNumber,
			db.opts.Level0SlowdownWritesTrigger,
			db.opts.Level0StopWritesTrigger,
			db.opts.DisableAutoCompactions,
		)
		db.wc.setStallCondition(condition, cause)

		if condition == WriteStallConditionStopped && db.imm != nil {
			// A flush is already in flight; wait for it rather than
			// rotating again.
			db.mu.Unlock()
			db.wc.maybeStallWrite(0)
			db.mu.Lock()
			continue
		}

		if db.mem.ApproximateMemoryUsage() < int64(db.opts.WriteBufferSize) {
			if condition == WriteStallConditionDelayed {
				db.mu.Unlock()
				db.wc.maybeStallWrite(1)
				db.mu.Lock()
			}
			return nil
		}

		if db.imm != nil {
			db.mu.Unlock()
			db.wc.maybeStallWrite(0)
			db.mu.Lock()
			continue
		}

		return db.rotateMemTableLocked()
	}
}

// rotateMemTableLocked rolls the active memtable into db.imm behind a fresh
// WAL file and schedules a background flush. db.mu must be held on entry
// and on return; it is released and reacquired around WAL file creation.
func (db *DB) rotateMemTableLocked() error {
	newLogNum := db.versions.NextFileNumber()
	db.mu.Unlock()
	newLogFile, err := db.fs.Create(logFilePath(db.name, newLogNum))
	db.mu.Lock()
	if err != nil {
		return newError(CodeIOError, "create WAL file", err)
	}

	oldLogFile := db.logFile
	_ = oldLogFile.Sync()
	_ = oldLogFile.Close()

	db.logFile = newLogFile
	db.logW = wal.NewWriter(newLogFile, newLogNum, true)
	db.logNum = newLogNum

	db.imm = db.mem
	db.mem = memtable.NewMemTable(db.cmp.Compare)

	db.bg.schedule()
	return nil
}

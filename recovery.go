// recovery.go implements WAL replay on Open.
//
// Reference: RocksDB v10.7.5 db/db_impl/db_impl_open.cc (RecoverLogFiles)
package ordkv

import (
	"errors"
	"io"
	"sort"

	"github.com/kvgrove/ordkv/internal/batch"
	"github.com/kvgrove/ordkv/internal/dbformat"
	"github.com/kvgrove/ordkv/internal/manifest"
	"github.com/kvgrove/ordkv/internal/memtable"
	"github.com/kvgrove/ordkv/internal/version"
	"github.com/kvgrove/ordkv/internal/wal"
)

// logReporter forwards WAL corruption reports to the database logger. In
// ParanoidChecks mode, corruption aborts recovery instead of being skipped.
type logReporter struct {
	log    Logger
	strict bool
	err    error
}

func (r *logReporter) Corruption(bytes int, err error) {
	r.log.Warnf("%swal corruption, dropping %d bytes: %v", logNSWAL, bytes, err)
	if r.strict && r.err == nil {
		r.err = err
	}
}

func (r *logReporter) OldLogRecord(bytes int) {}

const logNSWAL = "[wal] "

// recover brings the database up to date: it loads (or creates) the
// MANIFEST, replays WAL files written since the last recorded log number
// into a fresh memtable, and opens a new WAL for subsequent writes.
func (db *DB) recover() error {
	if err := db.versions.Recover(); err != nil {
		if errors.Is(err, version.ErrNoCurrentManifest) {
			if err := db.versions.Create(); err != nil {
				return newError(CodeIOError, "create initial manifest", err)
			}
		} else {
			return newError(CodeCorruption, "recover manifest", err)
		}
	}

	logNumbers, err := db.findLogFiles(db.versions.LogNumber())
	if err != nil {
		return newError(CodeIOError, "scan for WAL files", err)
	}

	mem := memtable.NewMemTable(db.cmp.Compare)
	var maxSeq dbformat.SequenceNumber
	var editsToApply []*manifest.FileMetaData

	for _, num := range logNumbers {
		seq, flushed, err := db.replayLogFile(num, mem)
		if err != nil {
			return err
		}
		if seq > maxSeq {
			maxSeq = seq
		}
		editsToApply = append(editsToApply, flushed...)
		// A memtable built from a recovered WAL may be large; flush it to an
		// SST before moving to the next log file so recovery memory stays
		// bounded, mirroring the steady-state flush path.
		if mem.ApproximateMemoryUsage() >= int64(db.opts.WriteBufferSize) {
			meta, err := db.flushMemTable(mem)
			if err != nil {
				return err
			}
			if meta != nil {
				editsToApply = append(editsToApply, meta)
			}
			mem = memtable.NewMemTable(db.cmp.Compare)
		}
	}

	if maxSeq > dbformat.SequenceNumber(db.versions.LastSequence()) {
		db.versions.SetLastSequence(uint64(maxSeq))
	}
	db.mem = mem

	if len(editsToApply) > 0 {
		edit := manifest.NewVersionEdit()
		for _, meta := range editsToApply {
			edit.AddFile(0, meta)
		}
		if err := db.versions.LogAndApply(edit); err != nil {
			return newError(CodeIOError, "record recovered SST files", err)
		}
	}

	newLogNum := db.versions.NextFileNumber()
	logFile, err := db.fs.Create(logFilePath(db.name, newLogNum))
	if err != nil {
		return newError(CodeIOError, "create WAL file", err)
	}
	db.logFile = logFile
	db.logW = wal.NewWriter(logFile, newLogNum, true)
	db.logNum = newLogNum

	edit := manifest.NewVersionEdit()
	edit.SetLogNumber(newLogNum)
	edit.SetPrevLogNumber(0)
	if err := db.versions.LogAndApply(edit); err != nil {
		return newError(CodeIOError, "record new WAL file number", err)
	}

	return nil
}

// findLogFiles returns, in ascending order, the file numbers of every
// *.log file in the database directory with number >= minLogNumber.
func (db *DB) findLogFiles(minLogNumber uint64) ([]uint64, error) {
	names, err := db.fs.ListDir(db.name)
	if err != nil {
		return nil, err
	}
	var nums []uint64
	for _, name := range names {
		t, n := parseFileName(name)
		if t == fileTypeLog && n >= minLogNumber {
			nums = append(nums, n)
		}
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })
	return nums, nil
}

// replayLogFile applies every write batch recorded in the given WAL file to
// mem. It returns the highest sequence number observed and (if the
// memtable was flushed mid-replay by the caller's caller, not here) no
// files -- flushing for a single file's worth of data is handled by the
// caller between files, so this always returns a nil file list.
func (db *DB) replayLogFile(logNumber uint64, mem *memtable.MemTable) (dbformat.SequenceNumber, []*manifest.FileMetaData, error) {
	path := logFilePath(db.name, logNumber)
	f, err := db.fs.Open(path)
	if err != nil {
		return 0, nil, newError(CodeIOError, "open WAL file for replay", err)
	}
	defer func() { _ = f.Close() }()

	reporter := &logReporter{log: db.log, strict: db.opts.ParanoidChecks}
	reader := wal.NewReader(f, reporter, true, logNumber)

	var maxSeq dbformat.SequenceNumber
	for {
		record, err := reader.ReadRecord()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if db.opts.ParanoidChecks {
				return 0, nil, newError(CodeCorruption, "read WAL record", err)
			}
			break
		}

		wb, err := batch.NewFromData(record)
		if err != nil {
			if db.opts.ParanoidChecks {
				return 0, nil, newError(CodeCorruption, "decode WAL record", err)
			}
			continue
		}

		seq := dbformat.SequenceNumber(wb.Sequence())
		if err := wb.Iterate(&memtableHandler{mem: mem, seq: seq}); err != nil {
			if db.opts.ParanoidChecks {
				return 0, nil, newError(CodeCorruption, "replay WAL record", err)
			}
			continue
		}
		last := seq + dbformat.SequenceNumber(wb.Count()) - 1
		if last > maxSeq {
			maxSeq = last
		}
	}
	if reporter.err != nil {
		return 0, nil, newError(CodeCorruption, "WAL corruption", reporter.err)
	}

	return maxSeq, nil, nil
}

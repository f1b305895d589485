package ordkv

// filenames.go implements the on-disk file naming conventions.
//
// Reference: RocksDB v10.7.5 file/filename.h, file/filename.cc

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	currentFileName = "CURRENT"
	lockFileName    = "LOCK"
	logFileName     = "LOG"
	oldLogFileName  = "LOG.old"
)

// fileType identifies the kind of file a given name refers to.
type fileType int

const (
	fileTypeUnknown fileType = iota
	fileTypeLog              // <number>.log
	fileTypeTable             // <number>.ldb or <number>.sst
	fileTypeManifest          // MANIFEST-<number>
	fileTypeCurrent
	fileTypeLock
	fileTypeInfoLog
)

func logFilePath(dbname string, number uint64) string {
	return fmt.Sprintf("%s/%06d.log", dbname, number)
}

func tableFilePath(dbname string, number uint64) string {
	return fmt.Sprintf("%s/%06d.ldb", dbname, number)
}

func manifestFilePath(dbname string, number uint64) string {
	return fmt.Sprintf("%s/MANIFEST-%06d", dbname, number)
}

func currentFilePath(dbname string) string {
	return dbname + "/" + currentFileName
}

func lockFilePath(dbname string) string {
	return dbname + "/" + lockFileName
}

func infoLogFilePath(dbname string) string {
	return dbname + "/" + logFileName
}

func oldInfoLogFilePath(dbname string) string {
	return dbname + "/" + oldLogFileName
}

// parseFileName classifies a bare file name (no directory component) and
// extracts its embedded file number, if any.
func parseFileName(name string) (t fileType, number uint64) {
	switch name {
	case currentFileName:
		return fileTypeCurrent, 0
	case lockFileName:
		return fileTypeLock, 0
	case logFileName, oldLogFileName:
		return fileTypeInfoLog, 0
	}

	if strings.HasPrefix(name, "MANIFEST-") {
		n, err := strconv.ParseUint(strings.TrimPrefix(name, "MANIFEST-"), 10, 64)
		if err != nil {
			return fileTypeUnknown, 0
		}
		return fileTypeManifest, n
	}

	if strings.HasSuffix(name, ".log") {
		n, err := strconv.ParseUint(strings.TrimSuffix(name, ".log"), 10, 64)
		if err != nil {
			return fileTypeUnknown, 0
		}
		return fileTypeLog, n
	}

	if strings.HasSuffix(name, ".ldb") || strings.HasSuffix(name, ".sst") {
		base := strings.TrimSuffix(strings.TrimSuffix(name, ".ldb"), ".sst")
		n, err := strconv.ParseUint(base, 10, 64)
		if err != nil {
			return fileTypeUnknown, 0
		}
		return fileTypeTable, n
	}

	return fileTypeUnknown, 0
}

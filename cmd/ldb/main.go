// Command ldb inspects and manipulates ordkv databases from the shell.
//
// Usage:
//
//	ldb --db=<path> <command> [options]
//
// Commands:
//
//	scan            Scan key-value pairs in [--from, --to)
//	get <key>       Get the value for a key
//	put <key> <val> Put a key-value pair (requires --readonly=false)
//	delete <key>    Delete a key (requires --readonly=false)
//	dump            Dump the entire database contents
//	info            Print per-level file counts and write-stall stats
//	manifest_dump   Dump the current MANIFEST file's version edits
//	flush           Force the active memtable to an SST file
//	compact         Force compaction of [--from, --to]
//
// Reference: RocksDB v10.7.5 tools/ldb_tool.cc
package main

import (
	"bytes"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/kvgrove/ordkv"
	"github.com/kvgrove/ordkv/internal/manifest"
	"github.com/kvgrove/ordkv/internal/vfs"
	"github.com/kvgrove/ordkv/internal/wal"
)

var (
	dbPath          = flag.String("db", "", "path to the database (required)")
	readOnly        = flag.Bool("readonly", true, "disallow put/delete/flush/compact")
	hexOutput       = flag.Bool("hex", false, "print keys and values in hex")
	limit           = flag.Int("limit", 0, "limit number of entries (0 = unlimited)")
	fromKey         = flag.String("from", "", "start key for scan/compact")
	toKey           = flag.String("to", "", "end key for scan/compact")
	createIfMissing = flag.Bool("create_if_missing", false, "create the database if missing")
)

func main() {
	flag.Parse()

	if len(flag.Args()) == 0 {
		printUsage()
		os.Exit(1)
	}
	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "Error: --db is required")
		os.Exit(1)
	}

	command := flag.Arg(0)
	args := flag.Args()[1:]

	var err error
	switch command {
	case "scan":
		err = cmdScan()
	case "get":
		err = cmdGet(args)
	case "put":
		err = cmdPut(args)
	case "delete":
		err = cmdDelete(args)
	case "dump":
		err = cmdDump()
	case "info":
		err = cmdInfo()
	case "manifest_dump":
		err = cmdManifestDump()
	case "flush":
		err = cmdFlush()
	case "compact":
		err = cmdCompact()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("ldb - ordkv database inspection tool")
	fmt.Println()
	fmt.Println("Usage: ldb --db=<path> <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  scan              Scan key-value pairs")
	fmt.Println("  get <key>         Get the value for a key")
	fmt.Println("  put <key> <val>   Put a key-value pair (requires --readonly=false)")
	fmt.Println("  delete <key>      Delete a key (requires --readonly=false)")
	fmt.Println("  dump              Dump the entire database contents")
	fmt.Println("  info              Print per-level file counts and stats")
	fmt.Println("  manifest_dump     Dump the current MANIFEST's version edits")
	fmt.Println("  flush             Force the active memtable to an SST file")
	fmt.Println("  compact           Force compaction of [--from, --to]")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
}

func openDB() (*ordkv.DB, error) {
	opts := ordkv.DefaultOptions()
	opts.CreateIfMissing = *createIfMissing
	return ordkv.Open(*dbPath, opts)
}

func requireWritable() error {
	if *readOnly {
		return fmt.Errorf("refusing to mutate the database with --readonly=true; pass --readonly=false")
	}
	return nil
}

func formatOutput(data []byte) string {
	if *hexOutput {
		return hex.EncodeToString(data)
	}
	for _, b := range data {
		if b < 32 || b > 126 {
			return hex.EncodeToString(data)
		}
	}
	return string(data)
}

func parseInput(s string) []byte {
	if strings.HasPrefix(s, "0x") {
		if decoded, err := hex.DecodeString(s[2:]); err == nil {
			return decoded
		}
	}
	return []byte(s)
}

func cmdScan() error {
	db, err := openDB()
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	iter := db.NewIterator(nil)
	defer iter.Close()

	if *fromKey != "" {
		iter.Seek(parseInput(*fromKey))
	} else {
		iter.SeekToFirst()
	}

	var toKeyBytes []byte
	if *toKey != "" {
		toKeyBytes = parseInput(*toKey)
	}

	count := 0
	for iter.Valid() {
		key := iter.Key()
		if toKeyBytes != nil && bytes.Compare(key, toKeyBytes) >= 0 {
			break
		}
		fmt.Printf("%s => %s\n", formatOutput(key), formatOutput(iter.Value()))
		count++
		if *limit > 0 && count >= *limit {
			break
		}
		iter.Next()
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("iterator: %w", err)
	}
	fmt.Printf("\n(%d entries scanned)\n", count)
	return nil
}

func cmdGet(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: ldb --db=<path> get <key>")
	}
	db, err := openDB()
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	value, err := db.Get(nil, parseInput(args[0]))
	if err != nil {
		return fmt.Errorf("get: %w", err)
	}
	fmt.Println(formatOutput(value))
	return nil
}

func cmdPut(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: ldb --db=<path> --readonly=false put <key> <value>")
	}
	if err := requireWritable(); err != nil {
		return err
	}
	db, err := openDB()
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := db.Put(nil, parseInput(args[0]), parseInput(args[1])); err != nil {
		return fmt.Errorf("put: %w", err)
	}
	fmt.Println("OK")
	return nil
}

func cmdDelete(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: ldb --db=<path> --readonly=false delete <key>")
	}
	if err := requireWritable(); err != nil {
		return err
	}
	db, err := openDB()
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := db.Delete(nil, parseInput(args[0])); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	fmt.Println("OK")
	return nil
}

func cmdDump() error {
	db, err := openDB()
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	iter := db.NewIterator(nil)
	defer iter.Close()

	count := 0
	for iter.SeekToFirst(); iter.Valid(); iter.Next() {
		fmt.Printf("'%s' => '%s'\n", formatOutput(iter.Key()), formatOutput(iter.Value()))
		count++
		if *limit > 0 && count >= *limit {
			break
		}
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("iterator: %w", err)
	}
	fmt.Printf("\n(%d entries dumped)\n", count)
	return nil
}

func cmdInfo() error {
	db, err := openDB()
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	fmt.Printf("Database: %s\n", *dbPath)
	fmt.Println("---")

	properties := []string{
		"ordkv.num-files-at-level0",
		"ordkv.num-files-at-level1",
		"ordkv.num-files-at-level2",
		"ordkv.num-files-at-level3",
		"ordkv.num-files-at-level4",
		"ordkv.num-files-at-level5",
		"ordkv.num-files-at-level6",
		"ordkv.stats",
	}
	for _, prop := range properties {
		if value, ok := db.GetProperty(prop); ok {
			fmt.Printf("%s: %s\n", prop, value)
		}
	}
	return nil
}

func cmdFlush() error {
	if err := requireWritable(); err != nil {
		return err
	}
	db, err := openDB()
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := db.Flush(nil); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	fmt.Println("OK")
	return nil
}

func cmdCompact() error {
	if err := requireWritable(); err != nil {
		return err
	}
	db, err := openDB()
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	var begin, end []byte
	if *fromKey != "" {
		begin = parseInput(*fromKey)
	}
	if *toKey != "" {
		end = parseInput(*toKey)
	}
	if err := db.CompactRange(begin, end); err != nil {
		return fmt.Errorf("compact: %w", err)
	}
	fmt.Println("OK")
	return nil
}

// cmdManifestDump reads CURRENT to find the active MANIFEST and prints each
// version edit's new/deleted files without opening the database, so it
// works even on a database another process currently holds the LOCK file
// for.
func cmdManifestDump() error {
	fs := vfs.Default()

	currentPath := filepath.Join(*dbPath, "CURRENT")
	currentData, err := os.ReadFile(currentPath)
	if err != nil {
		return fmt.Errorf("read CURRENT: %w", err)
	}
	manifestName := strings.TrimSpace(string(currentData))
	if !strings.HasPrefix(manifestName, "MANIFEST-") {
		return fmt.Errorf("invalid CURRENT contents: %q", manifestName)
	}

	manifestPath := filepath.Join(*dbPath, manifestName)
	info, err := fs.Stat(manifestPath)
	if err != nil {
		return fmt.Errorf("stat MANIFEST: %w", err)
	}
	fmt.Printf("MANIFEST file: %s\n", manifestPath)
	fmt.Printf("Size: %d bytes, modified %s\n", info.Size(), info.ModTime())
	fmt.Println("---")

	file, err := fs.Open(manifestPath)
	if err != nil {
		return fmt.Errorf("open MANIFEST: %w", err)
	}
	defer file.Close()

	reader := wal.NewReader(file, nil, true, 0)
	editCount, newFiles, deletedFiles := 0, 0, 0
	var comparatorName string

	for {
		record, err := reader.ReadRecord()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			fmt.Printf("  [edit %d] read error: %v\n", editCount+1, err)
			break
		}

		ve := &manifest.VersionEdit{}
		if err := ve.DecodeFrom(record); err != nil {
			fmt.Printf("  [edit %d] decode error: %v\n", editCount+1, err)
			continue
		}
		editCount++
		if ve.HasComparator {
			comparatorName = ve.Comparator
		}

		for _, nf := range ve.NewFiles {
			newFiles++
			fmt.Printf("  [edit %d] +L%d file %06d (%d bytes)\n",
				editCount, nf.Level, nf.Meta.FD.GetNumber(), nf.Meta.FD.FileSize)
		}
		for _, df := range ve.DeletedFiles {
			deletedFiles++
			fmt.Printf("  [edit %d] -L%d file %06d\n", editCount, df.Level, df.FileNumber)
		}
	}

	fmt.Println("---")
	fmt.Printf("%d edits, %d files added, %d files deleted, comparator=%q\n",
		editCount, newFiles, deletedFiles, comparatorName)
	return nil
}

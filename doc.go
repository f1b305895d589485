/*
Package ordkv is a pure-Go embedded, ordered key/value store built on an
LSM-tree: a write-ahead log and an in-memory memtable absorb writes, which
are periodically flushed to immutable sorted table files and merged by a
background leveled compaction worker.

# Usage

	db, err := ordkv.Open("/path/to/db", &ordkv.Options{CreateIfMissing: true})
	if err != nil {
		return err
	}
	defer db.Close()

	err = db.Put(ordkv.DefaultWriteOptions(), []byte("k"), []byte("v"))
	value, err := db.Get(ordkv.DefaultReadOptions(), []byte("k"))

# Concurrency

A DB instance is safe for concurrent use by multiple goroutines. Individual
Iterator instances are not safe for concurrent use; each goroutine should
use its own iterator.
*/
package ordkv

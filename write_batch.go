// write_batch.go implements the public WriteBatch API for atomic writes.
package ordkv

import (
	"github.com/kvgrove/ordkv/internal/batch"
)

// WriteBatch holds a collection of writes to be applied atomically.
// Keys and values are copied, so you can modify them after calling Put/Delete.
//
// A WriteBatch can be reused by calling Clear() after Write().
//
// Example:
//
//	wb := ordkv.NewWriteBatch()
//	wb.Put([]byte("key1"), []byte("value1"))
//	wb.Delete([]byte("key2"))
//	err := db.Write(writeOpts, wb)
//	wb.Clear() // Reuse the batch
type WriteBatch struct {
	internal *batch.WriteBatch
}

// NewWriteBatch creates a new empty WriteBatch.
func NewWriteBatch() *WriteBatch {
	return &WriteBatch{
		internal: batch.New(),
	}
}

// Put adds a key-value pair to the batch.
func (wb *WriteBatch) Put(key, value []byte) {
	wb.internal.Put(key, value)
}

// Delete adds a deletion for the key to the batch.
func (wb *WriteBatch) Delete(key []byte) {
	wb.internal.Delete(key)
}

// SingleDelete adds a single deletion for the key to the batch.
// SingleDelete is more efficient than Delete when the key is known to have
// been written at most once since the last compaction that touched it.
func (wb *WriteBatch) SingleDelete(key []byte) {
	wb.internal.SingleDelete(key)
}

// Clear resets the batch to empty, allowing it to be reused.
func (wb *WriteBatch) Clear() {
	wb.internal.Clear()
}

// Count returns the number of operations in the batch.
func (wb *WriteBatch) Count() uint32 {
	return wb.internal.Count()
}

// Data returns the raw batch data (for advanced use only).
func (wb *WriteBatch) Data() []byte {
	return wb.internal.Data()
}

// internalBatch returns the underlying batch for use by DB.Write().
// This is not part of the public API.
func (wb *WriteBatch) internalBatch() *batch.WriteBatch {
	return wb.internal
}

// newWriteBatchFromInternal wraps an internal batch.
// This is not part of the public API - used by the single-key Put/Delete
// conveniences, which build a one-record batch internally.
func newWriteBatchFromInternal(internal *batch.WriteBatch) *WriteBatch {
	return &WriteBatch{internal: internal}
}

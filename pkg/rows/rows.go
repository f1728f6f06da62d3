// Package rows provides the row batch representation produced by the
// execution engine. Executors yield a lazy sequence of batches per data
// partition; the columnar layer consumes batches and turns them into blocks.
package rows

import (
	"github.com/tesseract-db/tesseract/pkg/schema"
)

// Row is a single row of values in schema field order. A nil element is NULL.
type Row []interface{}

// Clone returns a copy of the row sharing the same values.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	copy(out, r)
	return out
}

// Batch represents a bounded batch of rows sharing one schema.
type Batch struct {
	Schema *schema.Schema
	Rows   []Row
}

// NewBatch creates a batch with the specified row capacity.
func NewBatch(s *schema.Schema, capacity int) *Batch {
	return &Batch{
		Schema: s,
		Rows:   make([]Row, 0, capacity),
	}
}

// Append adds a row to the batch.
func (b *Batch) Append(r Row) {
	b.Rows = append(b.Rows, r)
}

// Len returns the number of rows in the batch.
func (b *Batch) Len() int {
	return len(b.Rows)
}

// Reset clears the batch for reuse without deallocating memory.
func (b *Batch) Reset() {
	b.Rows = b.Rows[:0]
}

// Iterator produces row batches lazily. Next returns nil, nil when the
// sequence is exhausted.
type Iterator interface {
	Next() (*Batch, error)
	Close() error
}

// SliceIterator adapts an in-memory slice of batches to the Iterator
// interface. It is used by the local executor and by tests.
type SliceIterator struct {
	batches []*Batch
	pos     int
}

// NewSliceIterator creates an iterator over the given batches.
func NewSliceIterator(batches []*Batch) *SliceIterator {
	return &SliceIterator{batches: batches}
}

// Next returns the next batch, or nil when exhausted.
func (it *SliceIterator) Next() (*Batch, error) {
	if it.pos >= len(it.batches) {
		return nil, nil
	}
	b := it.batches[it.pos]
	it.pos++
	return b, nil
}

// Close releases the iterator.
func (it *SliceIterator) Close() error {
	it.batches = nil
	return nil
}

// Drain consumes an iterator and returns every row, closing it afterwards.
func Drain(it Iterator) ([]Row, error) {
	defer func() { _ = it.Close() }()

	var out []Row
	for {
		b, err := it.Next()
		if err != nil {
			return nil, err
		}
		if b == nil {
			return out, nil
		}
		out = append(out, b.Rows...)
	}
}

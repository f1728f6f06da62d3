// Package columnar assembles encoded columns into addressable blocks. A block
// holds a bounded batch of rows from one partition of a materialized query,
// one compressed column per schema field, all sharing the same row count.
package columnar

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/tesseract-db/tesseract/pkg/columnar/encoding"
	"github.com/tesseract-db/tesseract/pkg/errors"
	"github.com/tesseract-db/tesseract/pkg/rows"
	"github.com/tesseract-db/tesseract/pkg/schema"
)

// BlockID uniquely addresses a block as (relation, partition, batch).
type BlockID struct {
	Relation  uuid.UUID
	Partition int
	Batch     int
}

// String renders the ID as relation/partition/batch.
func (id BlockID) String() string {
	return fmt.Sprintf("%s/%d/%d", id.Relation, id.Partition, id.Batch)
}

// Block is one encoded chunk of cached rows. Blocks are immutable once built.
type Block struct {
	ID       BlockID
	RowCount int
	Columns  []encoding.CompressedColumn
}

// Column returns the named column, or nil when absent.
func (b *Block) Column(name string) *encoding.CompressedColumn {
	for i := range b.Columns {
		if b.Columns[i].Name == name {
			return &b.Columns[i]
		}
	}
	return nil
}

// SizeInBytes returns the encoded footprint of the block.
func (b *Block) SizeInBytes() int64 {
	var total int64
	for i := range b.Columns {
		total += int64(b.Columns[i].EncodedSize())
	}
	return total
}

// Builder groups incoming rows into fixed-size chunks and encodes each full
// chunk into a Block. One builder serves one partition of one relation; it is
// not safe for concurrent use, matching the one-task-per-partition execution
// model.
type Builder struct {
	schema       *schema.Schema
	rowsPerBlock int
	relation     uuid.UUID
	partition    int
	opts         encoding.Options

	pending []rows.Row
	batch   int
}

// NewBuilder creates a block builder for one partition of a relation.
func NewBuilder(s *schema.Schema, rowsPerBlock int, relation uuid.UUID, partition int, opts encoding.Options) *Builder {
	if rowsPerBlock <= 0 {
		rowsPerBlock = 10000
	}
	return &Builder{
		schema:       s,
		rowsPerBlock: rowsPerBlock,
		relation:     relation,
		partition:    partition,
		opts:         opts,
		pending:      make([]rows.Row, 0, rowsPerBlock),
	}
}

// Append adds a row. When the current chunk reaches the configured size it is
// encoded and returned; otherwise Append returns nil.
func (b *Builder) Append(r rows.Row) (*Block, error) {
	if len(r) != b.schema.Len() {
		return nil, errors.Newf(errors.ErrorTypeEncoding,
			"row has %d values, schema has %d fields", len(r), b.schema.Len())
	}
	b.pending = append(b.pending, r)
	if len(b.pending) < b.rowsPerBlock {
		return nil, nil
	}
	return b.flush()
}

// AppendBatch adds every row of a batch, returning the blocks completed along
// the way.
func (b *Builder) AppendBatch(batch *rows.Batch) ([]*Block, error) {
	var out []*Block
	for _, r := range batch.Rows {
		blk, err := b.Append(r)
		if err != nil {
			return out, err
		}
		if blk != nil {
			out = append(out, blk)
		}
	}
	return out, nil
}

// Flush encodes any buffered rows into a final, possibly short, block.
// It returns nil when nothing is buffered.
func (b *Builder) Flush() (*Block, error) {
	if len(b.pending) == 0 {
		return nil, nil
	}
	return b.flush()
}

func (b *Builder) flush() (*Block, error) {
	blk := &Block{
		ID:       BlockID{Relation: b.relation, Partition: b.partition, Batch: b.batch},
		RowCount: len(b.pending),
		Columns:  make([]encoding.CompressedColumn, 0, b.schema.Len()),
	}

	colBuf := make([]interface{}, len(b.pending))
	for fieldIdx, field := range b.schema.Fields {
		for rowIdx, r := range b.pending {
			colBuf[rowIdx] = r[fieldIdx]
		}
		col, err := encoding.EncodeColumn(field.Name, field.Type, colBuf, b.opts)
		if err != nil {
			return nil, err
		}
		blk.Columns = append(blk.Columns, col)
	}

	b.pending = b.pending[:0]
	b.batch++
	return blk, nil
}

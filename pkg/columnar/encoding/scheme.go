// Package encoding implements per-column compression for cached query
// results. Each column of a row chunk is encoded independently under one of a
// small closed set of schemes, selected by estimated encoded size with ties
// broken toward the cheapest scheme to decode. Null values never enter the
// encoded stream; they are tracked in a separate roaring bitmap of row
// positions.
package encoding

import (
	"strings"
	"time"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/tesseract-db/tesseract/pkg/schema"
)

// Scheme identifies a column compression scheme.
type Scheme string

const (
	// SchemePlain stores values back to back with no compression
	SchemePlain Scheme = "plain"
	// SchemeBoolPack bit-packs boolean values, eight per byte
	SchemeBoolPack Scheme = "boolpack"
	// SchemeRLE stores runs of repeated values as (value, run length) pairs
	SchemeRLE Scheme = "rle"
	// SchemeDelta stores an integer base value followed by zigzag varint deltas
	SchemeDelta Scheme = "delta"
	// SchemeDict stores a bounded dictionary of distinct values plus indexes
	SchemeDict Scheme = "dict"
)

// decodeCost ranks schemes by the cost of decoding them. Lower is cheaper.
// Used to break ties in scheme selection.
var decodeCost = map[Scheme]int{
	SchemePlain:    0,
	SchemeBoolPack: 1,
	SchemeRLE:      2,
	SchemeDelta:    3,
	SchemeDict:     4,
}

// ColumnStats carries per-column min/max/null-count statistics, recorded at
// encode time and consulted by the scan layer for block-level pruning. Min
// and Max are nil when every value in the column is null.
type ColumnStats struct {
	Min       interface{}
	Max       interface{}
	NullCount int
}

// CompressedColumn is one encoded column of a columnar block.
type CompressedColumn struct {
	Name   string
	Type   schema.Type
	Scheme Scheme
	// Nulls is a serialized roaring bitmap of null row positions, nil when
	// the column has no nulls.
	Nulls []byte
	// Data is the scheme-encoded bytes of the non-null values in row order.
	Data  []byte
	Stats ColumnStats
}

// EncodedSize returns the total byte footprint of the column.
func (c *CompressedColumn) EncodedSize() int {
	return len(c.Data) + len(c.Nulls)
}

// nullBitmap deserializes the null bitmap, or returns nil when the column has
// no nulls.
func (c *CompressedColumn) nullBitmap() (*roaring.Bitmap, error) {
	if len(c.Nulls) == 0 {
		return nil, nil
	}
	bm := roaring.New()
	if _, err := bm.FromBuffer(c.Nulls); err != nil {
		return nil, err
	}
	return bm, nil
}

// Options bound the encoder's behavior.
type Options struct {
	// MaxDictionaryEntries caps the dictionary scheme; columns with more
	// distinct values are not dictionary candidates.
	MaxDictionaryEntries int
	// MaxValueBytes guards against adversarial values: a column containing a
	// value whose encoded representation exceeds this falls back to plain
	// encoding instead of failing the batch.
	MaxValueBytes int
	// SampleRows bounds the number of rows inspected for scheme size
	// estimation. Batches at or below this size are scanned fully.
	SampleRows int
}

// DefaultOptions returns encoder defaults.
func DefaultOptions() Options {
	return Options{
		MaxDictionaryEntries: 4096,
		MaxValueBytes:        1 << 20, // 1MiB
		SampleRows:           1024,
	}
}

// CompareValues compares two non-nil values of the given type. It returns a
// negative number when a < b, zero when equal, positive when a > b.
func CompareValues(t schema.Type, a, b interface{}) int {
	switch t {
	case schema.TypeBool:
		av, bv := a.(bool), b.(bool)
		switch {
		case av == bv:
			return 0
		case !av:
			return -1
		default:
			return 1
		}
	case schema.TypeInt:
		av, bv := a.(int64), b.(int64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case schema.TypeFloat:
		av, bv := a.(float64), b.(float64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		default:
			return 0
		}
	case schema.TypeString:
		return strings.Compare(a.(string), b.(string))
	case schema.TypeTimestamp:
		av, bv := a.(time.Time), b.(time.Time)
		switch {
		case av.Before(bv):
			return -1
		case av.After(bv):
			return 1
		default:
			return 0
		}
	}
	return 0
}

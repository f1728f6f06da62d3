package encoding

import (
	"encoding/binary"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/tesseract-db/tesseract/pkg/errors"
	"github.com/tesseract-db/tesseract/pkg/schema"
)

// EncodeColumn encodes one column of a row chunk. values holds the column's
// cells in row order; nil cells are null. The returned column carries the
// selected scheme, the null bitmap, the encoded bytes and the min/max/null
// statistics gathered during the pass.
//
// Encoding never fails on data shape: when a value trips the size guard or a
// candidate scheme overflows its bounds, the encoder falls back to plain
// encoding instead of surfacing an error.
func EncodeColumn(name string, t schema.Type, values []interface{}, opts Options) (CompressedColumn, error) {
	if opts.MaxDictionaryEntries <= 0 || opts.MaxValueBytes <= 0 || opts.SampleRows <= 0 {
		opts = DefaultOptions()
	}

	col := CompressedColumn{Name: name, Type: t}

	nulls := roaring.New()
	nonNull := make([]interface{}, 0, len(values))
	guardTripped := false

	for i, v := range values {
		if v == nil {
			nulls.Add(uint32(i))
			continue
		}
		if err := (schema.Field{Name: name, Type: t}).ValidateValue(v); err != nil {
			return col, errors.Wrap(err, errors.ErrorTypeEncoding, "invalid column value")
		}
		if valueSize(t, v) > opts.MaxValueBytes {
			guardTripped = true
		}
		if col.Stats.Min == nil || CompareValues(t, v, col.Stats.Min) < 0 {
			col.Stats.Min = v
		}
		if col.Stats.Max == nil || CompareValues(t, v, col.Stats.Max) > 0 {
			col.Stats.Max = v
		}
		nonNull = append(nonNull, v)
	}
	col.Stats.NullCount = int(nulls.GetCardinality())

	if col.Stats.NullCount > 0 {
		buf, err := nulls.ToBytes()
		if err != nil {
			return col, errors.Wrap(err, errors.ErrorTypeEncoding, "failed to serialize null bitmap")
		}
		col.Nulls = buf
	}

	scheme := SchemePlain
	if !guardTripped {
		scheme = chooseScheme(t, nonNull, opts)
	}

	data, err := encodeValues(scheme, t, nonNull, opts)
	if err != nil {
		// Bounded-scheme overflow: retreat to plain rather than failing.
		scheme = SchemePlain
		data, err = encodeValues(SchemePlain, t, nonNull, opts)
		if err != nil {
			return col, err
		}
	}

	col.Scheme = scheme
	col.Data = data
	return col, nil
}

// chooseScheme estimates the encoded size of each candidate scheme over a
// sample of the non-null values and picks the smallest, breaking ties toward
// the cheapest decode.
func chooseScheme(t schema.Type, nonNull []interface{}, opts Options) Scheme {
	if len(nonNull) == 0 {
		return SchemePlain
	}

	sample := nonNull
	scale := 1.0
	if len(nonNull) > opts.SampleRows {
		stride := len(nonNull) / opts.SampleRows
		sampled := make([]interface{}, 0, opts.SampleRows)
		for i := 0; i < len(nonNull); i += stride {
			sampled = append(sampled, nonNull[i])
		}
		sample = sampled
		scale = float64(len(nonNull)) / float64(len(sample))
	}

	estimates := map[Scheme]float64{
		SchemePlain: float64(plainSize(t, sample)) * scale,
	}

	if t == schema.TypeBool {
		estimates[SchemeBoolPack] = float64((len(sample)+7)/8) * scale
	}

	estimates[SchemeRLE] = float64(rleSize(t, sample)) * scale

	if size, ok := deltaSize(t, sample); ok {
		estimates[SchemeDelta] = float64(size) * scale
	}

	if size, ok := dictSize(t, sample, opts.MaxDictionaryEntries); ok {
		estimates[SchemeDict] = float64(size) * scale
	}

	best := SchemePlain
	bestSize := estimates[SchemePlain]
	for scheme, size := range estimates {
		if size < bestSize || (size == bestSize && decodeCost[scheme] < decodeCost[best]) {
			best = scheme
			bestSize = size
		}
	}
	return best
}

func plainSize(t schema.Type, values []interface{}) int {
	total := 0
	for _, v := range values {
		total += valueSize(t, v)
	}
	return total
}

func rleSize(t schema.Type, values []interface{}) int {
	total := 0
	for i := 0; i < len(values); {
		j := i + 1
		for j < len(values) && valueEqual(t, values[j], values[i]) {
			j++
		}
		total += valueSize(t, values[i]) + uvarintLen(uint64(j-i))
		i = j
	}
	return total
}

func deltaSize(t schema.Type, values []interface{}) (int, bool) {
	prev, ok := intValue(t, values[0])
	if !ok {
		return 0, false
	}
	total := 8
	for _, v := range values[1:] {
		cur, _ := intValue(t, v)
		total += uvarintLen(zigzag(cur - prev))
		prev = cur
	}
	return total, true
}

func dictSize(t schema.Type, values []interface{}, maxEntries int) (int, bool) {
	seen := make(map[interface{}]struct{}, 64)
	entryBytes := 0
	for _, v := range values {
		k := dictKey(t, v)
		if _, ok := seen[k]; !ok {
			if len(seen) == maxEntries {
				return 0, false
			}
			seen[k] = struct{}{}
			entryBytes += valueSize(t, v)
		}
	}
	indexBytes := len(values) * uvarintLen(uint64(len(seen)))
	return uvarintLen(uint64(len(seen))) + entryBytes + indexBytes, true
}

// encodeValues encodes non-null values under the given scheme. Bounded
// schemes return an encoding error on overflow; the caller falls back to
// plain.
func encodeValues(scheme Scheme, t schema.Type, values []interface{}, opts Options) ([]byte, error) {
	switch scheme {
	case SchemePlain:
		return encodePlain(t, values)
	case SchemeBoolPack:
		return encodeBoolPack(values)
	case SchemeRLE:
		return encodeRLE(t, values)
	case SchemeDelta:
		return encodeDelta(t, values)
	case SchemeDict:
		return encodeDict(t, values, opts.MaxDictionaryEntries)
	}
	return nil, errors.Newf(errors.ErrorTypeEncoding, "unknown scheme %q", scheme)
}

func encodePlain(t schema.Type, values []interface{}) ([]byte, error) {
	var buf []byte
	var err error
	for _, v := range values {
		if buf, err = appendValue(buf, t, v); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeEncoding, "plain encode failed")
		}
	}
	return buf, nil
}

func encodeBoolPack(values []interface{}) ([]byte, error) {
	buf := make([]byte, (len(values)+7)/8)
	for i, v := range values {
		b, ok := v.(bool)
		if !ok {
			return nil, errors.New(errors.ErrorTypeEncoding, "boolpack applied to non-bool column")
		}
		if b {
			buf[i/8] |= 1 << (i % 8)
		}
	}
	return buf, nil
}

func encodeRLE(t schema.Type, values []interface{}) ([]byte, error) {
	var buf []byte
	var err error
	for i := 0; i < len(values); {
		j := i + 1
		for j < len(values) && valueEqual(t, values[j], values[i]) {
			j++
		}
		if buf, err = appendValue(buf, t, values[i]); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeEncoding, "rle encode failed")
		}
		buf = binary.AppendUvarint(buf, uint64(j-i))
		i = j
	}
	return buf, nil
}

func encodeDelta(t schema.Type, values []interface{}) ([]byte, error) {
	if len(values) == 0 {
		return nil, nil
	}
	prev, ok := intValue(t, values[0])
	if !ok {
		return nil, errors.New(errors.ErrorTypeEncoding, "delta applied to non-integer column")
	}
	buf := binary.LittleEndian.AppendUint64(nil, uint64(prev))
	for _, v := range values[1:] {
		cur, ok := intValue(t, v)
		if !ok {
			return nil, errors.New(errors.ErrorTypeEncoding, "delta applied to non-integer column")
		}
		buf = binary.AppendUvarint(buf, zigzag(cur-prev))
		prev = cur
	}
	return buf, nil
}

func encodeDict(t schema.Type, values []interface{}, maxEntries int) ([]byte, error) {
	index := make(map[interface{}]int, 64)
	var entries []interface{}
	indexes := make([]int, len(values))
	for i, v := range values {
		k := dictKey(t, v)
		id, ok := index[k]
		if !ok {
			if len(entries) == maxEntries {
				// Sampling under-estimated cardinality.
				return nil, errors.New(errors.ErrorTypeEncoding, "dictionary overflow").
					WithDetail("max_entries", maxEntries)
			}
			id = len(entries)
			index[k] = id
			entries = append(entries, v)
		}
		indexes[i] = id
	}

	buf := binary.AppendUvarint(nil, uint64(len(entries)))
	var err error
	for _, e := range entries {
		if buf, err = appendValue(buf, t, e); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeEncoding, "dict entry encode failed")
		}
	}
	for _, id := range indexes {
		buf = binary.AppendUvarint(buf, uint64(id))
	}
	return buf, nil
}

package encoding

import (
	"encoding/binary"

	"github.com/tesseract-db/tesseract/pkg/errors"
	"github.com/tesseract-db/tesseract/pkg/schema"
)

// DecodeColumn decodes a compressed column back into rowCount cells in row
// order, with nil at every null position. Decoding is read-only and safe for
// concurrent use on the same column.
func DecodeColumn(col *CompressedColumn, rowCount int) ([]interface{}, error) {
	nulls, err := col.nullBitmap()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeEncoding, "corrupt null bitmap")
	}

	nonNullCount := rowCount - col.Stats.NullCount
	values, err := decodeValues(col.Scheme, col.Type, col.Data, nonNullCount)
	if err != nil {
		return nil, err
	}
	if len(values) != nonNullCount {
		return nil, errors.Newf(errors.ErrorTypeEncoding,
			"decoded %d values, expected %d", len(values), nonNullCount)
	}

	out := make([]interface{}, rowCount)
	next := 0
	for i := 0; i < rowCount; i++ {
		if nulls != nil && nulls.Contains(uint32(i)) {
			continue
		}
		out[i] = values[next]
		next++
	}
	return out, nil
}

func decodeValues(scheme Scheme, t schema.Type, data []byte, count int) ([]interface{}, error) {
	switch scheme {
	case SchemePlain:
		return decodePlain(t, data, count)
	case SchemeBoolPack:
		return decodeBoolPack(data, count)
	case SchemeRLE:
		return decodeRLE(t, data, count)
	case SchemeDelta:
		return decodeDelta(t, data, count)
	case SchemeDict:
		return decodeDict(t, data, count)
	}
	return nil, errors.Newf(errors.ErrorTypeEncoding, "unknown scheme %q", scheme)
}

func decodePlain(t schema.Type, data []byte, count int) ([]interface{}, error) {
	out := make([]interface{}, 0, count)
	pos := 0
	for len(out) < count {
		v, n, err := readValue(data[pos:], t)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeEncoding, "plain decode failed")
		}
		out = append(out, v)
		pos += n
	}
	return out, nil
}

func decodeBoolPack(data []byte, count int) ([]interface{}, error) {
	if len(data) < (count+7)/8 {
		return nil, errors.New(errors.ErrorTypeEncoding, "boolpack data too short")
	}
	out := make([]interface{}, count)
	for i := 0; i < count; i++ {
		out[i] = data[i/8]&(1<<(i%8)) != 0
	}
	return out, nil
}

func decodeRLE(t schema.Type, data []byte, count int) ([]interface{}, error) {
	out := make([]interface{}, 0, count)
	pos := 0
	for len(out) < count {
		v, n, err := readValue(data[pos:], t)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeEncoding, "rle decode failed")
		}
		pos += n
		run, varLen := binary.Uvarint(data[pos:])
		if varLen <= 0 {
			return nil, errors.New(errors.ErrorTypeEncoding, "rle run length corrupt")
		}
		pos += varLen
		for i := uint64(0); i < run && len(out) < count; i++ {
			out = append(out, v)
		}
	}
	return out, nil
}

func decodeDelta(t schema.Type, data []byte, count int) ([]interface{}, error) {
	if count == 0 {
		return nil, nil
	}
	if len(data) < 8 {
		return nil, errors.New(errors.ErrorTypeEncoding, "delta data too short")
	}
	out := make([]interface{}, 0, count)
	cur := int64(binary.LittleEndian.Uint64(data))
	out = append(out, intToValue(t, cur))
	pos := 8
	for len(out) < count {
		d, varLen := binary.Uvarint(data[pos:])
		if varLen <= 0 {
			return nil, errors.New(errors.ErrorTypeEncoding, "delta stream corrupt")
		}
		pos += varLen
		cur += unzigzag(d)
		out = append(out, intToValue(t, cur))
	}
	return out, nil
}

func decodeDict(t schema.Type, data []byte, count int) ([]interface{}, error) {
	entryCount, varLen := binary.Uvarint(data)
	if varLen <= 0 {
		return nil, errors.New(errors.ErrorTypeEncoding, "dict header corrupt")
	}
	pos := varLen
	entries := make([]interface{}, 0, entryCount)
	for i := uint64(0); i < entryCount; i++ {
		v, n, err := readValue(data[pos:], t)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeEncoding, "dict entry decode failed")
		}
		entries = append(entries, v)
		pos += n
	}

	out := make([]interface{}, 0, count)
	for len(out) < count {
		id, n := binary.Uvarint(data[pos:])
		if n <= 0 {
			return nil, errors.New(errors.ErrorTypeEncoding, "dict index stream corrupt")
		}
		if id >= uint64(len(entries)) {
			return nil, errors.New(errors.ErrorTypeEncoding, "dict index out of range")
		}
		out = append(out, entries[id])
		pos += n
	}
	return out, nil
}

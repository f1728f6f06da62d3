package encoding

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/tesseract-db/tesseract/pkg/schema"
)

// appendValue appends the fixed unit encoding of a single non-null value:
// bools are one byte, ints/floats/timestamps eight bytes little endian,
// strings uvarint length prefixed.
func appendValue(dst []byte, t schema.Type, v interface{}) ([]byte, error) {
	switch t {
	case schema.TypeBool:
		if v.(bool) {
			return append(dst, 1), nil
		}
		return append(dst, 0), nil
	case schema.TypeInt:
		return binary.LittleEndian.AppendUint64(dst, uint64(v.(int64))), nil
	case schema.TypeFloat:
		return binary.LittleEndian.AppendUint64(dst, math.Float64bits(v.(float64))), nil
	case schema.TypeString:
		s := v.(string)
		dst = binary.AppendUvarint(dst, uint64(len(s)))
		return append(dst, s...), nil
	case schema.TypeTimestamp:
		return binary.LittleEndian.AppendUint64(dst, uint64(v.(time.Time).UnixNano())), nil
	}
	return nil, fmt.Errorf("unsupported type %q", t)
}

// readValue decodes one unit from buf, returning the value and bytes consumed.
func readValue(buf []byte, t schema.Type) (interface{}, int, error) {
	switch t {
	case schema.TypeBool:
		if len(buf) < 1 {
			return nil, 0, fmt.Errorf("short buffer for bool")
		}
		return buf[0] != 0, 1, nil
	case schema.TypeInt:
		if len(buf) < 8 {
			return nil, 0, fmt.Errorf("short buffer for int")
		}
		return int64(binary.LittleEndian.Uint64(buf)), 8, nil
	case schema.TypeFloat:
		if len(buf) < 8 {
			return nil, 0, fmt.Errorf("short buffer for float")
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(buf)), 8, nil
	case schema.TypeString:
		n, varLen := binary.Uvarint(buf)
		if varLen <= 0 {
			return nil, 0, fmt.Errorf("bad string length prefix")
		}
		end := varLen + int(n)
		if len(buf) < end {
			return nil, 0, fmt.Errorf("short buffer for string")
		}
		return string(buf[varLen:end]), end, nil
	case schema.TypeTimestamp:
		if len(buf) < 8 {
			return nil, 0, fmt.Errorf("short buffer for timestamp")
		}
		nanos := int64(binary.LittleEndian.Uint64(buf))
		return time.Unix(0, nanos).UTC(), 8, nil
	}
	return nil, 0, fmt.Errorf("unsupported type %q", t)
}

// MarshalValue returns the unit encoding of a single non-null value. It is
// used by the block codec to persist column statistics.
func MarshalValue(t schema.Type, v interface{}) ([]byte, error) {
	return appendValue(nil, t, v)
}

// UnmarshalValue decodes a single unit-encoded value.
func UnmarshalValue(t schema.Type, buf []byte) (interface{}, error) {
	v, _, err := readValue(buf, t)
	return v, err
}

// valueSize returns the unit encoding size of a non-null value.
func valueSize(t schema.Type, v interface{}) int {
	switch t {
	case schema.TypeBool:
		return 1
	case schema.TypeString:
		n := len(v.(string))
		return uvarintLen(uint64(n)) + n
	default:
		return 8
	}
}

// valueEqual reports unit equality of two non-null values of the same type.
func valueEqual(t schema.Type, a, b interface{}) bool {
	if t == schema.TypeTimestamp {
		return a.(time.Time).Equal(b.(time.Time))
	}
	return a == b
}

// dictKey maps a value to a comparable map key. Timestamps use their
// nanosecond representation so equal instants hash identically.
func dictKey(t schema.Type, v interface{}) interface{} {
	if t == schema.TypeTimestamp {
		return v.(time.Time).UnixNano()
	}
	return v
}

// intValue extracts the int64 payload of an int or timestamp value.
func intValue(t schema.Type, v interface{}) (int64, bool) {
	switch t {
	case schema.TypeInt:
		return v.(int64), true
	case schema.TypeTimestamp:
		return v.(time.Time).UnixNano(), true
	}
	return 0, false
}

// intToValue converts an int64 payload back to the column's value type.
func intToValue(t schema.Type, v int64) interface{} {
	if t == schema.TypeTimestamp {
		return time.Unix(0, v).UTC()
	}
	return v
}

// zigzag maps a signed delta onto an unsigned varint-friendly value.
func zigzag(v int64) uint64 {
	return uint64((v << 1) ^ (v >> 63))
}

// unzigzag inverts zigzag.
func unzigzag(v uint64) int64 {
	return int64(v>>1) ^ -int64(v&1)
}

// uvarintLen returns the number of bytes binary.AppendUvarint would use.
func uvarintLen(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

package columnar

import (
	"encoding/binary"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/tesseract-db/tesseract/pkg/columnar/encoding"
	"github.com/tesseract-db/tesseract/pkg/errors"
	"github.com/tesseract-db/tesseract/pkg/schema"
)

// The serialized block layout is a uvarint header length, a JSON header, then
// the null bitmaps and data segments of every column concatenated in column
// order. Min/max statistics travel in the header as unit-encoded bytes so the
// scan layer can prune serialized blocks without decoding column data.

type columnHeader struct {
	Name      string          `json:"name"`
	Type      schema.Type     `json:"type"`
	Scheme    encoding.Scheme `json:"scheme"`
	NullsLen  int             `json:"nulls_len"`
	DataLen   int             `json:"data_len"`
	NullCount int             `json:"null_count"`
	Min       []byte          `json:"min,omitempty"`
	Max       []byte          `json:"max,omitempty"`
}

type blockHeader struct {
	Relation  uuid.UUID      `json:"relation"`
	Partition int            `json:"partition"`
	Batch     int            `json:"batch"`
	RowCount  int            `json:"row_count"`
	Columns   []columnHeader `json:"columns"`
}

// EncodeBlock serializes a block to bytes for disk spill or serialized
// storage levels.
func EncodeBlock(b *Block) ([]byte, error) {
	hdr := blockHeader{
		Relation:  b.ID.Relation,
		Partition: b.ID.Partition,
		Batch:     b.ID.Batch,
		RowCount:  b.RowCount,
		Columns:   make([]columnHeader, len(b.Columns)),
	}

	payloadLen := 0
	for i := range b.Columns {
		col := &b.Columns[i]
		ch := columnHeader{
			Name:      col.Name,
			Type:      col.Type,
			Scheme:    col.Scheme,
			NullsLen:  len(col.Nulls),
			DataLen:   len(col.Data),
			NullCount: col.Stats.NullCount,
		}
		if col.Stats.Min != nil {
			buf, err := encoding.MarshalValue(col.Type, col.Stats.Min)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeEncoding, "failed to marshal column min")
			}
			ch.Min = buf
		}
		if col.Stats.Max != nil {
			buf, err := encoding.MarshalValue(col.Type, col.Stats.Max)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeEncoding, "failed to marshal column max")
			}
			ch.Max = buf
		}
		hdr.Columns[i] = ch
		payloadLen += len(col.Nulls) + len(col.Data)
	}

	hdrBytes, err := json.Marshal(hdr)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeEncoding, "failed to marshal block header")
	}

	out := binary.AppendUvarint(make([]byte, 0, len(hdrBytes)+payloadLen+4), uint64(len(hdrBytes)))
	out = append(out, hdrBytes...)
	for i := range b.Columns {
		out = append(out, b.Columns[i].Nulls...)
		out = append(out, b.Columns[i].Data...)
	}
	return out, nil
}

// DecodeBlock deserializes a block produced by EncodeBlock.
func DecodeBlock(data []byte) (*Block, error) {
	hdrLen, n := binary.Uvarint(data)
	if n <= 0 || int(hdrLen) > len(data)-n {
		return nil, errors.New(errors.ErrorTypeEncoding, "block header length corrupt")
	}

	var hdr blockHeader
	if err := json.Unmarshal(data[n:n+int(hdrLen)], &hdr); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeEncoding, "failed to unmarshal block header")
	}

	b := &Block{
		ID:       BlockID{Relation: hdr.Relation, Partition: hdr.Partition, Batch: hdr.Batch},
		RowCount: hdr.RowCount,
		Columns:  make([]encoding.CompressedColumn, len(hdr.Columns)),
	}

	pos := n + int(hdrLen)
	for i, ch := range hdr.Columns {
		if pos+ch.NullsLen+ch.DataLen > len(data) {
			return nil, errors.New(errors.ErrorTypeEncoding, "block payload truncated")
		}
		col := encoding.CompressedColumn{
			Name:   ch.Name,
			Type:   ch.Type,
			Scheme: ch.Scheme,
			Stats:  encoding.ColumnStats{NullCount: ch.NullCount},
		}
		if ch.NullsLen > 0 {
			col.Nulls = data[pos : pos+ch.NullsLen : pos+ch.NullsLen]
		}
		pos += ch.NullsLen
		if ch.DataLen > 0 {
			col.Data = data[pos : pos+ch.DataLen : pos+ch.DataLen]
		}
		pos += ch.DataLen

		if len(ch.Min) > 0 {
			v, err := encoding.UnmarshalValue(ch.Type, ch.Min)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeEncoding, "failed to unmarshal column min")
			}
			col.Stats.Min = v
		}
		if len(ch.Max) > 0 {
			v, err := encoding.UnmarshalValue(ch.Type, ch.Max)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeEncoding, "failed to unmarshal column max")
			}
			col.Stats.Max = v
		}
		b.Columns[i] = col
	}
	return b, nil
}

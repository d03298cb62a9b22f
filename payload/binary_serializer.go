package payload

import (
	"encoding/binary"
	"errors"
)

// BinarySerializer implements a compact binary layout for wireEnvelope,
// carried over from the teacher's BinaryCodec: length-prefixed fields
// instead of JSON field names.
//
//	┌─────────┬──────┬─────┬──────────┬─────────┬──────────┬───────┐
//	│ kind(1) │id(8) │namelen(2)│ name │datalen(4)│ data │errlen(2)│err│
//	└─────────┴──────┴─────┴──────────┴─────────┴──────────┴───────┘
type BinarySerializer struct{}

func (BinarySerializer) Encode(v any) ([]byte, error) {
	w, ok := v.(*wireEnvelope)
	if !ok {
		return nil, errors.New("BinarySerializer: v must be *wireEnvelope")
	}

	total := 1 + 8 + 2 + len(w.Name) + 4 + len(w.Data) + 2 + len(w.Error)
	buf := make([]byte, total)
	offset := 0

	buf[offset] = byte(w.Kind)
	offset++

	binary.BigEndian.PutUint64(buf[offset:offset+8], w.ID)
	offset += 8

	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(w.Name)))
	offset += 2
	copy(buf[offset:offset+len(w.Name)], w.Name)
	offset += len(w.Name)

	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(w.Data)))
	offset += 4
	copy(buf[offset:offset+len(w.Data)], w.Data)
	offset += len(w.Data)

	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(w.Error)))
	offset += 2
	copy(buf[offset:offset+len(w.Error)], w.Error)

	return buf, nil
}

func (BinarySerializer) Decode(data []byte, v any) error {
	w, ok := v.(*wireEnvelope)
	if !ok {
		return errors.New("BinarySerializer: v must be *wireEnvelope")
	}
	if len(data) < 1+8+2 {
		return errors.New("BinarySerializer: frame too short")
	}

	offset := 0
	w.Kind = int(data[offset])
	offset++

	w.ID = binary.BigEndian.Uint64(data[offset : offset+8])
	offset += 8

	nameLen := int(binary.BigEndian.Uint16(data[offset : offset+2]))
	offset += 2
	w.Name = string(data[offset : offset+nameLen])
	offset += nameLen

	dataLen := int(binary.BigEndian.Uint32(data[offset : offset+4]))
	offset += 4
	w.Data = make([]byte, dataLen)
	copy(w.Data, data[offset:offset+dataLen])
	offset += dataLen

	errLen := int(binary.BigEndian.Uint16(data[offset : offset+2]))
	offset += 2
	w.Error = string(data[offset : offset+errLen])

	return nil
}

func (BinarySerializer) Type() SerializerType {
	return SerializerTypeBinary
}

package protocol

import (
	"encoding/binary"
	"fmt"

	"speedshare/internal/core/domain"
)

// HeaderSize is the fixed chunk frame header: index, total and payload
// length as little-endian uint32s.
const HeaderSize = 12

// EncodeFrame returns [index][total][len][payload].
func EncodeFrame(index, total uint32, payload []byte) []byte {
	return AppendFrame(make([]byte, 0, HeaderSize+len(payload)), index, total, payload)
}

func AppendFrame(dst []byte, index, total uint32, payload []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, index)
	dst = binary.LittleEndian.AppendUint32(dst, total)
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}

// DecodeFrame parses a frame. The returned payload aliases data.
func DecodeFrame(data []byte) (domain.Chunk, error) {
	if len(data) < HeaderSize {
		return domain.Chunk{}, fmt.Errorf("%w: %d bytes is shorter than the header", domain.ErrMalformedFrame, len(data))
	}

	index := binary.LittleEndian.Uint32(data[0:4])
	total := binary.LittleEndian.Uint32(data[4:8])
	length := binary.LittleEndian.Uint32(data[8:12])

	if uint64(length) != uint64(len(data)-HeaderSize) {
		return domain.Chunk{}, fmt.Errorf("%w: header declares %d payload bytes, got %d",
			domain.ErrMalformedFrame, length, len(data)-HeaderSize)
	}
	if total == 0 || index >= total {
		return domain.Chunk{}, fmt.Errorf("%w: index %d out of range for %d chunks",
			domain.ErrMalformedFrame, index, total)
	}

	return domain.Chunk{
		Index:       index,
		TotalChunks: total,
		Payload:     data[HeaderSize:],
	}, nil
}

package protocol

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// ControlLabel is the ordered, reliable channel carrying control messages.
const ControlLabel = "control"

const (
	ManifestType = "manifest"
	CompleteType = "complete"
	AbortType    = "abort"
	ResendType   = "resend"
)

// Manifest announces a transfer before any chunk is sent.
type Manifest struct {
	Type             string `msgpack:"type"`
	TransferID       string `msgpack:"transfer_id"`
	Name             string `msgpack:"name"`
	Size             uint64 `msgpack:"size"`
	ChunkSize        uint32 `msgpack:"chunk_size"`
	TotalChunks      uint32 `msgpack:"total_chunks"`
	CompressionLevel int    `msgpack:"compression_level"`
}

// Complete is the receiver's acknowledgement that every chunk was written.
type Complete struct {
	Type       string `msgpack:"type"`
	TransferID string `msgpack:"transfer_id"`
	Chunks     uint32 `msgpack:"chunks"`
}

// Abort tells the peer to give up on the transfer.
type Abort struct {
	Type       string `msgpack:"type"`
	TransferID string `msgpack:"transfer_id"`
	Reason     string `msgpack:"reason"`
}

// Resend asks the sender for chunks that never arrived.
type Resend struct {
	Type       string   `msgpack:"type"`
	TransferID string   `msgpack:"transfer_id"`
	Missing    []uint32 `msgpack:"missing"`
}

type typeProbe struct {
	Type string `msgpack:"type"`
}

// EncodeControl marshals a control message, filling in its type field.
func EncodeControl(msg any) ([]byte, error) {
	switch m := msg.(type) {
	case *Manifest:
		m.Type = ManifestType
	case *Complete:
		m.Type = CompleteType
	case *Abort:
		m.Type = AbortType
	case *Resend:
		m.Type = ResendType
	default:
		return nil, fmt.Errorf("unsupported control message %T", msg)
	}
	return msgpack.Marshal(msg)
}

// DecodeControl returns *Manifest, *Complete, *Abort or *Resend.
func DecodeControl(data []byte) (any, error) {
	var probe typeProbe
	if err := msgpack.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("failed to decode control type: %w", err)
	}

	var msg any
	switch probe.Type {
	case ManifestType:
		msg = &Manifest{}
	case CompleteType:
		msg = &Complete{}
	case AbortType:
		msg = &Abort{}
	case ResendType:
		msg = &Resend{}
	default:
		return nil, fmt.Errorf("unknown control message type %q", probe.Type)
	}
	if err := msgpack.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", probe.Type, err)
	}
	return msg, nil
}

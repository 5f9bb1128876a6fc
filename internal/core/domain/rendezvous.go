package domain

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
)

const (
	CodeLength = 5
	// CodeAlphabet is the character set codes are drawn from.
	CodeAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

	// DefaultRecordChunkSize applies when a record carries no usable chunk size.
	DefaultRecordChunkSize = 64 * 1024 * 1024
	// HighPerformanceChunkSize is the chunk size above which a record is
	// treated as high performance regardless of its flag.
	HighPerformanceChunkSize = 16 * 1024 * 1024
)

var codePattern = regexp.MustCompile(`^[A-Za-z0-9]{5}$`)

type RendezvousCode string

// Valid reports whether the code has the exact 5 character alphanumeric form.
func (c RendezvousCode) Valid() bool {
	return codePattern.MatchString(string(c))
}

// RendezvousRecord is the connection descriptor a code maps to.
type RendezvousRecord struct {
	Code            RendezvousCode `json:"-"`
	SDP             string         `json:"sdp"`
	ICEServer       string         `json:"ice_server,omitempty"`
	ChunkSize       uint32         `json:"chunk_size"`
	PublicKey       string         `json:"public_key,omitempty"`
	HighPerformance bool           `json:"high_performance"`
}

// wireRecord is the compact stored form shared with browser peers.
type wireRecord struct {
	S string `json:"s"`
	I string `json:"i"`
	C string `json:"c"`
	P string `json:"p"`
	H string `json:"h"`
}

// EncodeRecord serializes a record to its short-key JSON form.
func EncodeRecord(r RendezvousRecord) ([]byte, error) {
	chunkSize := r.ChunkSize
	if chunkSize == 0 {
		chunkSize = DefaultRecordChunkSize
	}
	h := "0"
	if r.HighPerformance {
		h = "1"
	}
	return json.Marshal(wireRecord{
		S: r.SDP,
		I: r.ICEServer,
		C: strconv.FormatUint(uint64(chunkSize), 10),
		P: r.PublicKey,
		H: h,
	})
}

// DecodeRecord parses the short-key JSON form. An unparsable or zero chunk
// size falls back to DefaultRecordChunkSize.
func DecodeRecord(code RendezvousCode, data []byte) (RendezvousRecord, error) {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return RendezvousRecord{}, fmt.Errorf("failed to unmarshal record: %w", err)
	}

	chunkSize := uint32(DefaultRecordChunkSize)
	if n, err := strconv.ParseUint(w.C, 10, 32); err == nil && n > 0 {
		chunkSize = uint32(n)
	}

	return RendezvousRecord{
		Code:            code,
		SDP:             w.S,
		ICEServer:       w.I,
		ChunkSize:       chunkSize,
		PublicKey:       w.P,
		HighPerformance: w.H == "1" || chunkSize > HighPerformanceChunkSize,
	}, nil
}

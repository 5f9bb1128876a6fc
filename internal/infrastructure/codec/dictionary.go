package codec

import (
	"bufio"
	"errors"
	"io"
)

const (
	// escapeByte prefixes every code that does not fit a single byte.
	escapeByte = 0xFF
	firstCode  = 256
	// maxCode is the largest code addressable as escapeByte + offset where
	// the offset 0xFF is reserved for the literal 0xFF.
	maxCode = firstCode + 0xFE
)

// dictionaryStage is an LZW style substitution over 256 literal entries.
// The dictionary restarts from the literals once maxCode has been assigned;
// encoder and decoder restart at the same point of the code stream.
type dictionaryStage struct{}

func (dictionaryStage) Name() string { return "dictionary" }

func (dictionaryStage) Encode(w io.Writer, r io.Reader) error {
	br := bufio.NewReader(r)
	bw := bufio.NewWriter(w)

	dict := make(map[uint32]uint16, maxCode-firstCode+1)
	next := uint16(firstCode)
	prefix := -1

	for {
		b, err := br.ReadByte()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if prefix < 0 {
			prefix = int(b)
			continue
		}

		key := uint32(prefix)<<8 | uint32(b)
		if code, ok := dict[key]; ok {
			prefix = int(code)
			continue
		}

		if err := writeCode(bw, prefix); err != nil {
			return err
		}
		dict[key] = next
		next++
		if next > maxCode {
			clear(dict)
			next = firstCode
		}
		prefix = int(b)
	}

	if prefix >= 0 {
		if err := writeCode(bw, prefix); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func writeCode(bw *bufio.Writer, code int) error {
	switch {
	case code < escapeByte:
		return bw.WriteByte(byte(code))
	case code == escapeByte:
		_, err := bw.Write([]byte{escapeByte, escapeByte})
		return err
	default:
		_, err := bw.Write([]byte{escapeByte, byte(code - firstCode)})
		return err
	}
}

func (dictionaryStage) Decode(w io.Writer, r io.Reader) error {
	br := bufio.NewReader(r)
	bw := bufio.NewWriter(w)

	entries := make([][]byte, 0, maxCode-firstCode+1)
	var current []byte

	for {
		code, err := readCode(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		var entry []byte
		switch {
		case code < firstCode:
			entry = []byte{byte(code)}
		case code-firstCode < len(entries):
			entry = entries[code-firstCode]
		case len(current) > 0:
			// Code not assigned yet: it can only be current extended by
			// its own first byte.
			entry = make([]byte, len(current)+1)
			copy(entry, current)
			entry[len(current)] = current[0]
		default:
			return ErrCorruptStream
		}

		if _, err := bw.Write(entry); err != nil {
			return err
		}

		if current != nil {
			added := make([]byte, len(current)+1)
			copy(added, current)
			added[len(current)] = entry[0]
			entries = append(entries, added)
			if firstCode+len(entries) > maxCode {
				entries = entries[:0]
			}
		}
		current = entry
	}
	return bw.Flush()
}

// readCode returns io.EOF only on a clean code boundary. A trailing lone
// escape byte is read as the literal 0xFF.
func readCode(br *bufio.Reader) (int, error) {
	b, err := br.ReadByte()
	if err != nil {
		return 0, err
	}
	if b != escapeByte {
		return int(b), nil
	}
	o, err := br.ReadByte()
	if errors.Is(err, io.EOF) {
		return escapeByte, nil
	}
	if err != nil {
		return 0, err
	}
	if o == escapeByte {
		return escapeByte, nil
	}
	return firstCode + int(o), nil
}

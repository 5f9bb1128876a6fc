package codec

import "io"

const deltaBlockSize = 32 * 1024

// deltaStage stores the first byte verbatim and every following byte as the
// wrapping difference from its predecessor.
type deltaStage struct{}

func (deltaStage) Name() string { return "delta" }

func (deltaStage) Encode(w io.Writer, r io.Reader) error {
	var prev byte
	return transformBlocks(w, r, func(block []byte) {
		for i, b := range block {
			block[i] = b - prev
			prev = b
		}
	})
}

func (deltaStage) Decode(w io.Writer, r io.Reader) error {
	var acc byte
	return transformBlocks(w, r, func(block []byte) {
		for i, d := range block {
			acc += d
			block[i] = acc
		}
	})
}

func transformBlocks(w io.Writer, r io.Reader, fn func([]byte)) error {
	buf := make([]byte, deltaBlockSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			fn(buf[:n])
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

package codec

import (
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
)

type gzipStage struct {
	level   int
	writers sync.Pool
	readers sync.Pool
}

func newGzipStage(level int) *gzipStage {
	s := &gzipStage{level: level}
	s.writers.New = func() any {
		zw, _ := gzip.NewWriterLevel(io.Discard, level)
		return zw
	}
	s.readers.New = func() any {
		return new(gzip.Reader)
	}
	return s
}

func (s *gzipStage) Name() string { return "gzip" }

func (s *gzipStage) Encode(w io.Writer, r io.Reader) error {
	zw := s.writers.Get().(*gzip.Writer)
	defer s.writers.Put(zw)
	zw.Reset(w)

	if _, err := io.Copy(zw, r); err != nil {
		return err
	}
	return zw.Close()
}

func (s *gzipStage) Decode(w io.Writer, r io.Reader) error {
	zr := s.readers.Get().(*gzip.Reader)
	defer s.readers.Put(zr)

	if err := zr.Reset(r); err != nil {
		return err
	}
	if _, err := io.Copy(w, zr); err != nil {
		return err
	}
	return zr.Close()
}


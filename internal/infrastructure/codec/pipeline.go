package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// DefaultStreamThreshold is the input size above which stages are chained
// through pipes instead of intermediate buffers.
const DefaultStreamThreshold = 4 * 1024 * 1024

var (
	ErrPipelineClosed = errors.New("codec pipeline closed")
	ErrCorruptStream  = errors.New("corrupt compressed stream")
	ErrOutputLimit    = errors.New("decoded data exceeds limit")
)

// Stage is one reversible transformation of the pipeline.
type Stage interface {
	Name() string
	Encode(w io.Writer, r io.Reader) error
	Decode(w io.Writer, r io.Reader) error
}

type Options struct {
	// CompressionLevel is the transfer level (5..20), mapped onto gzip 1..9.
	CompressionLevel int
	StreamThreshold  int
}

// Pipeline runs gzip, dictionary substitution and delta encoding in that
// order on compress and in reverse on decompress. Safe for concurrent use.
type Pipeline struct {
	stages          []Stage
	streamThreshold int
	closed          atomic.Bool
}

func NewPipeline(opts Options) *Pipeline {
	threshold := opts.StreamThreshold
	if threshold <= 0 {
		threshold = DefaultStreamThreshold
	}
	return &Pipeline{
		stages: []Stage{
			newGzipStage(GzipLevel(opts.CompressionLevel)),
			dictionaryStage{},
			deltaStage{},
		},
		streamThreshold: threshold,
	}
}

// GzipLevel maps a transfer compression level onto gzip's 1..9 range.
func GzipLevel(level int) int {
	l := (level*9 + 19) / 20
	if l < 1 {
		return 1
	}
	if l > 9 {
		return 9
	}
	return l
}

func (p *Pipeline) Compress(data []byte) ([]byte, error) {
	if p.closed.Load() {
		return nil, ErrPipelineClosed
	}
	if len(data) > p.streamThreshold {
		var out bytes.Buffer
		if err := p.CompressStream(&out, bytes.NewReader(data)); err != nil {
			return nil, err
		}
		return out.Bytes(), nil
	}

	cur := data
	for _, s := range p.stages {
		var buf bytes.Buffer
		if err := s.Encode(&buf, bytes.NewReader(cur)); err != nil {
			return nil, fmt.Errorf("%s encode: %w", s.Name(), err)
		}
		cur = buf.Bytes()
	}
	return cur, nil
}

func (p *Pipeline) Decompress(data []byte) ([]byte, error) {
	if p.closed.Load() {
		return nil, ErrPipelineClosed
	}
	if len(data) > p.streamThreshold {
		var out bytes.Buffer
		if err := p.DecompressStream(&out, bytes.NewReader(data)); err != nil {
			return nil, err
		}
		return out.Bytes(), nil
	}

	cur := data
	for i := len(p.stages) - 1; i >= 0; i-- {
		s := p.stages[i]
		var buf bytes.Buffer
		if err := s.Decode(&buf, bytes.NewReader(cur)); err != nil {
			return nil, fmt.Errorf("%s decode: %w", s.Name(), err)
		}
		cur = buf.Bytes()
	}
	return cur, nil
}

// DecompressLimit decodes data that must not expand past limit bytes.
// Decoding stops with ErrOutputLimit as soon as any stage would exceed its
// bound, so memory stays proportional to limit whatever the input claims.
func (p *Pipeline) DecompressLimit(data []byte, limit int) ([]byte, error) {
	if p.closed.Load() {
		return nil, ErrPipelineClosed
	}
	if limit < 0 {
		limit = 0
	}

	cur := data
	for i := len(p.stages) - 1; i >= 0; i-- {
		s := p.stages[i]
		bound := limit
		if i > 0 {
			// Intermediate output is gzip data of at most limit bytes.
			bound = limit + limit/64 + 256
		}
		var buf bytes.Buffer
		if err := s.Decode(&limitWriter{w: &buf, n: bound}, bytes.NewReader(cur)); err != nil {
			return nil, fmt.Errorf("%s decode: %w", s.Name(), err)
		}
		cur = buf.Bytes()
	}
	return cur, nil
}

type limitWriter struct {
	w io.Writer
	n int
}

func (l *limitWriter) Write(b []byte) (int, error) {
	if len(b) > l.n {
		return 0, ErrOutputLimit
	}
	l.n -= len(b)
	return l.w.Write(b)
}

// CompressStream encodes r into w with every stage running concurrently.
func (p *Pipeline) CompressStream(w io.Writer, r io.Reader) error {
	if p.closed.Load() {
		return ErrPipelineClosed
	}
	steps := make([]func(io.Writer, io.Reader) error, len(p.stages))
	for i, s := range p.stages {
		s := s
		steps[i] = func(w io.Writer, r io.Reader) error {
			if err := s.Encode(w, r); err != nil {
				return fmt.Errorf("%s encode: %w", s.Name(), err)
			}
			return nil
		}
	}
	return chain(w, r, steps)
}

// DecompressStream is the inverse of CompressStream.
func (p *Pipeline) DecompressStream(w io.Writer, r io.Reader) error {
	if p.closed.Load() {
		return ErrPipelineClosed
	}
	steps := make([]func(io.Writer, io.Reader) error, 0, len(p.stages))
	for i := len(p.stages) - 1; i >= 0; i-- {
		s := p.stages[i]
		steps = append(steps, func(w io.Writer, r io.Reader) error {
			if err := s.Decode(w, r); err != nil {
				return fmt.Errorf("%s decode: %w", s.Name(), err)
			}
			return nil
		})
	}
	return chain(w, r, steps)
}

// chain connects steps with io.Pipe so that each runs in its own goroutine
// and only the last one writes to w.
func chain(w io.Writer, r io.Reader, steps []func(io.Writer, io.Reader) error) error {
	var g errgroup.Group
	readers := make([]*io.PipeReader, 0, len(steps)-1)

	src := r
	for _, step := range steps[:len(steps)-1] {
		pr, pw := io.Pipe()
		in, step := src, step
		g.Go(func() error {
			err := step(pw, in)
			pw.CloseWithError(err)
			return err
		})
		readers = append(readers, pr)
		src = pr
	}

	lastErr := steps[len(steps)-1](w, src)
	// Unblock upstream writers if the last step stopped early.
	for _, pr := range readers {
		pr.CloseWithError(io.ErrClosedPipe)
	}
	if err := g.Wait(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		return err
	}
	return lastErr
}

// Close ends the pipeline's lifetime. Further calls fail with ErrPipelineClosed.
func (p *Pipeline) Close() error {
	p.closed.Store(true)
	return nil
}

package codec

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func patterned(n int, seed int64) []byte {
	rng := rand.New(rand.NewSource(seed))
	words := [][]byte{
		[]byte("speedshare "), []byte("chunk "), []byte("channel "),
		{0xFF, 0xFF, 0x00}, []byte("0123456789"), {0xFE, 0xFF},
	}
	out := make([]byte, 0, n)
	for len(out) < n {
		if rng.Intn(4) == 0 {
			out = append(out, byte(rng.Intn(256)))
			continue
		}
		out = append(out, words[rng.Intn(len(words))]...)
	}
	return out[:n]
}

func TestPipeline_RoundTrip(t *testing.T) {
	random := make([]byte, 256*1024)
	rand.New(rand.NewSource(7)).Read(random)

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"single byte", []byte{0x42}},
		{"single 0xFF", []byte{0xFF}},
		{"all 0xFF", bytes.Repeat([]byte{0xFF}, 4096)},
		{"text", bytes.Repeat([]byte("the quick brown fox "), 500)},
		{"patterned", patterned(512*1024, 1)},
		{"random", random},
	}

	for _, level := range []int{5, 10, 15, 20} {
		p := NewPipeline(Options{CompressionLevel: level})
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				compressed, err := p.Compress(tt.data)
				require.NoError(t, err)

				out, err := p.Decompress(compressed)
				require.NoError(t, err)
				assert.True(t, bytes.Equal(tt.data, out), "level %d", level)
			})
		}
		require.NoError(t, p.Close())
	}
}

func TestPipeline_LargeInputUsesStreaming(t *testing.T) {
	data := patterned(17*1024*1024, 3)

	p := NewPipeline(Options{CompressionLevel: 5})
	defer p.Close()

	compressed, err := p.Compress(data)
	require.NoError(t, err)
	assert.Less(t, len(compressed), len(data))

	out, err := p.Decompress(compressed)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, out))
}

func TestPipeline_StreamMatchesBuffered(t *testing.T) {
	data := patterned(64*1024, 5)

	buffered := NewPipeline(Options{CompressionLevel: 10})
	streamed := NewPipeline(Options{CompressionLevel: 10, StreamThreshold: 1})
	defer buffered.Close()
	defer streamed.Close()

	a, err := buffered.Compress(data)
	require.NoError(t, err)
	b, err := streamed.Compress(data)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	var out bytes.Buffer
	require.NoError(t, streamed.DecompressStream(&out, bytes.NewReader(b)))
	assert.True(t, bytes.Equal(data, out.Bytes()))
}

func TestPipeline_ConcurrentUse(t *testing.T) {
	p := NewPipeline(Options{CompressionLevel: 15})
	defer p.Close()

	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func(seed int64) {
			data := patterned(32*1024, seed)
			c, err := p.Compress(data)
			if err == nil {
				var out []byte
				out, err = p.Decompress(c)
				if err == nil && !bytes.Equal(data, out) {
					err = ErrCorruptStream
				}
			}
			errs <- err
		}(int64(i))
	}
	for i := 0; i < 8; i++ {
		assert.NoError(t, <-errs)
	}
}

func TestPipeline_Closed(t *testing.T) {
	p := NewPipeline(Options{CompressionLevel: 10})
	require.NoError(t, p.Close())

	_, err := p.Compress([]byte("x"))
	assert.ErrorIs(t, err, ErrPipelineClosed)
	_, err = p.Decompress([]byte("x"))
	assert.ErrorIs(t, err, ErrPipelineClosed)
}

func TestPipeline_DecompressGarbage(t *testing.T) {
	p := NewPipeline(Options{CompressionLevel: 10})
	defer p.Close()

	_, err := p.Decompress([]byte("definitely not gzip"))
	assert.Error(t, err)

	_, err = p.Decompress(nil)
	assert.Error(t, err)
}

func TestGzipLevel(t *testing.T) {
	tests := []struct {
		level, want int
	}{
		{0, 1}, {1, 1}, {5, 3}, {10, 5}, {15, 7}, {20, 9}, {40, 9},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, GzipLevel(tt.level), "level %d", tt.level)
	}
}

func TestPipeline_DecompressLimit(t *testing.T) {
	p := NewPipeline(Options{CompressionLevel: 20})
	defer p.Close()

	zeros := make([]byte, 16*1024*1024)
	compressed, err := p.Compress(zeros)
	require.NoError(t, err)
	require.Less(t, len(compressed), 64*1024)

	_, err = p.DecompressLimit(compressed, 64*1024)
	assert.ErrorIs(t, err, ErrOutputLimit)

	out, err := p.DecompressLimit(compressed, len(zeros))
	require.NoError(t, err)
	assert.Len(t, out, len(zeros))

	text := bytes.Repeat([]byte("bounded "), 1000)
	compressed, err = p.Compress(text)
	require.NoError(t, err)
	out, err = p.DecompressLimit(compressed, len(text))
	require.NoError(t, err)
	assert.Equal(t, text, out)

	_, err = p.DecompressLimit(compressed, len(text)-1)
	assert.ErrorIs(t, err, ErrOutputLimit)

	empty, err := p.Compress(nil)
	require.NoError(t, err)
	out, err = p.DecompressLimit(empty, 0)
	require.NoError(t, err)
	assert.Empty(t, out)
}

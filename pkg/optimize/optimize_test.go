package optimize

import (
	"testing"
)

func TestBytePool(t *testing.T) {
	pool := NewBytePool(1024)

	buf := pool.Get()
	if len(buf) != 1024 {
		t.Errorf("expected buffer size 1024, got %d", len(buf))
	}

	// A sliced buffer comes back at full size.
	pool.Put(buf[:10])

	buf2 := pool.Get()
	if len(buf2) != 1024 {
		t.Errorf("expected buffer size 1024, got %d", len(buf2))
	}
}

func TestBytePool_DropsSmallBuffers(t *testing.T) {
	pool := NewBytePool(64)
	pool.Put(make([]byte, 8))

	for i := 0; i < 4; i++ {
		if got := len(pool.Get()); got != 64 {
			t.Fatalf("expected buffer size 64, got %d", got)
		}
	}
}

package bufpool

import "testing"

func TestPool_GetPut(t *testing.T) {
	pool := New(4096)

	buf := pool.Get()
	if len(buf) != 4096 {
		t.Fatalf("expected length 4096, got %d", len(buf))
	}
	pool.Put(buf)

	again := pool.Get()
	if len(again) != 4096 {
		t.Fatalf("expected length 4096 on reuse, got %d", len(again))
	}
	if pool.Size() != 4096 {
		t.Fatalf("expected size 4096, got %d", pool.Size())
	}
}

func TestPool_SlicedBufferRegainsCapacity(t *testing.T) {
	pool := New(1024)

	buf := pool.Get()
	pool.Put(buf[:10])

	again := pool.Get()
	if len(again) != 1024 {
		t.Fatalf("expected full-length buffer after sliced Put, got %d", len(again))
	}
}

func TestPool_DropsUndersizedBuffers(t *testing.T) {
	pool := New(4096)
	pool.Put(make([]byte, 128))

	buf := pool.Get()
	if len(buf) != 4096 {
		t.Fatalf("expected length 4096, got %d", len(buf))
	}
}

func TestPool_PanicsOnBadSize(t *testing.T) {
	for _, size := range []int{0, -1} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("expected panic for size %d", size)
				}
			}()
			New(size)
		}()
	}
}

package framebuf

import (
	"bytes"
	"sync"
	"testing"
	"time"
)

func TestFreshestWinsEviction(t *testing.T) {
	t.Parallel()
	b := New(2)

	for i := byte(1); i <= 5; i++ {
		b.Push([]byte{i})
	}

	// Only the most recent capacity units survive, oldest-first.
	u1, ok1 := b.Pop(0)
	u2, ok2 := b.Pop(0)
	if !ok1 || !ok2 {
		t.Fatal("expected two buffered units")
	}
	if !bytes.Equal(u1, []byte{4}) || !bytes.Equal(u2, []byte{5}) {
		t.Errorf("drained %x then %x, want 04 then 05", u1, u2)
	}
	if _, ok := b.Pop(0); ok {
		t.Error("buffer should be empty after draining")
	}
}

func TestPopTimeoutIsBounded(t *testing.T) {
	t.Parallel()
	b := New(1)

	start := time.Now()
	_, ok := b.Pop(50 * time.Millisecond)
	elapsed := time.Since(start)

	if ok {
		t.Error("Pop on empty buffer should report not-ok")
	}
	if elapsed < 40*time.Millisecond {
		t.Errorf("Pop returned too early: %v", elapsed)
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("Pop blocked far past its timeout: %v", elapsed)
	}
}

func TestPopSeesLatePush(t *testing.T) {
	t.Parallel()
	b := New(1)

	go func() {
		time.Sleep(20 * time.Millisecond)
		b.Push([]byte{0xAB})
	}()

	unit, ok := b.Pop(time.Second)
	if !ok {
		t.Fatal("Pop should have received the pushed unit")
	}
	if !bytes.Equal(unit, []byte{0xAB}) {
		t.Errorf("got %x", unit)
	}
}

func TestClear(t *testing.T) {
	t.Parallel()
	b := New(2)
	b.Push([]byte{1})
	b.Push([]byte{2})

	b.Clear()
	if b.Len() != 0 {
		t.Errorf("Len after Clear: got %d, want 0", b.Len())
	}
	if _, ok := b.Pop(0); ok {
		t.Error("Pop after Clear should find nothing")
	}
}

// TestConcurrentPushPop hammers the buffer from a producer and two
// consumers, asserting no unit is delivered twice and delivery order is
// non-decreasing per the production order.
func TestConcurrentPushPop(t *testing.T) {
	t.Parallel()
	b := New(2)

	const total = 1000
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < total; i++ {
			b.Push([]byte{byte(i >> 8), byte(i)})
		}
	}()

	var mu sync.Mutex
	seen := make(map[int]int)

	var wg sync.WaitGroup
	for c := 0; c < 2; c++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				unit, ok := b.Pop(100 * time.Millisecond)
				if !ok {
					select {
					case <-done:
						return
					default:
						continue
					}
				}
				id := int(unit[0])<<8 | int(unit[1])
				mu.Lock()
				seen[id]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	for id, count := range seen {
		if count > 1 {
			t.Errorf("unit %d delivered %d times", id, count)
		}
	}
	if len(seen) == 0 {
		t.Error("consumers saw no units")
	}
}

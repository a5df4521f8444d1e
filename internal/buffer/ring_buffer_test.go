package buffer

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func frames(rb *RingBuffer) []string {
	var out []string
	for _, f := range rb.Snapshot() {
		out = append(out, string(f))
	}
	return out
}

func TestNewRingBuffer(t *testing.T) {
	rb := NewRingBuffer(100)
	if rb.Cap() != 100 {
		t.Errorf("expected capacity 100, got %d", rb.Cap())
	}
	if rb.Len() != 0 {
		t.Errorf("expected length 0, got %d", rb.Len())
	}

	for _, c := range []int{0, -5} {
		if got := NewRingBuffer(c).Cap(); got != 1 {
			t.Errorf("capacity %d: expected 1, got %d", c, got)
		}
	}
}

func TestRingBuffer_PushAndEvict(t *testing.T) {
	rb := NewRingBuffer(3)
	for _, f := range []string{"a", "b", "c"} {
		rb.Push([]byte(f))
	}
	if got := fmt.Sprint(frames(rb)); got != "[a b c]" {
		t.Fatalf("expected [a b c], got %s", got)
	}

	rb.Push([]byte("d"))
	rb.Push([]byte("e"))
	if got := fmt.Sprint(frames(rb)); got != "[c d e]" {
		t.Errorf("expected [c d e], got %s", got)
	}
	if rb.Len() != 3 {
		t.Errorf("expected length 3, got %d", rb.Len())
	}
}

func TestRingBuffer_PushEmpty(t *testing.T) {
	rb := NewRingBuffer(2)
	rb.Push([]byte("x"))
	rb.Push(nil)
	rb.Push([]byte{})

	if rb.Len() != 1 {
		t.Errorf("empty frames must be ignored, len=%d", rb.Len())
	}
}

func TestRingBuffer_PushCopies(t *testing.T) {
	rb := NewRingBuffer(2)
	in := []byte("test")
	rb.Push(in)
	in[0] = 'X'

	if got := string(rb.Snapshot()[0]); got != "test" {
		t.Errorf("Push should copy its input, got %q", got)
	}
}

func TestRingBuffer_Clear(t *testing.T) {
	rb := NewRingBuffer(4)
	rb.Push([]byte("hello"))
	rb.Clear()

	if rb.Len() != 0 || rb.Snapshot() != nil {
		t.Errorf("expected empty buffer after clear")
	}

	rb.Push([]byte("world"))
	if got := fmt.Sprint(frames(rb)); got != "[world]" {
		t.Errorf("expected [world], got %s", got)
	}
}

// The ring always holds the last min(n, capacity) frames in push order.
func TestRingBuffer_KeepsNewestProperty(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("snapshot equals the newest frames", prop.ForAll(
		func(capacity int, n int) bool {
			rb := NewRingBuffer(capacity)
			var pushed []string
			for i := 0; i < n; i++ {
				f := fmt.Sprintf("f%d", i)
				pushed = append(pushed, f)
				rb.Push([]byte(f))
			}

			want := pushed
			if len(want) > capacity {
				want = want[len(want)-capacity:]
			}
			return fmt.Sprint(frames(rb)) == fmt.Sprint(want) && rb.Len() == len(want)
		},
		gen.IntRange(1, 16),
		gen.IntRange(0, 64),
	))

	properties.TestingRun(t)
}

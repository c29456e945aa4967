package queue

import (
	"sync"
	"testing"
)

func TestQueue_FIFO(t *testing.T) {
	q := New[int]()
	for i := 1; i <= 3; i++ {
		q.Push(i)
	}

	if q.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", q.Len())
	}
	for want := 1; want <= 3; want++ {
		got, ok := q.Pop()
		if !ok || got != want {
			t.Errorf("Pop() = %d, %v, want %d, true", got, ok, want)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Error("Pop() on empty queue should return false")
	}
}

func TestQueue_Clear(t *testing.T) {
	q := New[string]()
	q.Push("a")
	q.Push("b")

	if n := q.Clear(); n != 2 {
		t.Errorf("Clear() = %d, want 2", n)
	}
	if q.Len() != 0 {
		t.Errorf("Len() after Clear = %d, want 0", q.Len())
	}
	if n := q.Clear(); n != 0 {
		t.Errorf("Clear() on empty queue = %d, want 0", n)
	}
}

func TestQueue_ItemsIsCopy(t *testing.T) {
	q := New[int]()
	q.Push(1)
	items := q.Items()
	items[0] = 42

	if v, _ := q.Pop(); v != 1 {
		t.Errorf("Pop() = %d, want 1 (Items must return a copy)", v)
	}
}

func TestQueue_Ready(t *testing.T) {
	q := New[int]()

	select {
	case <-q.Ready():
		t.Fatal("Ready signalled before Push")
	default:
	}

	q.Push(1)
	q.Push(2) // coalesced into the pending signal

	select {
	case <-q.Ready():
	default:
		t.Fatal("Ready not signalled after Push")
	}
	select {
	case <-q.Ready():
		t.Fatal("Ready signalled twice for coalesced pushes")
	default:
	}
}

func TestQueue_Concurrent(t *testing.T) {
	q := New[int]()
	const producers, perProducer = 8, 500

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				q.Push(i)
			}
		}()
	}
	wg.Wait()

	count := 0
	for {
		if _, ok := q.Pop(); !ok {
			break
		}
		count++
	}
	if count != producers*perProducer {
		t.Errorf("popped %d items, want %d", count, producers*perProducer)
	}
}

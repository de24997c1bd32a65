package dispatch

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestQueueRunsInOrder(t *testing.T) {
	q := NewQueue(zap.NewNop())

	var mu sync.Mutex
	var got []int
	for i := 0; i < 100; i++ {
		n := i
		q.Post(func() {
			mu.Lock()
			got = append(got, n)
			mu.Unlock()
		})
	}
	q.Wait()

	if len(got) != 100 {
		t.Fatalf("expect 100 tasks, got %d", len(got))
	}
	for i, n := range got {
		if n != i {
			t.Fatalf("task %d ran at position %d", n, i)
		}
	}
}

func TestQueueSurvivesPanic(t *testing.T) {
	q := NewQueue(zap.NewNop())

	ran := make(chan struct{})
	q.Post(func() { panic("handler bug") })
	q.Post(func() { close(ran) })

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("task after a panicking task never ran")
	}
}

func TestQueueDoesNotBlockPoster(t *testing.T) {
	q := NewQueue(zap.NewNop())

	release := make(chan struct{})
	started := make(chan struct{})
	q.Post(func() {
		close(started)
		<-release
	})
	<-started

	done := make(chan struct{})
	go func() {
		// Posting behind a blocked task must return immediately
		for i := 0; i < 10; i++ {
			q.Post(func() {})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Post blocked behind a running task")
	}
	if q.Len() != 10 {
		t.Fatalf("expect 10 queued tasks, got %d", q.Len())
	}
	close(release)
	q.Wait()
	if q.Len() != 0 {
		t.Fatalf("expect empty queue after Wait, got %d", q.Len())
	}
}

func TestQueueReentrantPost(t *testing.T) {
	q := NewQueue(zap.NewNop())

	done := make(chan struct{})
	q.Post(func() {
		// A task may post follow-up work to its own queue
		q.Post(func() { close(done) })
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("re-entrant post never ran")
	}
}

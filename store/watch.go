package store

import (
	"context"
	"sync"
)

// jobWatch fans job events out to in-process watchers. Shared by the
// memory and leveldb backends; etcd uses its native watch instead.
type jobWatch struct {
	mu       sync.Mutex
	watchers map[int]chan JobEvent
	nextID   int
}

func newJobWatch() *jobWatch {
	return &jobWatch{watchers: make(map[int]chan JobEvent)}
}

func (w *jobWatch) watch(ctx context.Context) <-chan JobEvent {
	w.mu.Lock()
	w.nextID++
	id := w.nextID
	ch := make(chan JobEvent, 16)
	w.watchers[id] = ch
	w.mu.Unlock()

	go func() {
		<-ctx.Done()
		w.mu.Lock()
		delete(w.watchers, id)
		w.mu.Unlock()
		close(ch)
	}()
	return ch
}

// notify delivers to every watcher, dropping events for watchers whose
// buffers are full rather than blocking the write path.
func (w *jobWatch) notify(ev JobEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ch := range w.watchers {
		select {
		case ch <- ev:
		default:
		}
	}
}

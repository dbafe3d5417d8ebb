package kvs

import (
	"context"
	"errors"
	"sync"
)

// ErrWorkerClosed is returned for requests made after the worker was closed
var ErrWorkerClosed = errors.New("worker is closed")

type request struct {
	fn   func(*KeyValueStore)
	done chan struct{}
}

// Worker owns a store and runs every operation on it from one goroutine,
// so the store can be shared by concurrent callers.
//
// A request whose context ends before the worker picks it up fails with the
// context's error. Once picked up, a request runs to completion.
type Worker struct {
	kvs      *KeyValueStore
	requests chan request
	done     chan struct{}

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewWorker starts a worker for kvs. The caller must not use kvs directly
// until the worker is closed.
func NewWorker(kvs *KeyValueStore) *Worker {
	w := &Worker{
		kvs:      kvs,
		requests: make(chan request),
		done:     make(chan struct{}),
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.loop()
	}()
	return w
}

func (w *Worker) loop() {
	for {
		select {
		case req := <-w.requests:
			req.fn(w.kvs)
			close(req.done)
		case <-w.done:
			return
		}
	}
}

// Do runs fn on the worker goroutine and returns its error
func (w *Worker) Do(ctx context.Context, fn func(kvs *KeyValueStore) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var err error
	req := request{
		fn:   func(kvs *KeyValueStore) { err = fn(kvs) },
		done: make(chan struct{}),
	}

	select {
	case w.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-w.done:
		return ErrWorkerClosed
	}

	<-req.done
	return err
}

// Get returns a copy of the value of key
func (w *Worker) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := w.Do(ctx, func(kvs *KeyValueStore) error {
		var err error
		value, err = kvs.GetValue(key)
		return err
	})
	return value, err
}

// Put stores value under key
func (w *Worker) Put(ctx context.Context, key string, value []byte) error {
	return w.Do(ctx, func(kvs *KeyValueStore) error {
		return kvs.Put(key, value)
	})
}

// Delete removes key
func (w *Worker) Delete(ctx context.Context, key string) error {
	return w.Do(ctx, func(kvs *KeyValueStore) error {
		return kvs.Delete(key)
	})
}

// Maintenance runs full maintenance, or heavy maintenance if heavy is set
func (w *Worker) Maintenance(ctx context.Context, heavy bool) error {
	return w.Do(ctx, func(kvs *KeyValueStore) error {
		if heavy {
			return kvs.HeavyMaintenance()
		}
		return kvs.FullMaintenance()
	})
}

// Stats returns the storage stats of the store
func (w *Worker) Stats(ctx context.Context) (StorageStats, error) {
	var s StorageStats
	err := w.Do(ctx, func(kvs *KeyValueStore) error {
		s = kvs.GetStorageStats()
		return nil
	})
	return s, err
}

// Scan calls fn with every key and value until fn returns false
func (w *Worker) Scan(ctx context.Context, fn func(key, value []byte) bool) error {
	return w.Do(ctx, func(kvs *KeyValueStore) error {
		it := kvs.Items()
		for it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			value := it.Value()
			if value == nil && it.ValueSize() > 0 {
				continue
			}
			if !fn(it.Key(), value) {
				break
			}
		}
		return it.Err()
	})
}

// Close stops the worker once pending requests have finished
func (w *Worker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	close(w.done)
	w.wg.Wait()
	return nil
}

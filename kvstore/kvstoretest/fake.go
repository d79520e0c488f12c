// Package kvstoretest provides a hand-rolled in-memory kvstore.Backend for
// exercising the coordinator and its retry logic without a real etcd or
// Consul cluster.
package kvstoretest

import (
	"context"
	"sync"

	"github.com/InfiCell/clearwater-etcd/kvstore"
)

// ErrClosed is returned by a blocked Watch when Close is called directly,
// as opposed to the caller's own ctx being cancelled.
var ErrClosed = fakeErr("kvstoretest: backend closed")

type entry struct {
	value   []byte
	version kvstore.Version
}

// Fake is a single-key-space, in-process kvstore.Backend. It supports
// concurrent callers and cooperative cancellation via ctx, and can be told
// to fail the next N operations with a transient error (FailNext), to
// fail the next N writes with contention (FailNextCAS), or to simulate an
// outage and recovery (Close/Reopen) - the fault-injection surface §8's
// S5 and S6 seed scenarios exercise.
type Fake struct {
	mu          sync.Mutex
	data        map[string]entry
	cond        *sync.Cond
	failNext    int
	failNextCAS int
	closed      bool
}

func New() *Fake {
	f := &Fake{data: make(map[string]entry)}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// FailNext makes the next n backend operations return a TransientError.
func (f *Fake) FailNext(n int) {
	f.mu.Lock()
	f.failNext = n
	f.mu.Unlock()
}

// FailNextCAS makes the next n Write/Delete calls return kvstore.ErrContended
// regardless of the caller's cas value, simulating a peer winning n
// consecutive compare-and-swap races against this node.
func (f *Fake) FailNextCAS(n int) {
	f.mu.Lock()
	f.failNextCAS = n
	f.mu.Unlock()
}

// Close simulates an outage: it wakes any blocked Watch calls, and while
// closed a Watch that would otherwise block returns ErrClosed instead. A
// Watch whose key is already past sinceVersion, and Read/Write/Delete, are
// not affected.
func (f *Fake) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.cond.Broadcast()
}

// Reopen clears a prior Close, so Watch blocks normally again instead of
// returning ErrClosed - simulates a backend outage recovering.
func (f *Fake) Reopen() {
	f.mu.Lock()
	f.closed = false
	f.mu.Unlock()
	f.cond.Broadcast()
}

func (f *Fake) maybeFailCAS() error {
	if f.failNextCAS > 0 {
		f.failNextCAS--
		return kvstore.ErrContended
	}
	return nil
}

func (f *Fake) maybeFail() error {
	if f.failNext > 0 {
		f.failNext--
		return &kvstore.TransientError{Cause: errTransient}
	}
	return nil
}

func (f *Fake) Read(_ context.Context, key string) (kvstore.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.maybeFail(); err != nil {
		return kvstore.Record{}, err
	}
	e, ok := f.data[key]
	if !ok {
		return kvstore.Record{}, kvstore.ErrKeyMissing
	}
	return kvstore.Record{Value: e.value, Version: e.version}, nil
}

func (f *Fake) Watch(ctx context.Context, key string, sinceVersion kvstore.Version) (kvstore.Record, error) {
	// Wake the condvar when ctx is cancelled, so a blocked Wait() always
	// gets a chance to re-check ctx.Err(). The goroutine exits as soon as
	// either ctx is done or this call returns.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			f.cond.Broadcast()
		case <-done:
		}
	}()

	f.mu.Lock()
	defer f.mu.Unlock()
	for {
		if err := f.maybeFail(); err != nil {
			return kvstore.Record{}, err
		}
		e, ok := f.data[key]
		if !ok {
			return kvstore.Record{}, kvstore.ErrKeyMissing
		}
		if e.version > sinceVersion {
			return kvstore.Record{Value: e.value, Version: e.version}, nil
		}
		if ctx.Err() != nil {
			return kvstore.Record{}, ctx.Err()
		}
		if f.closed {
			return kvstore.Record{}, ErrClosed
		}
		f.cond.Wait()
	}
}

func (f *Fake) Write(_ context.Context, key string, value []byte, cas kvstore.Version) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.maybeFail(); err != nil {
		return err
	}
	if err := f.maybeFailCAS(); err != nil {
		return err
	}
	e, exists := f.data[key]
	if cas == 0 {
		if exists {
			return kvstore.ErrContended
		}
	} else if !exists || e.version != cas {
		return kvstore.ErrContended
	}
	next := e.version + 1
	f.data[key] = entry{value: append([]byte(nil), value...), version: next}
	f.cond.Broadcast()
	return nil
}

func (f *Fake) Delete(_ context.Context, key string, cas kvstore.Version) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.maybeFail(); err != nil {
		return err
	}
	if err := f.maybeFailCAS(); err != nil {
		return err
	}
	e, exists := f.data[key]
	if !exists || e.version != cas {
		return kvstore.ErrContended
	}
	delete(f.data, key)
	f.cond.Broadcast()
	return nil
}

var errTransient = fakeErr("injected transient failure")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

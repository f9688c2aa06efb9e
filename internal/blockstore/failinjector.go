package blockstore

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrInjected is returned by a FailInjector once its configured call
// count has been reached.
var ErrInjected = errors.New("blockstore: injected failure")

// FailInjector wraps a Store and fails the Nth WriteBlock call (1
// indexed), leaving the underlying store untouched by that call. It
// exists to simulate a crash between the commit protocol's block
// writes and the superblock pointer swap, exercising crash-atomicity
// without real process termination.
type FailInjector struct {
	Store
	failOn  int64
	calls   int64
	Fired   atomic.Bool
}

// NewFailInjector wraps store so that its failOn'th WriteBlock call
// (counting from 1) fails instead of writing.
func NewFailInjector(store Store, failOn int) *FailInjector {
	return &FailInjector{Store: store, failOn: int64(failOn)}
}

func (f *FailInjector) WriteBlock(ctx context.Context, id ID, data []byte) error {
	n := atomic.AddInt64(&f.calls, 1)
	if n == f.failOn {
		f.Fired.Store(true)
		return ErrInjected
	}
	return f.Store.WriteBlock(ctx, id, data)
}

package tools

import (
	"context"
	"fmt"
)

// flight is one shared model definition read and the callers waiting on it.
// Its context is cancelled when the last waiter leaves.
type flight struct {
	key     string
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

// join returns the flight for path, starting one if none is live. The
// shared context keeps ctx's values but not its deadline or cancellation.
// Every join must be paired with a leave.
func (d *Dispatcher) join(ctx context.Context, path string) *flight {
	d.mu.Lock()
	defer d.mu.Unlock()

	f, ok := d.flights[path]
	if !ok {
		d.gen++
		sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		// A fresh key per flight keeps a new caller from joining a
		// singleflight call that is already being cancelled.
		f = &flight{key: fmt.Sprintf("%s#%d", path, d.gen), ctx: sctx, cancel: cancel}
		d.flights[path] = f
	}
	f.waiters++
	return f
}

func (d *Dispatcher) leave(path string, f *flight) {
	d.mu.Lock()
	defer d.mu.Unlock()

	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if d.flights[path] == f {
		delete(d.flights, path)
	}
}

// Copyright 2025 Nonvolatile Inc. d/b/a Confident Security

// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at

//     https://www.apache.org/licenses/LICENSE-2.0

// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pay

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
)

// ErrShuttingDown indicates a payment was force-resumed by shutdown.
var ErrShuttingDown = errors.New("merchant is shutting down")

// Registry tracks every in-flight payment so shutdown can force-resume all
// of them, and hosts the wake-up channels for requests long-polling on a
// contract's payment status.
type Registry struct {
	mu       sync.Mutex
	nextID   uint64
	inflight map[uint64]context.CancelCauseFunc
	waiters  map[string][]chan struct{}
	down     bool
}

func NewRegistry() *Registry {
	return &Registry{
		inflight: make(map[uint64]context.CancelCauseFunc),
		waiters:  make(map[string][]chan struct{}),
	}
}

// enter registers an in-flight payment. The returned context is canceled by
// Shutdown; the release func must be called when the payment resolves.
func (r *Registry) enter(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.down {
		cancel(ErrShuttingDown)
		return ctx, func() {}
	}

	id := r.nextID
	r.nextID++
	r.inflight[id] = cancel

	return ctx, func() {
		r.mu.Lock()
		delete(r.inflight, id)
		r.mu.Unlock()
		cancel(nil)
	}
}

// Shutdown force-resumes every suspended payment. Payments entering
// afterwards are canceled immediately.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.down = true
	for id, cancel := range r.inflight {
		cancel(ErrShuttingDown)
		delete(r.inflight, id)
	}
}

// Inflight returns the number of currently suspended payments.
func (r *Registry) Inflight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}

// NotifyPaid wakes every request long-polling for this contract.
func (r *Registry) NotifyPaid(hContract []byte) {
	key := hex.EncodeToString(hContract)

	r.mu.Lock()
	waiters := r.waiters[key]
	delete(r.waiters, key)
	r.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
}

// WaitPaid blocks until the contract is paid or ctx is done.
func (r *Registry) WaitPaid(ctx context.Context, hContract []byte) error {
	key := hex.EncodeToString(hContract)

	ch := make(chan struct{})
	r.mu.Lock()
	r.waiters[key] = append(r.waiters[key], ch)
	r.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		r.mu.Lock()
		chans := r.waiters[key]
		for i, c := range chans {
			if c == ch {
				r.waiters[key] = append(chans[:i], chans[i+1:]...)
				break
			}
		}
		r.mu.Unlock()
		return context.Cause(ctx)
	}
}

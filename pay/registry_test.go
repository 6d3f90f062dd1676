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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Registry(t *testing.T) {
	t.Run("ok, notify wakes every waiter", func(t *testing.T) {
		r := NewRegistry()
		h := []byte("h-contract")

		done := make(chan error, 2)
		for range 2 {
			go func() {
				done <- r.WaitPaid(t.Context(), h)
			}()
		}

		// Give the waiters a moment to register before notifying.
		time.Sleep(10 * time.Millisecond)
		r.NotifyPaid(h)

		for range 2 {
			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("waiter was not woken")
			}
		}
	})

	t.Run("ok, wait honors context cancellation", func(t *testing.T) {
		r := NewRegistry()
		ctx, cancel := context.WithCancel(t.Context())
		cancel()

		err := r.WaitPaid(ctx, []byte("h"))
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("ok, notify for a different contract does not wake", func(t *testing.T) {
		r := NewRegistry()
		ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
		defer cancel()

		go r.NotifyPaid([]byte("other"))

		err := r.WaitPaid(ctx, []byte("h"))
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("ok, shutdown force-resumes in-flight payments", func(t *testing.T) {
		r := NewRegistry()

		ctx, release := r.enter(t.Context())
		defer release()
		require.Equal(t, 1, r.Inflight())

		r.Shutdown()

		select {
		case <-ctx.Done():
			assert.ErrorIs(t, context.Cause(ctx), ErrShuttingDown)
		case <-time.After(5 * time.Second):
			t.Fatal("in-flight payment was not resumed")
		}
		assert.Equal(t, 0, r.Inflight())
	})

	t.Run("ok, entering after shutdown cancels immediately", func(t *testing.T) {
		r := NewRegistry()
		r.Shutdown()

		ctx, release := r.enter(t.Context())
		defer release()

		assert.ErrorIs(t, context.Cause(ctx), ErrShuttingDown)
	})

	t.Run("ok, release removes the payment", func(t *testing.T) {
		r := NewRegistry()
		_, release := r.enter(t.Context())
		release()
		assert.Equal(t, 0, r.Inflight())
	})
}

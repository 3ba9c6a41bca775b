// Copyright 2026 The go-optiga Authors.
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package optiga

import "github.com/optrust/go-optiga/internal/syncutil"

// requestQueue is an unbounded multi-producer single-consumer FIFO of pending
// requests. Enqueue never blocks; Pop blocks the worker until a request or
// close arrives.
type requestQueue struct {
	wake    chan struct{}
	pending []*Request
	mu      syncutil.Mutex
	closed  bool
}

func newRequestQueue() *requestQueue {
	return &requestQueue{
		wake: make(chan struct{}, 1),
	}
}

// Enqueue appends a request. Returns false if the queue has been closed, in
// which case the caller owns the request's completion.
func (q *requestQueue) Enqueue(req *Request) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.pending = append(q.pending, req)
	q.mu.Unlock()

	// Wake the worker; a pending token already covers us
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Pop removes the oldest request, blocking until one is available. Returns
// nil once the queue is closed and drained.
func (q *requestQueue) Pop() *Request {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			req := q.pending[0]
			q.pending = q.pending[1:]
			q.mu.Unlock()
			return req
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return nil
		}
		<-q.wake
	}
}

// Drain removes and returns all queued requests without blocking. Used when a
// device reset invalidates everything in flight.
func (q *requestQueue) Drain() []*Request {
	q.mu.Lock()
	defer q.mu.Unlock()

	drained := q.pending
	q.pending = nil
	return drained
}

// Close marks the queue closed. Enqueue refuses new work afterwards; Pop
// returns nil once the backlog is drained.
func (q *requestQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of queued requests.
func (q *requestQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

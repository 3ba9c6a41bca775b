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

import (
	"fmt"

	"github.com/optrust/go-optiga/internal/syncutil"
)

// sessionCount is the number of volatile session contexts the chip offers.
const sessionCount = int(OIDSessionLast-OIDSessionFirst) + 1

// sessionPool hands out the chip's volatile session context OIDs. Operations
// that produce session-bound material (ECDH shared secrets, derived keys)
// need one for the lifetime of the material.
type sessionPool struct {
	mu    syncutil.Mutex
	inUse [sessionCount]bool
}

func newSessionPool() *sessionPool {
	return &sessionPool{}
}

// Acquire reserves a free session context and returns its OID.
// Returns ErrNoSession when all contexts are taken.
func (p *sessionPool) Acquire() (OID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.inUse {
		if !p.inUse[i] {
			p.inUse[i] = true
			return OIDSessionFirst + OID(i), nil //nolint:gosec // i < sessionCount
		}
	}
	return 0, ErrNoSession
}

// Release returns a session context to the pool. Releasing an OID outside the
// session range or one that is not held is an error.
func (p *sessionPool) Release(oid OID) error {
	if oid < OIDSessionFirst || oid > OIDSessionLast {
		return fmt.Errorf("%w: %#04x is not a session OID", ErrInvalidArgument, uint16(oid))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	i := int(oid - OIDSessionFirst)
	if !p.inUse[i] {
		return fmt.Errorf("%w: session %#04x is not acquired", ErrInvalidArgument, uint16(oid))
	}
	p.inUse[i] = false
	return nil
}

// AcquireSession reserves one of the device's volatile session contexts.
func (d *Device) AcquireSession() (OID, error) {
	return d.sessions.Acquire()
}

// ReleaseSession returns a session context obtained from AcquireSession.
func (d *Device) ReleaseSession(oid OID) error {
	return d.sessions.Release(oid)
}

// Wake-lock tokens keep the chip from entering its low-power state while a
// multi-step operation is in progress. Tokens 0-7 are reserved for the
// driver core; callers draw from the remaining slots.
const (
	wakeLockFirst = 8
	wakeLockLast  = 31
)

// WakeLock is a held wake token. Release it when the multi-step operation
// completes so the chip may sleep again.
type WakeLock struct {
	pool  *wakeLockPool
	token int
}

// Token returns the slot number backing this lock.
func (w *WakeLock) Token() int {
	return w.token
}

// Release returns the token. Safe to call once per lock.
func (w *WakeLock) Release() {
	w.pool.release(w.token)
}

type wakeLockPool struct {
	mu    syncutil.Mutex
	taken [wakeLockLast + 1]bool
}

func newWakeLockPool() *wakeLockPool {
	return &wakeLockPool{}
}

func (p *wakeLockPool) acquire() (*WakeLock, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for t := wakeLockFirst; t <= wakeLockLast; t++ {
		if !p.taken[t] {
			p.taken[t] = true
			return &WakeLock{pool: p, token: t}, nil
		}
	}
	return nil, fmt.Errorf("%w: all wake-lock tokens in use", ErrDeviceBusy)
}

func (p *wakeLockPool) release(token int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if token >= wakeLockFirst && token <= wakeLockLast {
		p.taken[token] = false
	}
}

// AcquireWakeLock reserves a wake token for a multi-step operation such as a
// chained hash or a session-bound key agreement.
func (d *Device) AcquireWakeLock() (*WakeLock, error) {
	return d.wakeLocks.acquire()
}

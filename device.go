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
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/optrust/go-optiga/internal/syncutil"
)

// deviceState tracks the dispatcher life cycle.
type deviceState int

const (
	// stateInit: created but not yet initialized.
	stateInit deviceState = iota
	// stateReady: worker running, accepting requests.
	stateReady
	// stateResetting: recovering the stack after a transport failure.
	stateResetting
	// stateFailed: reset budget exhausted; terminal.
	stateFailed
)

func (s deviceState) String() string {
	switch s {
	case stateInit:
		return "init"
	case stateReady:
		return "ready"
	case stateResetting:
		return "resetting"
	case stateFailed:
		return "failed"
	default:
		return fmt.Sprintf("deviceState(%d)", int(s))
	}
}

// Device owns one secure element: a transport, the request queue and the
// single worker goroutine that performs all APDU exchanges. All mutable
// dispatch state lives here; there is no package-level device state.
type Device struct {
	transport Transport
	queue     *requestQueue
	wg        sync.WaitGroup
	port      string
	maxResets int
	sessions  *sessionPool
	wakeLocks *wakeLockPool

	mu         syncutil.Mutex
	state      deviceState
	resetCount int
	closed     bool
}

// Option configures a Device.
type Option func(*Device)

// WithMaxResets overrides the reset budget applied to consecutive transport
// failures before the device enters the terminal failed state.
func WithMaxResets(n int) Option {
	return func(d *Device) {
		if n >= 0 {
			d.maxResets = n
		}
	}
}

// WithPort sets the bus identifier used in error messages.
func WithPort(port string) Option {
	return func(d *Device) {
		d.port = port
	}
}

// New creates a device on the given transport. Call Init before submitting
// requests.
func New(transport Transport, opts ...Option) *Device {
	d := &Device{
		transport: transport,
		queue:     newRequestQueue(),
		maxResets: MaxResets,
		state:     stateInit,
		sessions:  newSessionPool(),
		wakeLocks: newWakeLockPool(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Init brings up the transport, opens the device application and starts the
// dispatch worker.
func (d *Device) Init() error {
	d.mu.Lock()
	if d.state != stateInit {
		d.mu.Unlock()
		return fmt.Errorf("device already initialized (state %s)", d.state)
	}
	d.mu.Unlock()

	if err := d.bringUp(); err != nil {
		return err
	}

	d.mu.Lock()
	d.state = stateReady
	d.mu.Unlock()

	d.wg.Add(1)
	go d.worker()

	return nil
}

// bringUp initializes the transport and opens the application. Used for both
// first init and post-reset recovery.
func (d *Device) bringUp() error {
	if err := d.transport.Init(); err != nil {
		return fmt.Errorf("transport init failed: %w", err)
	}
	if err := d.openApplication(); err != nil {
		return fmt.Errorf("OpenApplication failed: %w", err)
	}
	return nil
}

// openApplication performs the OpenApplication exchange directly on the
// transport, outside the queue. Valid only from Init or the worker.
func (d *Device) openApplication() error {
	tx := make([]byte, apduHeaderLen+len(openApplicationAID))
	putAPDUHeader(tx, cmdOpenApplication, 0x00, len(openApplicationAID))
	copy(tx[apduHeaderLen:], openApplicationAID)

	if err := d.transport.Send(tx); err != nil {
		return err
	}

	var rx [16]byte
	n, err := d.transport.Recv(rx[:])
	if err != nil {
		return err
	}
	if _, err := parseAPDUResponse("OpenApplication", rx[:n]); err != nil {
		return err
	}
	return nil
}

// Submit enqueues a request for execution. The request's done channel is
// signalled exactly once, whether the exchange succeeds, the device rejects
// it, or the dispatcher fails it during a reset.
func (d *Device) Submit(req *Request) error {
	d.mu.Lock()
	state := d.state
	d.mu.Unlock()

	switch state {
	case stateInit:
		return fmt.Errorf("device not initialized: %w", ErrClosed)
	case stateFailed:
		return ErrDeviceFailed
	case stateReady, stateResetting:
	}

	if !d.queue.Enqueue(req) {
		return ErrClosed
	}
	return nil
}

// Close stops the worker, fails all queued requests and closes the transport.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.queue.Close()
	d.wg.Wait()

	// Whatever the worker did not reach fails with ErrClosed
	for _, req := range d.queue.Drain() {
		req.complete(0, ErrClosed)
	}

	if err := d.transport.Close(); err != nil {
		return fmt.Errorf("failed to close transport: %w", err)
	}
	return nil
}

// worker is the single consumer of the request queue. All transport access
// after Init happens on this goroutine.
func (d *Device) worker() {
	defer d.wg.Done()

	for {
		req := d.queue.Pop()
		if req == nil {
			return
		}

		n, err := d.execute(req)
		if err == nil {
			d.noteExchangeOK()
			req.complete(n, nil)
			continue
		}

		// A chip-side rejection still means the link itself is healthy
		var devErr *DeviceError
		if errors.As(err, &devErr) {
			d.noteExchangeOK()
			req.complete(0, err)
			continue
		}

		// Transport-level failure: the triggering request is invalidated
		// along with everything queued behind it
		if !d.noteExchangeFailure(req, err) {
			return
		}
	}
}

// execute performs one request exchange: send, receive, validate framing and
// resolve a failed status into the device error code.
func (d *Device) execute(req *Request) (int, error) {
	if err := d.transport.Send(req.TX); err != nil {
		return 0, err
	}

	n, err := d.transport.Recv(req.RX)
	if err != nil {
		return 0, err
	}
	if n < apduHeaderLen {
		return 0, fmt.Errorf("%w: response truncated at %d bytes", ErrFraming, n)
	}

	declared := int(binary.BigEndian.Uint16(req.RX[apduOffsetLen:]))
	if apduHeaderLen+declared != n {
		return 0, fmt.Errorf("%w: response declares %d payload bytes, received %d",
			ErrFraming, declared, n-apduHeaderLen)
	}

	if req.RX[apduOffsetCmd] != apduStatusOK {
		code, ferr := d.fetchErrorCode()
		if ferr != nil {
			return 0, ferr
		}
		return 0, NewDeviceError(code, req.Op)
	}

	return n, nil
}

// fetchErrorCode reads and clears the Last Error Code data object after a
// failed command.
func (d *Device) fetchErrorCode() (byte, error) {
	tx := make([]byte, apduHeaderLen+6)
	putAPDUHeader(tx, cmdGetDataObject, getDataRead, 6)
	binary.BigEndian.PutUint16(tx[apduHeaderLen:], uint16(OIDLastErrorCode))
	binary.BigEndian.PutUint16(tx[apduHeaderLen+2:], 0) // offset
	binary.BigEndian.PutUint16(tx[apduHeaderLen+4:], 1) // length

	if err := d.transport.Send(tx); err != nil {
		return 0, err
	}

	var rx [8]byte
	n, err := d.transport.Recv(rx[:])
	if err != nil {
		return 0, err
	}

	payload, err := parseAPDUResponse("FetchErrorCode", rx[:n])
	if err != nil {
		return 0, err
	}
	if len(payload) != 1 {
		return 0, fmt.Errorf("%w: error code object returned %d bytes", ErrFraming, len(payload))
	}
	return payload[0], nil
}

// noteExchangeOK clears the consecutive failure counter.
func (d *Device) noteExchangeOK() {
	d.mu.Lock()
	d.resetCount = 0
	d.state = stateReady
	d.mu.Unlock()
}

// noteExchangeFailure handles one transport-level failure: the triggering
// request and all queued requests fail, then the stack is reset if the budget
// allows. Returns false when the device entered the terminal failed state and
// the worker must exit.
func (d *Device) noteExchangeFailure(req *Request, cause error) bool {
	d.mu.Lock()
	d.resetCount++
	resets := d.resetCount
	budgetLeft := resets <= d.maxResets
	if budgetLeft {
		d.state = stateResetting
	} else {
		d.state = stateFailed
	}
	d.mu.Unlock()

	Debugf("transport failure %d/%d: %v", resets, d.maxResets+1, cause)

	// Invalidate in-flight and queued work
	req.complete(0, cause)
	for _, queued := range d.queue.Drain() {
		queued.complete(0, ErrAborted)
	}

	if !budgetLeft {
		Debugln("reset budget exhausted, device failed permanently")
		d.failRemaining()
		return false
	}

	if err := d.bringUp(); err != nil {
		// Recovery itself failed; spend another reset slot
		return d.noteExchangeFailure(noopRequest(), err)
	}

	d.mu.Lock()
	d.state = stateReady
	d.mu.Unlock()
	return true
}

// failRemaining closes the queue and fails everything still queued. Called
// once on entry to the failed state.
func (d *Device) failRemaining() {
	d.queue.Close()
	for _, queued := range d.queue.Drain() {
		queued.complete(0, ErrDeviceFailed)
	}
}

// noopRequest returns a throwaway request so recursive failure accounting can
// reuse the normal completion path.
func noopRequest() *Request {
	return NewRequest(nil, nil)
}

// State returns the current dispatcher state name, for diagnostics.
func (d *Device) State() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state.String()
}

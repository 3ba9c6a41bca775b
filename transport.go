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
	"sync"
	"time"
)

// Transport carries complete APDUs to and from the secure element. The
// datalink package provides the hardware implementation on top of the
// register layer; MockTransport provides one for tests.
//
// A Transport is used by a single goroutine at a time. Send ships one APDU;
// the matching Recv returns the complete response once the device has
// produced it.
type Transport interface {
	// Init (re-)establishes the link to the device. It is called once
	// before first use and again after every device reset.
	Init() error

	// Send transmits one complete APDU.
	Send(tx []byte) error

	// Recv blocks until the response APDU is available and copies it into
	// buf, returning the number of bytes written.
	Recv(buf []byte) (int, error)

	// Close releases the underlying link.
	Close() error

	// Type returns the transport type.
	Type() TransportType
}

// TransportType represents the type of transport.
type TransportType string

const (
	// TransportI2C represents the I2C register-based transport.
	TransportI2C TransportType = "i2c"
	// TransportMock represents a mock transport for testing.
	TransportMock TransportType = "mock"
)

// MockTransport provides a mock implementation of Transport for testing.
// Responses and injected errors are keyed by the APDU command byte of the
// most recent Send.
type MockTransport struct {
	responses map[byte][]byte
	callCount map[byte]int
	sendErrs  map[byte]error
	recvErrs  map[byte]error
	sent      map[byte][]byte
	pending   []byte
	lastCmd   byte
	initErr   error
	initCount int
	delay     time.Duration
	mu        sync.RWMutex
	connected bool
}

// NewMockTransport creates a new mock transport.
func NewMockTransport() *MockTransport {
	return &MockTransport{
		connected: true,
		responses: make(map[byte][]byte),
		callCount: make(map[byte]int),
		sendErrs:  make(map[byte]error),
		recvErrs:  make(map[byte]error),
		sent:      make(map[byte][]byte),
	}
}

// Init implements Transport interface.
func (m *MockTransport) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.initCount++
	if m.initErr != nil {
		return m.initErr
	}
	m.connected = true
	m.pending = nil
	return nil
}

// Send implements Transport interface.
func (m *MockTransport) Send(tx []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.connected {
		return ErrTransportClosed
	}
	if len(tx) == 0 {
		return ErrInvalidArgument
	}

	cmd := tx[0]
	m.lastCmd = cmd
	m.callCount[cmd]++
	m.sent[cmd] = append([]byte(nil), tx...)

	if err, exists := m.sendErrs[cmd]; exists {
		return err
	}

	if response, exists := m.responses[cmd]; exists {
		m.pending = response
		return nil
	}

	// Default success response with empty payload
	m.pending = []byte{0x00, 0x00, 0x00, 0x00}
	return nil
}

// Recv implements Transport interface.
func (m *MockTransport) Recv(buf []byte) (int, error) {
	m.mu.RLock()
	connected := m.connected
	delay := m.delay
	m.mu.RUnlock()

	if !connected {
		return 0, ErrTransportClosed
	}

	// Simulate hardware response time if configured
	if delay > 0 {
		time.Sleep(delay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	pending := m.pending
	m.pending = nil

	if err, exists := m.recvErrs[m.lastCmd]; exists {
		return 0, err
	}

	if len(pending) > len(buf) {
		return 0, NewDataTooLargeError("Recv", "mock")
	}
	return copy(buf, pending), nil
}

// Close implements Transport interface.
func (m *MockTransport) Close() error {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()
	return nil
}

// Type implements Transport interface.
func (*MockTransport) Type() TransportType {
	return TransportMock
}

// Test helper methods

// SetResponse configures the raw response APDU returned after a Send whose
// command byte is cmd.
func (m *MockTransport) SetResponse(cmd byte, response []byte) {
	m.mu.Lock()
	m.responses[cmd] = response
	m.mu.Unlock()
}

// SetSendError configures an error to be returned by Send for a command.
func (m *MockTransport) SetSendError(cmd byte, err error) {
	m.mu.Lock()
	m.sendErrs[cmd] = err
	m.mu.Unlock()
}

// SetRecvError configures an error to be returned by the Recv following a
// Send of the given command.
func (m *MockTransport) SetRecvError(cmd byte, err error) {
	m.mu.Lock()
	m.recvErrs[cmd] = err
	m.mu.Unlock()
}

// ClearError removes error injection for a command.
func (m *MockTransport) ClearError(cmd byte) {
	m.mu.Lock()
	delete(m.sendErrs, cmd)
	delete(m.recvErrs, cmd)
	m.mu.Unlock()
}

// SetInitError configures Init to fail, simulating a dead link.
func (m *MockTransport) SetInitError(err error) {
	m.mu.Lock()
	m.initErr = err
	m.mu.Unlock()
}

// SetDelay configures a delay to simulate hardware response time.
func (m *MockTransport) SetDelay(delay time.Duration) {
	m.mu.Lock()
	m.delay = delay
	m.mu.Unlock()
}

// LastSent returns a copy of the most recent APDU sent for a command, or nil.
func (m *MockTransport) LastSent(cmd byte) []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sent[cmd]
}

// GetCallCount returns how many times a command was sent.
func (m *MockTransport) GetCallCount(cmd byte) int {
	m.mu.RLock()
	count := m.callCount[cmd]
	m.mu.RUnlock()
	return count
}

// InitCount returns how many times Init was called.
func (m *MockTransport) InitCount() int {
	m.mu.RLock()
	count := m.initCount
	m.mu.RUnlock()
	return count
}

// Reset clears all call counts and reconnects the mock.
func (m *MockTransport) Reset() {
	m.mu.Lock()
	m.callCount = make(map[byte]int)
	m.sent = make(map[byte][]byte)
	m.connected = true
	m.pending = nil
	m.mu.Unlock()
}

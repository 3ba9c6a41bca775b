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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestDevice builds an initialized device on a mock transport.
func newTestDevice(t *testing.T, mock *MockTransport, opts ...Option) *Device {
	t.Helper()

	dev := New(mock, opts...)
	require.NoError(t, dev.Init())
	t.Cleanup(func() { _ = dev.Close() })
	return dev
}

func TestDeviceReadCoprocessorUID(t *testing.T) {
	t.Parallel()

	uid := []byte{0xCD, 0x16, 0x33, 0x82, 0x01, 0x00, 0x1C, 0x00, 0x05, 0x00}
	response := append([]byte{0x00, 0x00, 0x00, byte(len(uid))}, uid...)

	mock := NewMockTransport()
	mock.SetResponse(cmdGetDataObject, response)
	dev := newTestDevice(t, mock)

	// Read coprocessor UID: GetDataObject of OID E0C2
	tx := []byte{0x81, 0x00, 0x00, 0x02, 0xE0, 0xC2}
	rx := make([]byte, 64)
	req := NewRequest(tx, rx)
	req.Op = "GetDataObject"

	require.NoError(t, dev.Submit(req))
	n, err := req.Wait()
	require.NoError(t, err)

	assert.Equal(t, byte(0x00), rx[0], "status byte")
	assert.Equal(t, len(uid), n-apduHeaderLen, "declared length matches returned bytes")
	assert.Equal(t, uid, rx[apduHeaderLen:n])
}

func TestDeviceSignalsExactlyOnce(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	dev := newTestDevice(t, mock)

	req := NewRequest([]byte{0x81, 0x00, 0x00, 0x02, 0xE0, 0xC2}, make([]byte, 16))
	require.NoError(t, dev.Submit(req))

	_, err := req.Wait()
	require.NoError(t, err)

	// One exchange, one signal: the done channel must now be empty
	select {
	case res := <-req.done:
		t.Fatalf("second completion delivered: %+v", res)
	default:
	}
	assert.Equal(t, 1, mock.GetCallCount(0x81), "no double execution")
}

func TestDeviceErrorCodeFetch(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	// Chip rejects the sign command; the dispatcher must resolve the real
	// code from the last error code object
	mock.SetResponse(cmdCalcSign, []byte{0xFF, 0x00, 0x00, 0x00})
	mock.SetResponse(cmdGetDataObject, []byte{0x00, 0x00, 0x00, 0x01, 0x07})
	dev := newTestDevice(t, mock)

	req := NewRequest([]byte{cmdCalcSign, 0x11, 0x00, 0x00}, make([]byte, 16))
	req.Op = "CalcSign"
	require.NoError(t, dev.Submit(req))

	_, err := req.Wait()
	require.Error(t, err)

	var devErr *DeviceError
	require.ErrorAs(t, err, &devErr)
	assert.Equal(t, byte(0x07), devErr.Code)
	assert.True(t, devErr.IsAccessDenied())
	assert.Equal(t, "CalcSign", devErr.Command)

	// A chip-side rejection is not a transport failure
	assert.Equal(t, "ready", dev.State())
}

func TestDeviceFramingMismatch(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	// Declares 5 payload bytes but carries 1
	mock.SetResponse(cmdGetRandom, []byte{0x00, 0x00, 0x00, 0x05, 0xAA})
	dev := newTestDevice(t, mock)

	req := NewRequest([]byte{cmdGetRandom, 0x00, 0x00, 0x02, 0x00, 0x08}, make([]byte, 16))
	require.NoError(t, dev.Submit(req))

	_, err := req.Wait()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFraming, "length disagreement must fail, never return truncated data")
}

func TestDeviceRecvFailure(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	mock.SetResponse(cmdGetRandom, dataResponse(0xAB, 0xCD))
	mock.SetRecvError(cmdGetRandom, ErrBusRead)
	dev := newTestDevice(t, mock)

	req := NewRequest([]byte{cmdGetRandom, 0x00, 0x00, 0x02, 0x00, 0x08}, make([]byte, 16))
	require.NoError(t, dev.Submit(req))
	_, err := req.Wait()
	require.ErrorIs(t, err, ErrBusRead)

	// Clearing the injection restores the configured response
	mock.ClearError(cmdGetRandom)
	req = NewRequest([]byte{cmdGetRandom, 0x00, 0x00, 0x02, 0x00, 0x08}, make([]byte, 16))
	require.NoError(t, dev.Submit(req))
	n, err := req.Wait()
	require.NoError(t, err)
	assert.Equal(t, 6, n)
}

func TestDeviceResetBudget(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	mock.SetSendError(cmdGetRandom, ErrBusWrite)
	dev := newTestDevice(t, mock)

	// Failures 1-3 trigger a reset each; recovery succeeds every time
	for i := 0; i < 3; i++ {
		req := NewRequest([]byte{cmdGetRandom, 0x00, 0x00, 0x02, 0x00, 0x08}, make([]byte, 16))
		require.NoError(t, dev.Submit(req))
		_, err := req.Wait()
		require.ErrorIs(t, err, ErrBusWrite)
	}
	assert.Equal(t, "ready", dev.State())

	// The 4th consecutive failure exhausts the budget
	req := NewRequest([]byte{cmdGetRandom, 0x00, 0x00, 0x02, 0x00, 0x08}, make([]byte, 16))
	require.NoError(t, dev.Submit(req))
	_, err := req.Wait()
	require.ErrorIs(t, err, ErrBusWrite)
	assert.Equal(t, "failed", dev.State())
	assert.Equal(t, 4, mock.GetCallCount(cmdGetRandom))

	// No further transport attempt is made
	late := NewRequest([]byte{cmdGetRandom, 0x00, 0x00, 0x02, 0x00, 0x08}, make([]byte, 16))
	assert.ErrorIs(t, dev.Submit(late), ErrDeviceFailed)
	assert.Equal(t, 4, mock.GetCallCount(cmdGetRandom))

	// Each pre-exhaustion failure re-ran transport recovery
	assert.Equal(t, 4, mock.InitCount(), "init + one recovery per allowed reset")
}

func TestDeviceFailureClearsOnSuccess(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	dev := newTestDevice(t, mock)

	// Two failures, then a success, then two more failures: the consecutive
	// counter restarts so the budget is never exhausted
	for _, fail := range []bool{true, true, false, true, true} {
		if fail {
			mock.SetSendError(cmdGetRandom, ErrBusWrite)
		} else {
			mock.ClearError(cmdGetRandom)
		}

		req := NewRequest([]byte{cmdGetRandom, 0x00, 0x00, 0x02, 0x00, 0x08}, make([]byte, 16))
		require.NoError(t, dev.Submit(req))
		_, err := req.Wait()
		if fail {
			require.ErrorIs(t, err, ErrBusWrite)
		} else {
			require.NoError(t, err)
		}
	}

	assert.Equal(t, "ready", dev.State())
}

func TestDeviceResetDrainsQueue(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	// Slow the exchange down so the backlog builds up behind the failure
	mock.SetDelay(20 * time.Millisecond)
	mock.SetSendError(cmdGetRandom, ErrBusWrite)
	dev := newTestDevice(t, mock)

	// Pause the worker on a healthy request, then stack a failing request
	// and a victim behind it
	pacer := NewRequest([]byte{cmdGetDataObject, 0x00, 0x00, 0x02, 0xE0, 0xC2}, make([]byte, 16))
	require.NoError(t, dev.Submit(pacer))

	failing := NewRequest([]byte{cmdGetRandom, 0x00, 0x00, 0x02, 0x00, 0x08}, make([]byte, 16))
	victim := NewRequest([]byte{cmdGetDataObject, 0x00, 0x00, 0x02, 0xE0, 0xC2}, make([]byte, 16))
	require.NoError(t, dev.Submit(failing))
	require.NoError(t, dev.Submit(victim))

	_, err := pacer.Wait()
	require.NoError(t, err)

	_, err = failing.Wait()
	assert.ErrorIs(t, err, ErrBusWrite)

	_, err = victim.Wait()
	assert.ErrorIs(t, err, ErrAborted, "queued work is invalidated by the reset")
}

func TestDeviceSubmitAfterClose(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	dev := New(mock)
	require.NoError(t, dev.Init())
	require.NoError(t, dev.Close())

	req := NewRequest([]byte{cmdGetRandom, 0x00, 0x00, 0x02, 0x00, 0x08}, make([]byte, 16))
	err := dev.Submit(req)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDeviceSubmitBeforeInit(t *testing.T) {
	t.Parallel()

	dev := New(NewMockTransport())
	req := NewRequest([]byte{cmdGetRandom, 0x00, 0x00, 0x02, 0x00, 0x08}, make([]byte, 16))
	assert.ErrorIs(t, dev.Submit(req), ErrClosed)
}

func TestDeviceInitFailure(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	mock.SetInitError(ErrNoAck)
	dev := New(mock)

	err := dev.Init()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoAck)
}

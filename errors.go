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
	"errors"
	"fmt"
)

// Error categories for error handling and retry logic
var (
	// Bus/transport errors - potentially retryable at the register layer,
	// escalated to a stack reset by the dispatcher
	ErrBusWrite        = errors.New("bus write failed")
	ErrBusRead         = errors.New("bus read failed")
	ErrNoAck           = errors.New("no ACK received")
	ErrTransportClosed = errors.New("transport is closed")
	ErrDeviceBusy      = errors.New("device busy")

	// Framing errors - the response shape does not match its declaration
	ErrFraming          = errors.New("framing error")
	ErrChecksumMismatch = errors.New("frame checksum mismatch")
	ErrChainBroken      = errors.New("packet chain broken")

	// Caller errors - never trigger a reset
	ErrBufferTooSmall  = errors.New("buffer too small")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrDataTooLarge    = errors.New("data too large")

	// Lifecycle errors
	ErrDeviceFailed = errors.New("device in permanent failure state")
	ErrClosed       = errors.New("device is closed")
	ErrNoSession    = errors.New("no free session context")
	ErrAborted      = errors.New("request aborted by device reset")
)

// ErrorType represents the category of error for retry logic
type ErrorType int

const (
	// ErrorTypeTransient indicates a potentially retryable error
	ErrorTypeTransient ErrorType = iota
	// ErrorTypePermanent indicates a non-retryable error
	ErrorTypePermanent
	// ErrorTypeTimeout indicates a timeout error (special handling)
	ErrorTypeTimeout
)

// TransportError wraps bus and data-link errors with additional context
type TransportError struct {
	Err       error     // Underlying error
	Op        string    // Operation that failed
	Port      string    // Bus or device identifier
	Type      ErrorType // Error category
	Retryable bool      // Whether the error is retryable
}

func (e *TransportError) Error() string {
	if e.Port != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Port, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// DeviceError wraps a nonzero APDU status resolved via the error-code fetch.
// Code is the value read from the Last Error Code data object.
type DeviceError struct {
	Command string
	Code    byte
}

func (e *DeviceError) Error() string {
	meaning := deviceErrorCodeMeaning(e.Code)
	if e.Command != "" {
		return fmt.Sprintf("%s: device error 0x%02X (%s)", e.Command, e.Code, meaning)
	}
	return fmt.Sprintf("device error 0x%02X (%s)", e.Code, meaning)
}

// deviceErrorCodeMeaning returns a human-readable meaning for device error
// codes, from the Last Error Code coding in the solution reference manual
func deviceErrorCodeMeaning(code byte) string {
	meanings := map[byte]string{
		0x01: "invalid OID",
		0x02: "invalid password",
		0x03: "invalid param field",
		0x04: "invalid length field",
		0x05: "invalid parameter in data field",
		0x06: "internal process error",
		0x07: "access conditions not satisfied",
		0x08: "data object boundary exceeded",
		0x09: "metadata truncation error",
		0x0A: "invalid command field",
		0x0B: "command out of sequence",
		0x0C: "command not available",
		0x0D: "insufficient memory",
		0x0E: "counter threshold limit exceeded",
		0x0F: "invalid manifest",
		0x10: "invalid payload version",
		0x21: "invalid handshake message",
		0x22: "protocol version mismatch",
		0x23: "insufficient or unsupported cipher suite",
		0x24: "unsupported extension or identifier",
		0x26: "invalid trust anchor",
		0x27: "trust anchor expired",
		0x28: "unsupported trust anchor",
		0x29: "invalid certificate format",
		0x2A: "unsupported certificate algorithm",
		0x2B: "certificate expired",
		0x2C: "signature verification failure",
	}
	if m, ok := meanings[code]; ok {
		return m
	}
	return "unknown error"
}

// IsAccessDenied returns true if the error indicates unsatisfied access conditions
func (e *DeviceError) IsAccessDenied() bool {
	return e.Code == 0x07
}

// IsOutOfMemory returns true if the device ran out of memory for the command
func (e *DeviceError) IsOutOfMemory() bool {
	return e.Code == 0x0D
}

// IsRetryable returns true if the error is potentially retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var te *TransportError
	if errors.As(err, &te) {
		return te.Retryable
	}

	// Device errors report a chip-side rejection of a well-formed exchange;
	// retrying the identical APDU cannot succeed
	var de *DeviceError
	if errors.As(err, &de) {
		return false
	}

	switch {
	case errors.Is(err, ErrBusWrite),
		errors.Is(err, ErrBusRead),
		errors.Is(err, ErrNoAck),
		errors.Is(err, ErrDeviceBusy),
		errors.Is(err, ErrChecksumMismatch),
		errors.Is(err, ErrAborted):
		return true
	default:
		return false
	}
}

// IsFatal returns true if the error indicates the device is gone for good and
// callers should stop re-issuing work. This is distinct from IsRetryable which
// indicates whether a single operation can be retried.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var te *TransportError
	if errors.As(err, &te) {
		return te.Type == ErrorTypePermanent
	}

	switch {
	case errors.Is(err, ErrDeviceFailed),
		errors.Is(err, ErrTransportClosed),
		errors.Is(err, ErrClosed):
		return true
	default:
		return false
	}
}

// Error constructors for consistent error creation

// NewDeviceError creates a device error with the given code and command context
func NewDeviceError(code byte, command string) *DeviceError {
	return &DeviceError{
		Code:    code,
		Command: command,
	}
}

// NewTransportError creates a standard transport error with consistent formatting
func NewTransportError(op, port string, err error, errType ErrorType) *TransportError {
	return &TransportError{
		Op:        op,
		Port:      port,
		Err:       err,
		Type:      errType,
		Retryable: errType == ErrorTypeTransient || errType == ErrorTypeTimeout,
	}
}

// NewNoAckError creates a "no ACK received" error (timeout)
func NewNoAckError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrNoAck, ErrorTypeTimeout)
}

// NewBusWriteError creates a write error (transient)
func NewBusWriteError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrBusWrite, ErrorTypeTransient)
}

// NewBusReadError creates a read error (transient)
func NewBusReadError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrBusRead, ErrorTypeTransient)
}

// NewChecksumMismatchError creates a frame checksum error (transient)
func NewChecksumMismatchError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrChecksumMismatch, ErrorTypeTransient)
}

// NewDeviceBusyError creates a device busy error (timeout)
func NewDeviceBusyError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrDeviceBusy, ErrorTypeTimeout)
}

// NewDataTooLargeError creates a data too large error (permanent)
func NewDataTooLargeError(op, port string) *TransportError {
	return NewTransportError(op, port, ErrDataTooLarge, ErrorTypePermanent)
}

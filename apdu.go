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
	"fmt"
)

// APDU layout shared by commands and responses:
// byte 0 is the command code (or status on responses), byte 1 the parameter
// (reserved on responses), bytes 2-3 the big-endian payload length.
const (
	apduOffsetCmd    = 0
	apduOffsetParam  = 1
	apduOffsetLen    = 2
	apduHeaderLen    = 4
	apduStatusOK     = 0x00
	apduStatusFailed = 0xFF
)

// TLV layout inside APDU payloads: tag byte plus big-endian 16-bit length.
const tlvHeaderLen = 3

// putAPDUHeader writes the 4-byte command header into buf.
func putAPDUHeader(buf []byte, cmd, param byte, payloadLen int) {
	buf[apduOffsetCmd] = cmd
	buf[apduOffsetParam] = param
	binary.BigEndian.PutUint16(buf[apduOffsetLen:], uint16(payloadLen)) //nolint:gosec // bounded by MaxAPDUPayload
}

// parseAPDUResponse validates a raw response APDU and returns its payload.
// op names the command the response answers, used in error reporting.
func parseAPDUResponse(op string, raw []byte) ([]byte, error) {
	if len(raw) < apduHeaderLen {
		return nil, fmt.Errorf("%w: response truncated at %d bytes", ErrFraming, len(raw))
	}

	status := raw[apduOffsetCmd]
	payloadLen := int(binary.BigEndian.Uint16(raw[apduOffsetLen:]))

	if len(raw) < apduHeaderLen+payloadLen {
		return nil, fmt.Errorf("%w: response announces %d payload bytes, got %d",
			ErrFraming, payloadLen, len(raw)-apduHeaderLen)
	}

	if status != apduStatusOK {
		// The dispatcher normally resolves a failed status into the real
		// error code before the response reaches here; seeing one means the
		// code fetch itself failed, so report an unknown device error.
		return nil, NewDeviceError(0x00, op)
	}

	return raw[apduHeaderLen : apduHeaderLen+payloadLen], nil
}

// putTLV writes a tag-length-value element and returns the number of bytes
// written.
func putTLV(buf []byte, tag byte, value []byte) int {
	buf[0] = tag
	binary.BigEndian.PutUint16(buf[1:], uint16(len(value))) //nolint:gosec // bounded by MaxAPDUPayload
	copy(buf[tlvHeaderLen:], value)
	return tlvHeaderLen + len(value)
}

// putTLVByte writes a single-byte TLV element.
func putTLVByte(buf []byte, tag, value byte) int {
	buf[0] = tag
	binary.BigEndian.PutUint16(buf[1:], 1)
	buf[tlvHeaderLen] = value
	return tlvHeaderLen + 1
}

// putTLVUint16 writes a two-byte big-endian TLV element.
func putTLVUint16(buf []byte, tag byte, value uint16) int {
	buf[0] = tag
	binary.BigEndian.PutUint16(buf[1:], 2)
	binary.BigEndian.PutUint16(buf[tlvHeaderLen:], value)
	return tlvHeaderLen + 2
}

// Result carries the outcome of a completed Request.
type Result struct {
	// Err is non-nil if the request failed. A *DeviceError means the chip
	// rejected the command; anything else is a transport-level failure.
	Err error
	// N is the number of response bytes written to RX.
	N int
}

// Request is one queued APDU exchange. TX holds the complete command APDU;
// RX receives the raw response. Op names the operation for error reporting.
// The done channel is signalled exactly once per submitted request.
type Request struct {
	done chan Result
	Op   string
	TX   []byte
	RX   []byte
}

// NewRequest builds a request around a prepared command buffer and a response
// buffer sized for the expected reply.
func NewRequest(tx, rx []byte) *Request {
	return &Request{
		TX:   tx,
		RX:   rx,
		done: make(chan Result, 1),
	}
}

// complete delivers the result. Must be called exactly once.
func (r *Request) complete(n int, err error) {
	r.done <- Result{N: n, Err: err}
}

// Wait blocks until the request has been executed and returns the number of
// response bytes and any error.
func (r *Request) Wait() (int, error) {
	res := <-r.done
	return res.N, res.Err
}

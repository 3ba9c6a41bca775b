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

// DefaultAPDUBufferSize covers every command the chip supports, including a
// full-size certificate write.
const DefaultAPDUBufferSize = 1600

// minAPDUBufferSize is the smallest scratch buffer any command fits in.
const minAPDUBufferSize = 64

// CmdContext binds a device to a caller-owned APDU scratch buffer and
// provides the typed command surface. A context is not safe for concurrent
// use; callers serialize their own operations. Distinct contexts on the same
// device queue independently.
type CmdContext struct {
	dev *Device
	buf []byte
}

// CmdOption configures a CmdContext.
type CmdOption func(*CmdContext)

// WithBuffer supplies the APDU scratch buffer, letting callers on constrained
// hosts control the allocation. Must hold at least 64 bytes.
func WithBuffer(buf []byte) CmdOption {
	return func(c *CmdContext) {
		c.buf = buf
	}
}

// NewCmdContext creates a command context on dev with a default-sized scratch
// buffer unless WithBuffer overrides it.
func NewCmdContext(dev *Device, opts ...CmdOption) (*CmdContext, error) {
	c := &CmdContext{dev: dev}
	for _, opt := range opts {
		opt(c)
	}
	if c.buf == nil {
		c.buf = make([]byte, DefaultAPDUBufferSize)
	}
	if len(c.buf) < minAPDUBufferSize {
		return nil, fmt.Errorf("%w: APDU buffer must hold at least %d bytes",
			ErrBufferTooSmall, minAPDUBufferSize)
	}
	return c, nil
}

// Device returns the device this context is bound to.
func (c *CmdContext) Device() *Device {
	return c.dev
}

// checkPayload validates a command payload length against the 16-bit APDU
// limit and the scratch buffer, reserving margin bytes for the response.
func (c *CmdContext) checkPayload(payloadLen, margin int) error {
	if payloadLen > MaxAPDUPayload {
		return fmt.Errorf("%w: %d-byte payload exceeds APDU limit", ErrInvalidArgument, payloadLen)
	}
	if apduHeaderLen+payloadLen+margin > len(c.buf) {
		return fmt.Errorf("%w: command needs %d bytes, scratch buffer holds %d",
			ErrBufferTooSmall, apduHeaderLen+payloadLen+margin, len(c.buf))
	}
	return nil
}

// exchange submits buf[:txLen] and waits. The response lands at buf[rxOff:];
// the returned slice is the validated response payload, aliasing the scratch
// buffer until the next command.
func (c *CmdContext) exchange(op string, txLen, rxOff int) ([]byte, error) {
	req := NewRequest(c.buf[:txLen], c.buf[rxOff:])
	req.Op = op

	if err := c.dev.Submit(req); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	n, err := req.Wait()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return parseAPDUResponse(op, c.buf[rxOff:rxOff+n])
}

// WriteMode selects how SetDataObject treats existing data object content.
type WriteMode byte

const (
	// ModeWrite overwrites in place starting at the offset.
	ModeWrite WriteMode = setDataWrite
	// ModeEraseAndWrite erases the data object before writing.
	ModeEraseAndWrite WriteMode = setDataEraseAndWrite
)

// DataGet reads up to len(buf) bytes from a data object starting at offset.
// Returns the number of bytes read.
func (c *CmdContext) DataGet(oid OID, offset int, buf []byte) (int, error) {
	if offset > 0xFFFF || len(buf) > 0xFFFF {
		return 0, fmt.Errorf("%w: offset or length exceeds 16-bit field", ErrInvalidArgument)
	}
	if err := c.checkPayload(6, 0); err != nil {
		return 0, err
	}

	putAPDUHeader(c.buf, cmdGetDataObject, getDataRead, 6)
	binary.BigEndian.PutUint16(c.buf[apduHeaderLen:], uint16(oid))
	binary.BigEndian.PutUint16(c.buf[apduHeaderLen+2:], uint16(offset)) //nolint:gosec // checked above
	binary.BigEndian.PutUint16(c.buf[apduHeaderLen+4:], uint16(len(buf)))

	// The command bytes are not needed after Send, so the response reuses
	// the whole scratch buffer
	payload, err := c.exchange("DataGet", apduHeaderLen+6, 0)
	if err != nil {
		return 0, err
	}
	if len(payload) > len(buf) {
		return 0, fmt.Errorf("DataGet: %w: %d response bytes for a %d-byte buffer",
			ErrBufferTooSmall, len(payload), len(buf))
	}

	return copy(buf, payload), nil
}

// DataSet writes data into a data object at offset using the given write
// mode.
func (c *CmdContext) DataSet(oid OID, mode WriteMode, offset int, data []byte) error {
	if offset > 0xFFFF {
		return fmt.Errorf("%w: offset exceeds 16-bit field", ErrInvalidArgument)
	}
	if err := c.checkPayload(4+len(data), apduHeaderLen); err != nil {
		return err
	}

	putAPDUHeader(c.buf, cmdSetDataObject, byte(mode), 4+len(data))
	binary.BigEndian.PutUint16(c.buf[apduHeaderLen:], uint16(oid))
	binary.BigEndian.PutUint16(c.buf[apduHeaderLen+2:], uint16(offset)) //nolint:gosec // checked above
	copy(c.buf[apduHeaderLen+4:], data)

	txLen := apduHeaderLen + 4 + len(data)
	_, err := c.exchange("DataSet", txLen, txLen)
	return err
}

// MetadataGet reads the metadata of a data object into buf and returns the
// number of metadata bytes.
func (c *CmdContext) MetadataGet(oid OID, buf []byte) (int, error) {
	if err := c.checkPayload(2, 0); err != nil {
		return 0, err
	}

	putAPDUHeader(c.buf, cmdGetDataObject, getDataReadMetadata, 2)
	binary.BigEndian.PutUint16(c.buf[apduHeaderLen:], uint16(oid))

	payload, err := c.exchange("MetadataGet", apduHeaderLen+2, 0)
	if err != nil {
		return 0, err
	}
	if len(payload) > len(buf) {
		return 0, fmt.Errorf("MetadataGet: %w", ErrBufferTooSmall)
	}
	return copy(buf, payload), nil
}

// MetadataSet replaces the metadata of a data object.
func (c *CmdContext) MetadataSet(oid OID, metadata []byte) error {
	if err := c.checkPayload(2+len(metadata), apduHeaderLen); err != nil {
		return err
	}

	putAPDUHeader(c.buf, cmdSetDataObject, setDataWriteMetadata, 2+len(metadata))
	binary.BigEndian.PutUint16(c.buf[apduHeaderLen:], uint16(oid))
	copy(c.buf[apduHeaderLen+2:], metadata)

	txLen := apduHeaderLen + 2 + len(metadata)
	_, err := c.exchange("MetadataSet", txLen, txLen)
	return err
}

// CounterInc advances a monotonic counter object by inc.
func (c *CmdContext) CounterInc(oid OID, inc byte) error {
	if err := c.checkPayload(5, apduHeaderLen); err != nil {
		return err
	}

	putAPDUHeader(c.buf, cmdSetDataObject, setDataCount, 5)
	binary.BigEndian.PutUint16(c.buf[apduHeaderLen:], uint16(oid))
	binary.BigEndian.PutUint16(c.buf[apduHeaderLen+2:], 0)
	c.buf[apduHeaderLen+4] = inc

	txLen := apduHeaderLen + 5
	_, err := c.exchange("CounterInc", txLen, txLen)
	return err
}

// CoprocessorUID reads the chip's unique identifier. Useful as a cheap health
// probe after Init.
func (c *CmdContext) CoprocessorUID(buf []byte) (int, error) {
	return c.DataGet(OIDCoprocessorUID, 0, buf)
}

// RNGType selects the random number generator inside the chip.
type RNGType byte

const (
	// RNGTypeTRNG is the true random number generator.
	RNGTypeTRNG RNGType = 0x00
	// RNGTypeDRNG is the deterministic (DRBG) generator.
	RNGTypeDRNG RNGType = 0x01
)

// Bounds on a single GetRandom request.
const (
	randomMinLen = 8
	randomMaxLen = 256
)

// RandomExt fills buf with random bytes from the selected generator. The chip
// serves between 8 and 256 bytes per command.
func (c *CmdContext) RandomExt(typ RNGType, buf []byte) error {
	if len(buf) < randomMinLen || len(buf) > randomMaxLen {
		return fmt.Errorf("%w: random request of %d bytes outside %d..%d",
			ErrInvalidArgument, len(buf), randomMinLen, randomMaxLen)
	}
	if err := c.checkPayload(2, len(buf)); err != nil {
		return err
	}

	putAPDUHeader(c.buf, cmdGetRandom, byte(typ), 2)
	binary.BigEndian.PutUint16(c.buf[apduHeaderLen:], uint16(len(buf)))

	payload, err := c.exchange("RandomExt", apduHeaderLen+2, 0)
	if err != nil {
		return err
	}
	if len(payload) != len(buf) {
		return fmt.Errorf("RandomExt: %w: requested %d random bytes, received %d",
			ErrFraming, len(buf), len(payload))
	}
	copy(buf, payload)
	return nil
}

// randomStoreParam requests random data generated into a session context.
const randomStoreParam = 0x04

// randomPrependTag carries optional data placed before the generated bytes.
const randomPrependTag = 0x41

// RandomOID generates n random bytes directly into a session data object,
// optionally prepended with caller data (pre-master secret construction).
// The material never leaves the chip.
func (c *CmdContext) RandomOID(oid OID, n int, prepend []byte) error {
	if n < randomMinLen || n > randomMaxLen {
		return fmt.Errorf("%w: random request of %d bytes outside %d..%d",
			ErrInvalidArgument, n, randomMinLen, randomMaxLen)
	}

	payloadLen := 4
	if len(prepend) > 0 {
		payloadLen += tlvHeaderLen + len(prepend)
	}
	if err := c.checkPayload(payloadLen, apduHeaderLen); err != nil {
		return err
	}

	putAPDUHeader(c.buf, cmdGetRandom, randomStoreParam, payloadLen)
	binary.BigEndian.PutUint16(c.buf[apduHeaderLen:], uint16(oid))
	binary.BigEndian.PutUint16(c.buf[apduHeaderLen+2:], uint16(n)) //nolint:gosec // bounded above
	if len(prepend) > 0 {
		putTLV(c.buf[apduHeaderLen+4:], randomPrependTag, prepend)
	}

	txLen := apduHeaderLen + payloadLen
	_, err := c.exchange("RandomOID", txLen, txLen)
	return err
}

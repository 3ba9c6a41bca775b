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
	"time"
)

// Bus is the raw two-wire interface to the secure element. Implementations
// perform one bus transaction per call, addressed to the device.
// The periph.io-backed implementation lives in the bus/i2c package.
type Bus interface {
	// Write performs a single write transaction of len(p) bytes.
	Write(p []byte) error
	// Read performs a single read transaction filling p completely.
	Read(p []byte) error
}

// RegisterAccess provides reliable access to the chip's register set over a
// Bus. Every bus transaction is retried up to RegisterAckRetries times
// because the device NACKs while internally busy.
//
// A failed call leaves bus arbitration state unknown to the caller; there is
// no partial success.
type RegisterAccess struct {
	bus        Bus
	port       string
	writeBuf   []byte
	dataRegLen uint16
	sleep      func(time.Duration)
}

// NewRegisterAccess creates a register access layer on top of a raw bus.
// port is used in error messages only.
func NewRegisterAccess(bus Bus, port string) *RegisterAccess {
	return &RegisterAccess{
		bus:        bus,
		port:       port,
		writeBuf:   make([]byte, 1+DefaultDataRegLen),
		dataRegLen: DefaultDataRegLen,
		sleep:      time.Sleep,
	}
}

// writeWithRetry performs one bus write, retrying on NACK with a fixed delay.
func (r *RegisterAccess) writeWithRetry(op string, p []byte) error {
	var lastErr error
	for attempt := 0; attempt < RegisterAckRetries; attempt++ {
		err := r.bus.Write(p)
		if err == nil {
			if attempt > 0 {
				Debugf("%s: ACK after %d tries", op, attempt+1)
			}
			return nil
		}
		lastErr = err
		r.sleep(RegisterAckDelay)
	}
	return NewTransportError(op, r.port, fmt.Errorf("%w: %w", ErrNoAck, lastErr), ErrorTypeTimeout)
}

// readWithRetry performs one bus read, retrying on NACK with a fixed delay.
func (r *RegisterAccess) readWithRetry(op string, p []byte) error {
	var lastErr error
	for attempt := 0; attempt < RegisterAckRetries; attempt++ {
		err := r.bus.Read(p)
		if err == nil {
			if attempt > 0 {
				Debugf("%s: read ACK after %d tries", op, attempt+1)
			}
			return nil
		}
		lastErr = err
		r.sleep(RegisterAckDelay)
	}
	return NewTransportError(op, r.port, fmt.Errorf("%w: %w", ErrNoAck, lastErr), ErrorTypeTimeout)
}

// ReadRegister selects the register with a 1-byte address write, waits the
// guard time, then reads len(buf) bytes from it.
func (r *RegisterAccess) ReadRegister(addr byte, buf []byte) error {
	if len(buf) == 0 {
		return fmt.Errorf("%w: zero-length register read", ErrInvalidArgument)
	}

	if err := r.writeWithRetry("ReadRegister/select", []byte{addr}); err != nil {
		return err
	}

	// Guard time required by the chip between bus transactions
	r.sleep(RegisterGuardTime)

	return r.readWithRetry("ReadRegister/data", buf)
}

// WriteRegister writes data to the register at addr. The register address and
// payload go out in a single bus transaction.
func (r *RegisterAccess) WriteRegister(addr byte, data []byte) error {
	if len(data) > len(r.writeBuf)-1 {
		return fmt.Errorf("%w: register write of %d bytes exceeds buffer", ErrBufferTooSmall, len(data))
	}

	r.writeBuf[0] = addr
	copy(r.writeBuf[1:], data)

	return r.writeWithRetry("WriteRegister", r.writeBuf[:1+len(data)])
}

// SoftReset triggers a warm reset of the device by writing the SOFT_RESET
// register. Any value triggers the reset.
func (r *RegisterAccess) SoftReset() error {
	Debugln("performing soft reset")
	return r.writeWithRetry("SoftReset", []byte{regSoftReset, 0x00, 0x00})
}

// DataRegLen returns the negotiated DATA register length.
func (r *RegisterAccess) DataRegLen() uint16 {
	return r.dataRegLen
}

// readDataRegLen reads the DATA_REG_LEN register from the device.
func (r *RegisterAccess) readDataRegLen() (uint16, error) {
	var raw [2]byte
	if err := r.ReadRegister(regDataRegLen, raw[:]); err != nil {
		return 0, fmt.Errorf("failed to read DATA_REG_LEN: %w", err)
	}
	return binary.BigEndian.Uint16(raw[:]), nil
}

// negotiateDataRegLen clamps the device's DATA_REG_LEN to the host buffer
// size and verifies the device applied it.
func (r *RegisterAccess) negotiateDataRegLen() error {
	devLen, err := r.readDataRegLen()
	if err != nil {
		return err
	}

	switch {
	case devLen > DefaultDataRegLen:
		var raw [2]byte
		binary.BigEndian.PutUint16(raw[:], DefaultDataRegLen)
		if err := r.WriteRegister(regDataRegLen, raw[:]); err != nil {
			return fmt.Errorf("failed to write DATA_REG_LEN: %w", err)
		}

		// Read back to ensure the value was applied
		devLen, err = r.readDataRegLen()
		if err != nil {
			return err
		}
		if devLen != DefaultDataRegLen {
			return fmt.Errorf("%w: device rejected DATA_REG_LEN %#04x, reports %#04x",
				ErrFraming, DefaultDataRegLen, devLen)
		}
	case devLen < DataRegLenMin:
		return fmt.Errorf("%w: device reports DATA_REG_LEN %#04x below protocol minimum", ErrFraming, devLen)
	}

	r.dataRegLen = devLen
	Debugf("negotiated DATA_REG_LEN: %d", devLen)
	return nil
}

// WriteData writes a data-link frame to the DATA register.
func (r *RegisterAccess) WriteData(frame []byte) error {
	return r.WriteRegister(regData, frame)
}

// ReadData reads len(buf) bytes from the DATA register.
func (r *RegisterAccess) ReadData(buf []byte) error {
	return r.ReadRegister(regData, buf)
}

// WaitResponse polls I2C_STATE until the device reports response bytes
// available in the DATA register, returning the byte count. Polling is
// bounded by StatusPollRetries.
func (r *RegisterAccess) WaitResponse() (uint16, error) {
	for attempt := 0; attempt < StatusPollRetries; attempt++ {
		flags, readLen, err := r.I2CState()
		if err != nil {
			return 0, err
		}
		if flags&i2cStateBusy == 0 && flags&i2cStateRespReady != 0 && readLen > 0 {
			return readLen, nil
		}
		r.sleep(StatusPollDelay)
	}
	return 0, NewTransportError("WaitResponse", r.port, ErrDeviceBusy, ErrorTypeTimeout)
}

// I2CState reads the I2C_STATE register and returns the state flags and the
// number of response bytes available in the DATA register.
func (r *RegisterAccess) I2CState() (flags byte, readLen uint16, err error) {
	var raw [4]byte
	if err := r.ReadRegister(regI2CState, raw[:]); err != nil {
		return 0, 0, fmt.Errorf("failed to read I2C_STATE: %w", err)
	}

	// Bits 16-23 are RFU and ignored
	return raw[0], binary.BigEndian.Uint16(raw[2:]), nil
}

// Init brings the register layer to a known state: soft reset, DATA_REG_LEN
// negotiation and an I2C_STATE probe.
func (r *RegisterAccess) Init() error {
	if err := r.SoftReset(); err != nil {
		return fmt.Errorf("soft reset failed: %w", err)
	}

	if err := r.negotiateDataRegLen(); err != nil {
		return fmt.Errorf("DATA_REG_LEN negotiation failed: %w", err)
	}

	flags, readLen, err := r.I2CState()
	if err != nil {
		return err
	}
	Debugf("device state flags %#02x, pending response %d bytes", flags, readLen)

	return nil
}

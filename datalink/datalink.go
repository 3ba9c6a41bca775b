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

// Package datalink implements the framed, acknowledged transport of the
// secure element on top of the register layer. Frames carry a frame control
// byte, a big-endian length and a 16-bit checksum; APDUs larger than one
// frame are split across packets with a chaining header byte.
package datalink

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/optrust/go-optiga"
)

// Frame control byte fields.
const (
	fctrFTypeMask   = 0x80
	fctrSeqCtrMask  = 0x60
	fctrFrameNrMask = 0x0C
	fctrAckNrMask   = 0x03

	ftypeData = 0x00
	ftypeCtrl = 0x80

	seqCtrAck = 0x00
	seqCtrNAK = 0x20
	seqCtrRst = 0x40
)

const (
	// headerLen is FCTR(1) + LEN(2).
	headerLen = 3
	fcsLen    = 2
	// frameOverhead is the non-payload portion of every frame.
	frameOverhead = headerLen + fcsLen
	// ctrlFrameLen is the wire size of a control frame, which carries no
	// payload.
	ctrlFrameLen = frameOverhead
)

// Packet control byte (chaining header) values.
const (
	pctrLen   = 1
	chainMask = 0x07

	chainNone  = 0x00
	chainFirst = 0x01
	chainInter = 0x02
	chainLast  = 0x04
	chainError = 0x07
)

// fcsCore folds one byte into the running frame checksum.
func fcsCore(seed uint16, c byte) uint16 {
	h1 := (seed ^ uint16(c)) & 0xFF
	h2 := h1 & 0x0F
	h3 := (h2 << 4) ^ h1
	h4 := h3 >> 4
	return (((((h3<<1)^h4)<<4)^h2)<<3) ^ h4 ^ (seed >> 8)
}

// frameFCS computes the checksum over the frame header and payload.
func frameFCS(frame []byte) uint16 {
	var fcs uint16
	for _, c := range frame {
		fcs = fcsCore(fcs, c)
	}
	return fcs
}

// checkFCS verifies the trailing checksum of a complete frame.
func checkFCS(frame []byte) bool {
	if len(frame) < fcsLen {
		return false
	}

	want := uint16(frame[len(frame)-2])<<8 | uint16(frame[len(frame)-1])
	return frameFCS(frame[:len(frame)-fcsLen]) == want
}

// Transport drives the data-link and packet layers over a RegisterAccess,
// implementing the optiga.Transport interface. It is not safe for concurrent
// use; the command dispatcher serializes all exchanges.
type Transport struct {
	reg    *optiga.RegisterAccess
	port   string
	closer io.Closer

	// 2-bit sliding frame counters
	txNr  byte // next frame number to send
	txAck byte // last frame number the device acknowledged
	rxNr  byte // last frame number received from the device

	frameBuf  []byte // one data-link frame
	packetBuf []byte // one reassembled packet (PCTR + data)
}

// Option configures a Transport.
type Option func(*Transport)

// WithCloser attaches a closer invoked by Close, typically the underlying
// bus handle.
func WithCloser(c io.Closer) Option {
	return func(t *Transport) {
		t.closer = c
	}
}

// New creates a data-link transport over a register access layer. port is
// used in error messages only.
func New(reg *optiga.RegisterAccess, port string, opts ...Option) *Transport {
	t := &Transport{
		reg:       reg,
		port:      port,
		frameBuf:  make([]byte, optiga.DefaultDataRegLen),
		packetBuf: make([]byte, optiga.DefaultDataRegLen),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// maxPacketSize returns the largest packet one frame can carry.
func (t *Transport) maxPacketSize() int {
	return int(t.reg.DataRegLen()) - frameOverhead
}

// Init brings up the register layer, sends a sync control frame and resets
// the sequence counters on both sides.
func (t *Transport) Init() error {
	if err := t.reg.Init(); err != nil {
		return err
	}

	if err := t.writeFrame(ftypeCtrl|seqCtrRst, 0, 0, 0); err != nil {
		return fmt.Errorf("sync frame failed: %w", err)
	}

	t.txNr, t.txAck, t.rxNr = 0, 0, 0
	optiga.Debugln("data link synchronized")
	return nil
}

// writeFrame assembles a frame in frameBuf and writes it to the DATA
// register. The payload must already sit at frameBuf[headerLen:].
func (t *Transport) writeFrame(flags, frameNr, ackNr byte, payloadLen int) error {
	total := headerLen + payloadLen + fcsLen
	if total > int(t.reg.DataRegLen()) {
		return optiga.NewDataTooLargeError("writeFrame", t.port)
	}

	buf := t.frameBuf
	buf[0] = flags | frameNr<<2 | ackNr
	binary.BigEndian.PutUint16(buf[1:headerLen], uint16(payloadLen))

	fcs := frameFCS(buf[:headerLen+payloadLen])
	buf[headerLen+payloadLen] = byte(fcs >> 8)
	buf[headerLen+payloadLen+1] = byte(fcs)

	return t.reg.WriteData(buf[:total])
}

// sendAck acknowledges the last received data frame with a control frame.
func (t *Transport) sendAck() error {
	return t.writeFrame(ftypeCtrl|seqCtrAck, 0, t.rxNr, 0)
}

// noteAck advances the transmit frame counter when the device acknowledges
// the outstanding frame. A duplicate of the previous acknowledge is
// tolerated, anything else breaks the sequence.
func (t *Transport) noteAck(ack byte) error {
	switch ack {
	case t.txNr:
		t.txNr = (t.txNr + 1) % 4
		t.txAck = ack
	case t.txAck:
		optiga.Debugf("duplicate acknowledge for frame %d", ack)
	default:
		return fmt.Errorf("%w: device acknowledged frame %d, expected %d",
			optiga.ErrFraming, ack, t.txNr)
	}
	return nil
}

// checkFrameHeader validates checksum and sequence control of a received
// frame and records its acknowledge number.
func (t *Transport) checkFrameHeader(frame []byte) error {
	if !checkFCS(frame) {
		return optiga.NewChecksumMismatchError("Recv", t.port)
	}

	seqctr := frame[0] & fctrSeqCtrMask
	if seqctr != seqCtrAck {
		return fmt.Errorf("%w: unexpected sequence control %#02x", optiga.ErrFraming, seqctr)
	}

	return t.noteAck(frame[0] & fctrAckNrMask)
}

// consumeAck checks once whether the device queued a control frame after a
// data frame was sent, and processes it. When no control frame is pending
// the acknowledge rides on the next data frame.
func (t *Transport) consumeAck() error {
	_, readLen, err := t.reg.I2CState()
	if err != nil {
		return err
	}
	if readLen != ctrlFrameLen {
		return nil
	}

	frame := t.frameBuf[:ctrlFrameLen]
	if err := t.reg.ReadData(frame); err != nil {
		return err
	}

	if err := t.checkFrameHeader(frame); err != nil {
		return err
	}

	if frame[0]&fctrFTypeMask != ftypeCtrl || binary.BigEndian.Uint16(frame[1:headerLen]) != 0 {
		return fmt.Errorf("%w: malformed control frame", optiga.ErrFraming)
	}
	return nil
}

// sendPacket wraps one packet (chaining byte plus chunk) in a data frame and
// transmits it.
func (t *Transport) sendPacket(pctr byte, chunk []byte) error {
	payloadLen := pctrLen + len(chunk)
	t.frameBuf[headerLen] = pctr
	copy(t.frameBuf[headerLen+pctrLen:], chunk)

	if err := t.writeFrame(ftypeData|seqCtrAck, t.txNr, t.rxNr, payloadLen); err != nil {
		return err
	}

	return t.consumeAck()
}

// Send transmits one APDU, splitting it across max-size packets when it does
// not fit a single frame.
func (t *Transport) Send(apdu []byte) error {
	maxChunk := t.maxPacketSize() - pctrLen
	if maxChunk <= 0 {
		return optiga.NewDataTooLargeError("Send", t.port)
	}

	if len(apdu) <= maxChunk {
		return t.sendPacket(chainNone, apdu)
	}

	if err := t.sendPacket(chainFirst, apdu[:maxChunk]); err != nil {
		return fmt.Errorf("starting packet chain: %w", err)
	}
	apdu = apdu[maxChunk:]

	for len(apdu) > maxChunk {
		if err := t.sendPacket(chainInter, apdu[:maxChunk]); err != nil {
			return fmt.Errorf("continuing packet chain: %w", err)
		}
		apdu = apdu[maxChunk:]
	}

	return t.sendPacket(chainLast, apdu)
}

// recvPacket waits for the device response, reads one data frame,
// acknowledges it and copies the packet (including the chaining byte) into
// packetBuf. Pure control frames are consumed in place.
func (t *Transport) recvPacket() (int, error) {
	// A standalone acknowledge may precede the data frame; allow one
	// control frame per polling budget.
	for attempt := 0; attempt < optiga.StatusPollRetries; attempt++ {
		readLen, err := t.reg.WaitResponse()
		if err != nil {
			return 0, err
		}
		if int(readLen) > len(t.frameBuf) {
			return 0, optiga.NewDataTooLargeError("Recv", t.port)
		}
		if readLen < ctrlFrameLen {
			return 0, fmt.Errorf("%w: frame of %d bytes below minimum", optiga.ErrFraming, readLen)
		}

		frame := t.frameBuf[:readLen]
		if err := t.reg.ReadData(frame); err != nil {
			return 0, err
		}

		if err := t.checkFrameHeader(frame); err != nil {
			return 0, err
		}

		payloadLen := int(binary.BigEndian.Uint16(frame[1:headerLen]))
		if frame[0]&fctrFTypeMask == ftypeCtrl {
			if payloadLen != 0 {
				return 0, fmt.Errorf("%w: control frame with payload", optiga.ErrFraming)
			}
			continue
		}

		if payloadLen+frameOverhead != int(readLen) {
			return 0, fmt.Errorf("%w: frame declares %d payload bytes, carries %d",
				optiga.ErrFraming, payloadLen, int(readLen)-frameOverhead)
		}

		t.rxNr = (frame[0] & fctrFrameNrMask) >> 2
		if err := t.sendAck(); err != nil {
			return 0, err
		}

		copy(t.packetBuf, frame[headerLen:headerLen+payloadLen])
		return payloadLen, nil
	}

	return 0, optiga.NewDeviceBusyError("Recv", t.port)
}

// Recv receives one APDU into buf, reassembling chained packets, and returns
// the number of bytes written.
func (t *Transport) Recv(buf []byte) (int, error) {
	n, err := t.recvPacket()
	if err != nil {
		return 0, err
	}
	if n < pctrLen {
		return 0, fmt.Errorf("%w: packet without chaining byte", optiga.ErrFraming)
	}

	chain := t.packetBuf[0] & chainMask
	body := t.packetBuf[pctrLen:n]

	switch chain {
	case chainNone:
		if len(body) > len(buf) {
			return 0, optiga.NewDataTooLargeError("Recv", t.port)
		}
		return copy(buf, body), nil
	case chainFirst:
	default:
		return 0, fmt.Errorf("%w: unexpected chain control %#02x", optiga.ErrChainBroken, chain)
	}

	total := 0
	for {
		if len(body) == 0 {
			return 0, fmt.Errorf("%w: empty packet inside chain", optiga.ErrChainBroken)
		}
		if total+len(body) > len(buf) {
			return 0, optiga.NewDataTooLargeError("Recv", t.port)
		}
		total += copy(buf[total:], body)

		if chain == chainLast {
			return total, nil
		}

		n, err = t.recvPacket()
		if err != nil {
			return 0, err
		}
		if n < pctrLen {
			return 0, fmt.Errorf("%w: packet without chaining byte", optiga.ErrFraming)
		}

		chain = t.packetBuf[0] & chainMask
		body = t.packetBuf[pctrLen:n]

		switch chain {
		case chainInter, chainLast:
		case chainError:
			return 0, fmt.Errorf("%w: device flagged chain error", optiga.ErrChainBroken)
		default:
			return 0, fmt.Errorf("%w: chain control %#02x inside chain", optiga.ErrChainBroken, chain)
		}
	}
}

// Close releases the underlying bus handle, if one was attached.
func (t *Transport) Close() error {
	if t.closer == nil {
		return nil
	}
	return t.closer.Close()
}

// Type returns the transport type.
func (*Transport) Type() optiga.TransportType {
	return optiga.TransportI2C
}

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

// Package testing provides a scriptable APDU-level simulation of the secure
// element for integration testing without hardware.
package testing

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/big"
	"time"

	"github.com/optrust/go-optiga"
	"github.com/optrust/go-optiga/internal/syncutil"
)

// Command codes understood by the simulator. Kept local so the simulator
// stays decoupled from the command layer's encoders.
const (
	cmdGetDataObject   = 0x81
	cmdSetDataObject   = 0x82
	cmdGetRandom       = 0x0C
	cmdCalcHash        = 0xB0
	cmdCalcSign        = 0xB1
	cmdVerifySign      = 0xB2
	cmdGenKeyPair      = 0xB8
	cmdOpenApplication = 0xF0
)

// Last Error Code values the simulator produces.
const (
	codeInvalidOID       = 0x01
	codeInvalidParam     = 0x03
	codeInvalidLength    = 0x04
	codeInvalidData      = 0x05
	codeBoundaryExceeded = 0x08
	codeOutOfSequence    = 0x0B
	codeNotAvailable     = 0x0C
	codeCounterLimit     = 0x0E
	codeVerifyFailure    = 0x2C
)

const (
	oidLastErrorCode = 0xF1C2

	apduHeaderLen = 4
	tlvHeaderLen  = 3

	statusOK     = 0x00
	statusFailed = 0xFF
)

var applicationAID = []byte{
	0xD2, 0x76, 0x00, 0x00, 0x04, 0x47,
	0x65, 0x6E, 0x41, 0x75, 0x74, 0x68,
	0x41, 0x70, 0x70, 0x6C,
}

// CommandLogEntry records one APDU the host sent.
type CommandLogEntry struct {
	Timestamp time.Time
	Payload   []byte
	Cmd       byte
	Param     byte
}

// VirtualTrustM simulates the secure element at the APDU level and implements
// the optiga.Transport interface. Data objects, metadata, counters and ECC
// keys live in memory; signing and verification use real ECDSA so full
// round trips can be tested end to end.
type VirtualTrustM struct {
	mu syncutil.Mutex

	objects  map[uint16][]byte
	metadata map[uint16][]byte
	keys     map[uint16]*ecdsa.PrivateKey

	CommandLog []CommandLogEntry

	pending   []byte
	lastError byte
	opened    bool
	initCount int

	sendErr   error
	failSends int
	rejects   byte
}

// NewVirtualTrustM creates a simulator with an empty data object store.
func NewVirtualTrustM() *VirtualTrustM {
	return &VirtualTrustM{
		objects:  make(map[uint16][]byte),
		metadata: make(map[uint16][]byte),
		keys:     make(map[uint16]*ecdsa.PrivateKey),
	}
}

// Init resets the session state. Stored objects and keys survive, matching a
// device reset without power loss.
func (v *VirtualTrustM) Init() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.opened = false
	v.pending = nil
	v.initCount++
	return nil
}

// InitCount returns how many times Init ran.
func (v *VirtualTrustM) InitCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.initCount
}

// Close releases nothing; the simulator has no OS resources.
func (*VirtualTrustM) Close() error {
	return nil
}

// Type returns the transport type.
func (*VirtualTrustM) Type() optiga.TransportType {
	return optiga.TransportMock
}

// SetObject stores a data object, bypassing the command path.
func (v *VirtualTrustM) SetObject(oid uint16, data []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.objects[oid] = append([]byte(nil), data...)
}

// Object returns a copy of a stored data object.
func (v *VirtualTrustM) Object(oid uint16) []byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]byte(nil), v.objects[oid]...)
}

// SetMetadata stores a data object's metadata, bypassing the command path.
func (v *VirtualTrustM) SetMetadata(oid uint16, md []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.metadata[oid] = append([]byte(nil), md...)
}

// Key returns the private key stored in a key slot, or nil.
func (v *VirtualTrustM) Key(oid uint16) *ecdsa.PrivateKey {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.keys[oid]
}

// FailSends makes the next n Send calls fail with err, simulating a dead
// bus.
func (v *VirtualTrustM) FailSends(n int, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.failSends = n
	v.sendErr = err
}

// RejectNext makes the next command fail with the given device error code.
func (v *VirtualTrustM) RejectNext(code byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rejects = code
}

// Send parses one APDU, executes it and queues the response for Recv.
func (v *VirtualTrustM) Send(tx []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.failSends > 0 {
		v.failSends--
		return v.sendErr
	}

	if len(tx) < apduHeaderLen {
		return fmt.Errorf("simulator: short command of %d bytes", len(tx))
	}
	cmd, param := tx[0], tx[1]
	declared := int(binary.BigEndian.Uint16(tx[2:4]))
	payload := tx[apduHeaderLen:]
	if declared != len(payload) {
		return fmt.Errorf("simulator: declared %d payload bytes, got %d", declared, len(payload))
	}

	v.CommandLog = append(v.CommandLog, CommandLogEntry{
		Cmd:       cmd,
		Param:     param,
		Payload:   append([]byte(nil), payload...),
		Timestamp: time.Now(),
	})

	if v.rejects != 0 {
		code := v.rejects
		v.rejects = 0
		v.fail(code)
		return nil
	}

	if !v.opened && cmd != cmdOpenApplication {
		v.fail(codeOutOfSequence)
		return nil
	}

	var resp []byte
	var code byte
	switch cmd {
	case cmdOpenApplication:
		resp, code = v.handleOpenApplication(payload)
	case cmdGetDataObject:
		resp, code = v.handleGetData(param, payload)
	case cmdSetDataObject:
		resp, code = v.handleSetData(param, payload)
	case cmdGetRandom:
		resp, code = v.handleGetRandom(param, payload)
	case cmdCalcHash:
		resp, code = v.handleCalcHash(param, payload)
	case cmdCalcSign:
		resp, code = v.handleCalcSign(param, payload)
	case cmdVerifySign:
		resp, code = v.handleVerifySign(param, payload)
	case cmdGenKeyPair:
		resp, code = v.handleGenKeyPair(param, payload)
	default:
		code = codeNotAvailable
	}

	if code != 0 {
		v.fail(code)
		return nil
	}
	v.respond(resp)
	return nil
}

// Recv copies the queued response into buf.
func (v *VirtualTrustM) Recv(buf []byte) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.pending == nil {
		return 0, fmt.Errorf("simulator: no response pending")
	}
	if len(buf) < len(v.pending) {
		return 0, fmt.Errorf("simulator: %d-byte buffer for %d-byte response",
			len(buf), len(v.pending))
	}
	n := copy(buf, v.pending)
	v.pending = nil
	return n, nil
}

// respond queues a success response carrying payload.
func (v *VirtualTrustM) respond(payload []byte) {
	resp := make([]byte, apduHeaderLen+len(payload))
	resp[0] = statusOK
	binary.BigEndian.PutUint16(resp[2:4], uint16(len(payload)))
	copy(resp[apduHeaderLen:], payload)
	v.pending = resp
}

// fail queues a failure response and latches the error code for the
// subsequent Last Error Code fetch.
func (v *VirtualTrustM) fail(code byte) {
	v.lastError = code
	v.pending = []byte{statusFailed, 0x00, 0x00, 0x00}
}

func (v *VirtualTrustM) handleOpenApplication(payload []byte) ([]byte, byte) {
	if !bytes.Equal(payload, applicationAID) {
		return nil, codeInvalidData
	}
	v.opened = true
	return nil, 0
}

func (v *VirtualTrustM) handleGetData(param byte, payload []byte) ([]byte, byte) {
	switch param {
	case 0x00: // data
		if len(payload) != 6 {
			return nil, codeInvalidLength
		}
		oid := binary.BigEndian.Uint16(payload)
		offset := int(binary.BigEndian.Uint16(payload[2:]))
		length := int(binary.BigEndian.Uint16(payload[4:]))

		if oid == oidLastErrorCode {
			code := v.lastError
			v.lastError = 0
			return []byte{code}, 0
		}

		obj, ok := v.objects[oid]
		if !ok {
			return nil, codeInvalidOID
		}
		if offset > len(obj) {
			return nil, codeBoundaryExceeded
		}
		end := offset + length
		if end > len(obj) {
			end = len(obj)
		}
		return append([]byte(nil), obj[offset:end]...), 0
	case 0x01: // metadata
		if len(payload) != 2 {
			return nil, codeInvalidLength
		}
		md, ok := v.metadata[binary.BigEndian.Uint16(payload)]
		if !ok {
			return nil, codeInvalidOID
		}
		return append([]byte(nil), md...), 0
	default:
		return nil, codeInvalidParam
	}
}

func (v *VirtualTrustM) handleSetData(param byte, payload []byte) ([]byte, byte) {
	if len(payload) < 4 {
		return nil, codeInvalidLength
	}
	oid := binary.BigEndian.Uint16(payload)
	offset := int(binary.BigEndian.Uint16(payload[2:]))
	data := payload[4:]

	switch param {
	case 0x00: // write
		obj := v.objects[oid]
		if offset > len(obj) {
			return nil, codeBoundaryExceeded
		}
		if need := offset + len(data); need > len(obj) {
			obj = append(obj, make([]byte, need-len(obj))...)
		}
		copy(obj[offset:], data)
		v.objects[oid] = obj
		return nil, 0
	case 0x40: // erase and write
		obj := make([]byte, offset+len(data))
		copy(obj[offset:], data)
		v.objects[oid] = obj
		return nil, 0
	case 0x01: // metadata
		v.metadata[oid] = append([]byte(nil), data...)
		return nil, 0
	case 0x02: // count
		if offset != 0 || len(data) != 1 {
			return nil, codeInvalidData
		}
		return nil, v.incrementCounter(oid, data[0])
	default:
		return nil, codeInvalidParam
	}
}

// incrementCounter advances a counter object laid out as count(4,BE) followed
// by threshold(4,BE).
func (v *VirtualTrustM) incrementCounter(oid uint16, inc byte) byte {
	obj, ok := v.objects[oid]
	if !ok {
		return codeInvalidOID
	}
	if len(obj) < 8 {
		return codeInvalidData
	}

	count := binary.BigEndian.Uint32(obj)
	threshold := binary.BigEndian.Uint32(obj[4:])
	if uint64(count)+uint64(inc) > uint64(threshold) {
		return codeCounterLimit
	}
	binary.BigEndian.PutUint32(obj, count+uint32(inc))
	return 0
}

func (v *VirtualTrustM) handleGetRandom(param byte, payload []byte) ([]byte, byte) {
	switch param {
	case 0x00, 0x01: // TRNG, DRNG
		if len(payload) != 2 {
			return nil, codeInvalidLength
		}
		n := int(binary.BigEndian.Uint16(payload))
		if n < 8 || n > 256 {
			return nil, codeInvalidLength
		}
		buf := make([]byte, n)
		if _, err := rand.Read(buf); err != nil {
			return nil, codeNotAvailable
		}
		return buf, 0
	case 0x04: // random into session context
		if len(payload) < 4 {
			return nil, codeInvalidLength
		}
		oid := binary.BigEndian.Uint16(payload)
		n := int(binary.BigEndian.Uint16(payload[2:]))
		buf := make([]byte, n)
		if _, err := rand.Read(buf); err != nil {
			return nil, codeNotAvailable
		}
		v.objects[oid] = buf
		return nil, 0
	default:
		return nil, codeInvalidParam
	}
}

func (v *VirtualTrustM) handleCalcHash(param byte, payload []byte) ([]byte, byte) {
	if param != 0xE2 { // SHA-256
		return nil, codeInvalidParam
	}
	if len(payload) < tlvHeaderLen {
		return nil, codeInvalidLength
	}
	sub := payload[0]
	length := int(binary.BigEndian.Uint16(payload[1:]))
	body := payload[tlvHeaderLen:]
	if length != len(body) {
		return nil, codeInvalidLength
	}

	var digest [sha256.Size]byte
	switch sub {
	case 0x01: // host data, start and final
		digest = sha256.Sum256(body)
	case 0x11: // data object content, start and final
		if len(body) != 6 {
			return nil, codeInvalidLength
		}
		oid := binary.BigEndian.Uint16(body)
		offset := int(binary.BigEndian.Uint16(body[2:]))
		n := int(binary.BigEndian.Uint16(body[4:]))
		obj, ok := v.objects[oid]
		if !ok {
			return nil, codeInvalidOID
		}
		if offset+n > len(obj) {
			return nil, codeBoundaryExceeded
		}
		digest = sha256.Sum256(obj[offset : offset+n])
	default:
		return nil, codeNotAvailable
	}

	resp := make([]byte, tlvHeaderLen+sha256.Size)
	resp[0] = 0x01
	binary.BigEndian.PutUint16(resp[1:], sha256.Size)
	copy(resp[tlvHeaderLen:], digest[:])
	return resp, 0
}

func (v *VirtualTrustM) handleCalcSign(param byte, payload []byte) ([]byte, byte) {
	if param != 0x11 { // ECDSA
		return nil, codeNotAvailable
	}
	tlvs, err := parseTLVs(payload)
	if err != nil {
		return nil, codeInvalidData
	}
	digest, keyRef := tlvs[0x01], tlvs[0x03]
	if digest == nil || len(keyRef) != 2 {
		return nil, codeInvalidData
	}

	key, ok := v.keys[binary.BigEndian.Uint16(keyRef)]
	if !ok {
		return nil, codeInvalidOID
	}
	r, s, err := ecdsa.Sign(rand.Reader, key, digest)
	if err != nil {
		return nil, codeNotAvailable
	}
	return derIntegers(r, s), 0
}

func (v *VirtualTrustM) handleVerifySign(param byte, payload []byte) ([]byte, byte) {
	if param != 0x11 { // ECDSA
		return nil, codeNotAvailable
	}
	tlvs, err := parseTLVs(payload)
	if err != nil {
		return nil, codeInvalidData
	}
	digest, sig := tlvs[0x01], tlvs[0x02]
	if digest == nil || sig == nil {
		return nil, codeInvalidData
	}
	r, s, err := parseDERIntegers(sig)
	if err != nil {
		return nil, codeInvalidData
	}

	var pub *ecdsa.PublicKey
	switch {
	case len(tlvs[0x04]) == 2: // stored key
		key, ok := v.keys[binary.BigEndian.Uint16(tlvs[0x04])]
		if !ok {
			return nil, codeInvalidOID
		}
		pub = &key.PublicKey
	case tlvs[0x06] != nil: // external point, 0x04-prefixed
		point := tlvs[0x06]
		curve, ok := curveForPointLen(len(point) - 1)
		if !ok || point[0] != 0x04 {
			return nil, codeInvalidData
		}
		x, y := elliptic.Unmarshal(curve, point)
		if x == nil {
			return nil, codeInvalidData
		}
		pub = &ecdsa.PublicKey{Curve: curve, X: x, Y: y}
	default:
		return nil, codeInvalidData
	}

	if !ecdsa.Verify(pub, digest, r, s) {
		return nil, codeVerifyFailure
	}
	return nil, 0
}

func (v *VirtualTrustM) handleGenKeyPair(param byte, payload []byte) ([]byte, byte) {
	var curve elliptic.Curve
	switch param {
	case 0x03:
		curve = elliptic.P256()
	case 0x04:
		curve = elliptic.P384()
	default:
		return nil, codeNotAvailable
	}

	tlvs, err := parseTLVs(payload)
	if err != nil || len(tlvs[0x01]) != 2 {
		return nil, codeInvalidData
	}

	key, err := ecdsa.GenerateKey(curve, rand.Reader)
	if err != nil {
		return nil, codeNotAvailable
	}
	v.keys[binary.BigEndian.Uint16(tlvs[0x01])] = key

	point := elliptic.Marshal(curve, key.X, key.Y)
	pub := point[1:] // strip the 0x04 marker, re-added inside the envelope

	resp := make([]byte, 7+len(pub))
	resp[0] = 0x02
	binary.BigEndian.PutUint16(resp[1:], uint16(len(pub)+4))
	resp[3] = 0x03 // BIT STRING
	resp[4] = byte(len(pub) + 2)
	resp[5] = 0x00
	resp[6] = 0x04 // uncompressed point
	copy(resp[7:], pub)
	return resp, 0
}

// curveForPointLen maps a raw point size to its curve.
func curveForPointLen(n int) (elliptic.Curve, bool) {
	switch n {
	case 64:
		return elliptic.P256(), true
	case 96:
		return elliptic.P384(), true
	default:
		return nil, false
	}
}

// parseTLVs splits a sequence of tag(1) + length(2,BE) + value elements.
func parseTLVs(p []byte) (map[byte][]byte, error) {
	tlvs := make(map[byte][]byte)
	for len(p) > 0 {
		if len(p) < tlvHeaderLen {
			return nil, fmt.Errorf("truncated element header")
		}
		n := int(binary.BigEndian.Uint16(p[1:]))
		if len(p) < tlvHeaderLen+n {
			return nil, fmt.Errorf("element value exceeds payload")
		}
		tlvs[p[0]] = p[tlvHeaderLen : tlvHeaderLen+n]
		p = p[tlvHeaderLen+n:]
	}
	return tlvs, nil
}

// derIntegers encodes r and s as two concatenated DER INTEGERs.
func derIntegers(r, s *big.Int) []byte {
	var out []byte
	for _, v := range []*big.Int{r, s} {
		b := v.Bytes()
		if len(b) == 0 {
			b = []byte{0}
		}
		if b[0]&0x80 != 0 {
			b = append([]byte{0}, b...)
		}
		out = append(out, 0x02, byte(len(b)))
		out = append(out, b...)
	}
	return out
}

// parseDERIntegers decodes two concatenated DER INTEGERs.
func parseDERIntegers(der []byte) (r, s *big.Int, err error) {
	vals := make([]*big.Int, 0, 2)
	for i := 0; i < 2; i++ {
		if len(der) < 2 || der[0] != 0x02 {
			return nil, nil, fmt.Errorf("malformed signature integer")
		}
		n := int(der[1])
		if len(der) < 2+n {
			return nil, nil, fmt.Errorf("truncated signature integer")
		}
		vals = append(vals, new(big.Int).SetBytes(der[2:2+n]))
		der = der[2+n:]
	}
	if len(der) != 0 {
		return nil, nil, fmt.Errorf("trailing bytes after signature")
	}
	return vals[0], vals[1], nil
}

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

// SHA256DigestLen is the size of a SHA-256 digest.
const SHA256DigestLen = 32

// CalcHash sub-command tags. The by-OID variants hash data object content
// without it crossing the bus.
const (
	hashStart         = 0x00
	hashStartFinal    = 0x01
	hashContinue      = 0x02
	hashFinal         = 0x03
	hashTerminate     = 0x04
	hashFinalKeep     = 0x05
	hashOIDStart      = 0x10
	hashOIDStartFinal = 0x11
	hashOIDContinue   = 0x12
	hashOIDFinal      = 0x13
)

// parseDigest strips the tag and length header in front of the returned
// digest and copies it out.
func parseDigest(op string, payload, digest []byte) error {
	if len(payload) != tlvHeaderLen+SHA256DigestLen {
		return fmt.Errorf("%s: %w: digest envelope is %d bytes", op, ErrFraming, len(payload))
	}
	if int(binary.BigEndian.Uint16(payload[1:])) != SHA256DigestLen {
		return fmt.Errorf("%s: %w: digest element length mismatch", op, ErrFraming)
	}
	copy(digest, payload[tlvHeaderLen:])
	return nil
}

// SHA256Ext hashes host-supplied data on the chip and writes the 32-byte
// digest. The data must fit one APDU; use SHA256OID for large stored data.
func (c *CmdContext) SHA256Ext(data, digest []byte) error {
	if len(digest) < SHA256DigestLen {
		return fmt.Errorf("%w: digest buffer needs %d bytes", ErrInvalidArgument, SHA256DigestLen)
	}
	payloadLen := tlvHeaderLen + len(data)
	if err := c.checkPayload(payloadLen, tlvHeaderLen+SHA256DigestLen); err != nil {
		return err
	}

	putAPDUHeader(c.buf, cmdCalcHash, byte(AlgSHA256), payloadLen)
	c.buf[apduHeaderLen] = hashStartFinal
	binary.BigEndian.PutUint16(c.buf[apduHeaderLen+1:], uint16(len(data))) //nolint:gosec // checked above
	copy(c.buf[apduHeaderLen+tlvHeaderLen:], data)

	txLen := apduHeaderLen + payloadLen
	payload, err := c.exchange("SHA256Ext", txLen, txLen)
	if err != nil {
		return err
	}
	return parseDigest("SHA256Ext", payload, digest)
}

// SHA256OID hashes length bytes of a data object starting at offset, without
// the data leaving the chip, and writes the 32-byte digest.
func (c *CmdContext) SHA256OID(oid OID, offset, length int, digest []byte) error {
	if offset > 0xFFFF || length > 0xFFFF {
		return fmt.Errorf("%w: offset or length exceeds 16-bit field", ErrInvalidArgument)
	}
	if len(digest) < SHA256DigestLen {
		return fmt.Errorf("%w: digest buffer needs %d bytes", ErrInvalidArgument, SHA256DigestLen)
	}
	if err := c.checkPayload(9, tlvHeaderLen+SHA256DigestLen); err != nil {
		return err
	}

	putAPDUHeader(c.buf, cmdCalcHash, byte(AlgSHA256), 9)
	c.buf[apduHeaderLen] = hashOIDStartFinal
	binary.BigEndian.PutUint16(c.buf[apduHeaderLen+1:], 6)
	binary.BigEndian.PutUint16(c.buf[apduHeaderLen+3:], uint16(oid))
	binary.BigEndian.PutUint16(c.buf[apduHeaderLen+5:], uint16(offset)) //nolint:gosec // checked above
	binary.BigEndian.PutUint16(c.buf[apduHeaderLen+7:], uint16(length)) //nolint:gosec // checked above

	txLen := apduHeaderLen + 9
	payload, err := c.exchange("SHA256OID", txLen, txLen)
	if err != nil {
		return err
	}
	return parseDigest("SHA256OID", payload, digest)
}

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

// SigScheme selects the signature scheme on CalcSign and VerifySign.
type SigScheme byte

// Signature schemes.
const (
	SigSchemeRSAPKCS1v15SHA256 SigScheme = 0x01
	SigSchemeRSAPKCS1v15SHA384 SigScheme = 0x02
)

// EncryptAsym/DecryptAsym payload tags and parameters.
const (
	tagMessage    = 0x61
	tagMessageOID = 0x62
	rsaesPKCS1v15 = 0x11
)

// rsaModulusLen returns the modulus size in bytes for an RSA algorithm.
func rsaModulusLen(alg Alg) (int, error) {
	switch alg {
	case AlgRSA1024:
		return 128, nil
	case AlgRSA2048:
		return 256, nil
	default:
		return 0, fmt.Errorf("%w: algorithm %#02x is not an RSA key size", ErrInvalidArgument, byte(alg))
	}
}

// RSAGenKeys generates an RSA key pair, storing the private key in oid and
// exporting the DER-encoded public key into pubKey. Returns its length.
func (c *CmdContext) RSAGenKeys(oid OID, alg Alg, usage KeyUsage, pubKey []byte) (int, error) {
	if _, err := rsaModulusLen(alg); err != nil {
		return 0, err
	}
	if err := c.checkPayload(9, len(pubKey)); err != nil {
		return 0, err
	}

	putAPDUHeader(c.buf, cmdGenKeyPair, byte(alg), 9)
	off := apduHeaderLen
	off += putTLVUint16(c.buf[off:], tagGenKeyOID, uint16(oid))
	putTLVByte(c.buf[off:], tagGenKeyUsage, byte(usage))

	payload, err := c.exchange("RSAGenKeys", apduHeaderLen+9, 0)
	if err != nil {
		return 0, err
	}

	// Response: TLV(0x02, DER RSAPublicKey)
	if len(payload) < tlvHeaderLen || payload[0] != tagSignature {
		return 0, fmt.Errorf("RSAGenKeys: %w: missing public key element", ErrFraming)
	}
	keyLen := int(binary.BigEndian.Uint16(payload[1:]))
	if len(payload) != tlvHeaderLen+keyLen {
		return 0, fmt.Errorf("RSAGenKeys: %w: public key element length mismatch", ErrFraming)
	}
	if keyLen > len(pubKey) {
		return 0, fmt.Errorf("RSAGenKeys: %w: %d-byte public key for a %d-byte buffer",
			ErrBufferTooSmall, keyLen, len(pubKey))
	}
	return copy(pubKey, payload[tlvHeaderLen:tlvHeaderLen+keyLen]), nil
}

// RSASign signs a digest with the RSA private key in oid using a PKCS#1 v1.5
// scheme. Returns the signature length written to sig.
func (c *CmdContext) RSASign(oid OID, scheme SigScheme, digest, sig []byte) (int, error) {
	payloadLen := tlvHeaderLen + len(digest) + 5
	if err := c.checkPayload(payloadLen, len(sig)); err != nil {
		return 0, err
	}

	putAPDUHeader(c.buf, cmdCalcSign, byte(scheme), payloadLen)
	off := apduHeaderLen
	off += putTLV(c.buf[off:], tagDigest, digest)
	putTLVUint16(c.buf[off:], tagPrivKeyOID, uint16(oid))

	txLen := apduHeaderLen + payloadLen
	payload, err := c.exchange("RSASign", txLen, txLen)
	if err != nil {
		return 0, err
	}
	if len(payload) > len(sig) {
		return 0, fmt.Errorf("RSASign: %w: %d-byte signature for a %d-byte buffer",
			ErrBufferTooSmall, len(payload), len(sig))
	}
	return copy(sig, payload), nil
}

// RSAVerifyOID verifies an RSA signature over digest against the public key
// stored in oid.
func (c *CmdContext) RSAVerifyOID(oid OID, scheme SigScheme, digest, sig []byte) error {
	payloadLen := tlvHeaderLen + len(digest) + tlvHeaderLen + len(sig) + 5
	if err := c.checkPayload(payloadLen, apduHeaderLen); err != nil {
		return err
	}

	putAPDUHeader(c.buf, cmdVerifySign, byte(scheme), payloadLen)
	off := apduHeaderLen
	off += putTLV(c.buf[off:], tagDigest, digest)
	off += putTLV(c.buf[off:], tagSignature, sig)
	off += putTLVUint16(c.buf[off:], tagPubKeyOID, uint16(oid))

	_, err := c.exchange("RSAVerifyOID", off, off)
	return err
}

// RSAVerifyExt verifies an RSA signature against a host-supplied DER-encoded
// public key.
func (c *CmdContext) RSAVerifyExt(alg Alg, scheme SigScheme, pubKey, digest, sig []byte) error {
	if _, err := rsaModulusLen(alg); err != nil {
		return err
	}
	payloadLen := tlvHeaderLen + len(digest) + tlvHeaderLen + len(sig) +
		4 + tlvHeaderLen + len(pubKey)
	if err := c.checkPayload(payloadLen, apduHeaderLen); err != nil {
		return err
	}

	putAPDUHeader(c.buf, cmdVerifySign, byte(scheme), payloadLen)
	off := apduHeaderLen
	off += putTLV(c.buf[off:], tagDigest, digest)
	off += putTLV(c.buf[off:], tagSignature, sig)
	off += putTLVByte(c.buf[off:], tagAlgorithm, byte(alg))
	off += putTLV(c.buf[off:], tagExtPublicKey, pubKey)

	_, err := c.exchange("RSAVerifyExt", off, off)
	return err
}

// RSAEncryptMsgOID encrypts a host-supplied message under the public key in
// keyOID (RSAES PKCS#1 v1.5). Returns the ciphertext length written to out.
func (c *CmdContext) RSAEncryptMsgOID(msg []byte, keyOID OID, out []byte) (int, error) {
	payloadLen := tlvHeaderLen + len(msg) + 5
	if err := c.checkPayload(payloadLen, len(out)); err != nil {
		return 0, err
	}

	putAPDUHeader(c.buf, cmdEncryptAsym, rsaesPKCS1v15, payloadLen)
	off := apduHeaderLen
	off += putTLV(c.buf[off:], tagMessage, msg)
	off += putTLVUint16(c.buf[off:], tagPubKeyOID, uint16(keyOID))

	payload, err := c.exchange("RSAEncryptMsgOID", off, off)
	if err != nil {
		return 0, err
	}
	if len(payload) > len(out) {
		return 0, fmt.Errorf("RSAEncryptMsgOID: %w", ErrBufferTooSmall)
	}
	return copy(out, payload), nil
}

// RSAEncryptMsgExt encrypts a host-supplied message under a host-supplied
// DER-encoded public key.
func (c *CmdContext) RSAEncryptMsgExt(msg []byte, alg Alg, pubKey, out []byte) (int, error) {
	if _, err := rsaModulusLen(alg); err != nil {
		return 0, err
	}
	payloadLen := tlvHeaderLen + len(msg) + 4 + tlvHeaderLen + len(pubKey)
	if err := c.checkPayload(payloadLen, len(out)); err != nil {
		return 0, err
	}

	putAPDUHeader(c.buf, cmdEncryptAsym, rsaesPKCS1v15, payloadLen)
	off := apduHeaderLen
	off += putTLV(c.buf[off:], tagMessage, msg)
	off += putTLVByte(c.buf[off:], tagAlgorithm, byte(alg))
	off += putTLV(c.buf[off:], tagExtPublicKey, pubKey)

	payload, err := c.exchange("RSAEncryptMsgExt", off, off)
	if err != nil {
		return 0, err
	}
	if len(payload) > len(out) {
		return 0, fmt.Errorf("RSAEncryptMsgExt: %w", ErrBufferTooSmall)
	}
	return copy(out, payload), nil
}

// RSAEncryptOIDOID encrypts the content of a data object (typically a
// session-held secret) under the public key in keyOID. The plaintext never
// crosses the bus.
func (c *CmdContext) RSAEncryptOIDOID(msgOID, keyOID OID, out []byte) (int, error) {
	payloadLen := 5 + 5
	if err := c.checkPayload(payloadLen, len(out)); err != nil {
		return 0, err
	}

	putAPDUHeader(c.buf, cmdEncryptAsym, rsaesPKCS1v15, payloadLen)
	off := apduHeaderLen
	off += putTLVUint16(c.buf[off:], tagMessageOID, uint16(msgOID))
	off += putTLVUint16(c.buf[off:], tagPubKeyOID, uint16(keyOID))

	payload, err := c.exchange("RSAEncryptOIDOID", off, off)
	if err != nil {
		return 0, err
	}
	if len(payload) > len(out) {
		return 0, fmt.Errorf("RSAEncryptOIDOID: %w", ErrBufferTooSmall)
	}
	return copy(out, payload), nil
}

// RSADecrypt decrypts a ciphertext with the RSA private key in keyOID and
// returns the plaintext length written to out.
func (c *CmdContext) RSADecrypt(keyOID OID, ciphertext, out []byte) (int, error) {
	payloadLen := tlvHeaderLen + len(ciphertext) + 5
	if err := c.checkPayload(payloadLen, len(out)); err != nil {
		return 0, err
	}

	putAPDUHeader(c.buf, cmdDecryptAsym, rsaesPKCS1v15, payloadLen)
	off := apduHeaderLen
	off += putTLV(c.buf[off:], tagMessage, ciphertext)
	off += putTLVUint16(c.buf[off:], tagPrivKeyOID, uint16(keyOID))

	payload, err := c.exchange("RSADecrypt", off, off)
	if err != nil {
		return 0, err
	}
	if len(payload) > len(out) {
		return 0, fmt.Errorf("RSADecrypt: %w", ErrBufferTooSmall)
	}
	return copy(out, payload), nil
}

// RSADecryptToOID decrypts a ciphertext directly into a session context; the
// plaintext never leaves the chip.
func (c *CmdContext) RSADecryptToOID(keyOID OID, ciphertext []byte, targetOID OID) error {
	payloadLen := tlvHeaderLen + len(ciphertext) + 5 + 5
	if err := c.checkPayload(payloadLen, apduHeaderLen); err != nil {
		return err
	}

	putAPDUHeader(c.buf, cmdDecryptAsym, rsaesPKCS1v15, payloadLen)
	off := apduHeaderLen
	off += putTLV(c.buf[off:], tagMessage, ciphertext)
	off += putTLVUint16(c.buf[off:], tagPrivKeyOID, uint16(keyOID))
	off += putTLVUint16(c.buf[off:], tagSessionOID, uint16(targetOID))

	_, err := c.exchange("RSADecryptToOID", off, off)
	return err
}

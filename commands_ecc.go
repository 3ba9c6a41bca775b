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

// Key sizes for the supported curves.
const (
	P256SecKeyLen = 32
	P384SecKeyLen = 48
	P256PubKeyLen = 2 * P256SecKeyLen
	P384PubKeyLen = 2 * P384SecKeyLen

	P256SignatureLen = 64
	P384SignatureLen = 96
)

// TLV tags used by the asymmetric crypto commands.
const (
	tagDigest       = 0x01
	tagSignature    = 0x02
	tagPrivKeyOID   = 0x03
	tagPubKeyOID    = 0x04
	tagAlgorithm    = 0x05
	tagExtPublicKey = 0x06
	tagExportKey    = 0x07
	tagSessionOID   = 0x08
)

// GenKeyPair payload tags.
const (
	tagGenKeyOID   = 0x01
	tagGenKeyUsage = 0x02
)

// eccPubKeyLen returns the raw point size for a curve.
func eccPubKeyLen(alg Alg) (int, error) {
	switch alg {
	case AlgECCP256:
		return P256PubKeyLen, nil
	case AlgECCP384:
		return P384PubKeyLen, nil
	default:
		return 0, fmt.Errorf("%w: algorithm %#02x is not an ECC curve", ErrInvalidArgument, byte(alg))
	}
}

// The chip wraps an exported public key in a fixed DER envelope: an outer
// tag 0x02 element holding a BIT STRING of the uncompressed point.
const (
	eccEnvelopeOverhead = 7
	derTagBitString     = 0x03
	eccUncompressed     = 0x04
)

// parseECCPubKey validates the DER envelope around an exported raw point and
// copies the point into pubKey. The envelope has a constant shape per curve;
// every field is checked so a variant encoding fails loudly instead of
// corrupting the output.
func parseECCPubKey(payload, pubKey []byte, pubKeyLen int) error {
	if len(payload) != pubKeyLen+eccEnvelopeOverhead {
		return fmt.Errorf("%w: public key envelope is %d bytes, expected %d",
			ErrFraming, len(payload), pubKeyLen+eccEnvelopeOverhead)
	}
	if payload[0] != tagSignature { // outer export tag, coincides with 0x02
		return fmt.Errorf("%w: unexpected public key tag %#02x", ErrFraming, payload[0])
	}
	if int(binary.BigEndian.Uint16(payload[1:])) != pubKeyLen+4 {
		return fmt.Errorf("%w: public key envelope length mismatch", ErrFraming)
	}
	if payload[3] != derTagBitString || int(payload[4]) != pubKeyLen+2 ||
		payload[5] != 0x00 || payload[6] != eccUncompressed {
		return fmt.Errorf("%w: unexpected point encoding %x", ErrFraming, payload[3:7])
	}

	copy(pubKey, payload[eccEnvelopeOverhead:])
	return nil
}

// ECCGenKeys generates an ECC key pair, storing the private key in oid and
// exporting the raw public point into pubKey. Returns the point length.
func (c *CmdContext) ECCGenKeys(oid OID, alg Alg, usage KeyUsage, pubKey []byte) (int, error) {
	pubKeyLen, err := eccPubKeyLen(alg)
	if err != nil {
		return 0, err
	}
	if len(pubKey) < pubKeyLen {
		return 0, fmt.Errorf("%w: curve needs a %d-byte public key buffer",
			ErrInvalidArgument, pubKeyLen)
	}
	if err := c.checkPayload(9, pubKeyLen+eccEnvelopeOverhead); err != nil {
		return 0, err
	}

	putAPDUHeader(c.buf, cmdGenKeyPair, byte(alg), 9)
	off := apduHeaderLen
	off += putTLVUint16(c.buf[off:], tagGenKeyOID, uint16(oid))
	putTLVByte(c.buf[off:], tagGenKeyUsage, byte(usage))

	payload, err := c.exchange("ECCGenKeys", apduHeaderLen+9, 0)
	if err != nil {
		return 0, err
	}
	if err := parseECCPubKey(payload, pubKey, pubKeyLen); err != nil {
		return 0, fmt.Errorf("ECCGenKeys: %w", err)
	}
	return pubKeyLen, nil
}

// ECCGenKeysExt generates an ECC key pair and exports both halves to the
// host; nothing is stored on the chip. Returns private and public key
// lengths.
func (c *CmdContext) ECCGenKeysExt(alg Alg, privKey, pubKey []byte) (int, int, error) {
	pubKeyLen, err := eccPubKeyLen(alg)
	if err != nil {
		return 0, 0, err
	}
	privKeyLen := pubKeyLen / 2
	if len(privKey) < privKeyLen || len(pubKey) < pubKeyLen {
		return 0, 0, fmt.Errorf("%w: curve needs %d+%d byte key buffers",
			ErrInvalidArgument, privKeyLen, pubKeyLen)
	}
	if err := c.checkPayload(7, privKeyLen+pubKeyLen+2*tlvHeaderLen+eccEnvelopeOverhead); err != nil {
		return 0, 0, err
	}

	putAPDUHeader(c.buf, cmdGenKeyPair, byte(alg), 7)
	off := apduHeaderLen
	off += putTLVByte(c.buf[off:], tagGenKeyUsage, byte(KeyUsageSign|KeyUsageKeyAgree))
	putTLV(c.buf[off:], tagExportKey, nil)

	payload, err := c.exchange("ECCGenKeysExt", apduHeaderLen+7, 0)
	if err != nil {
		return 0, 0, err
	}

	// Response: TLV(0x01 private key) + TLV(0x02 public key envelope)
	if len(payload) < tlvHeaderLen || payload[0] != tagGenKeyOID {
		return 0, 0, fmt.Errorf("ECCGenKeysExt: %w: missing private key element", ErrFraming)
	}
	privLen := int(binary.BigEndian.Uint16(payload[1:]))
	if privLen != privKeyLen || len(payload) < tlvHeaderLen+privLen {
		return 0, 0, fmt.Errorf("ECCGenKeysExt: %w: private key is %d bytes, expected %d",
			ErrFraming, privLen, privKeyLen)
	}
	copy(privKey, payload[tlvHeaderLen:tlvHeaderLen+privLen])

	if err := parseECCPubKey(payload[tlvHeaderLen+privLen:], pubKey, pubKeyLen); err != nil {
		return 0, 0, fmt.Errorf("ECCGenKeysExt: %w", err)
	}
	return privKeyLen, pubKeyLen, nil
}

// signatureSchemeECDSA is the CalcSign/VerifySign param for ECDSA FIPS 186-3
// without hashing.
const signatureSchemeECDSA = 0x11

// ECDSASign signs a digest with the private key in oid. sig receives the
// fixed-width R‖S signature; its length selects the expected curve width (64
// for P-256, 96 for P-384).
func (c *CmdContext) ECDSASign(oid OID, digest, sig []byte) error {
	if len(sig) == 0 || len(sig)%2 != 0 {
		return fmt.Errorf("%w: signature buffer length %d is not an even split of R and S",
			ErrInvalidArgument, len(sig))
	}
	// Worst-case response: header plus two DER INTEGERs of half+3 bytes each
	// when both R and S carry a leading zero pad
	payloadLen := tlvHeaderLen + len(digest) + 5
	if err := c.checkPayload(payloadLen, apduHeaderLen+len(sig)+6); err != nil {
		return err
	}

	putAPDUHeader(c.buf, cmdCalcSign, signatureSchemeECDSA, payloadLen)
	off := apduHeaderLen
	off += putTLV(c.buf[off:], tagDigest, digest)
	putTLVUint16(c.buf[off:], tagPrivKeyOID, uint16(oid))

	txLen := apduHeaderLen + payloadLen
	payload, err := c.exchange("ECDSASign", txLen, txLen)
	if err != nil {
		return err
	}
	if err := ecdsaDERToRS(payload, sig); err != nil {
		return fmt.Errorf("ECDSASign: %w", err)
	}
	return nil
}

// putECDSAVerifyCommon encodes the digest and re-encoded signature shared by
// both verify variants, returning the offset past the signature element.
func (c *CmdContext) putECDSAVerifyCommon(digest, sig []byte) (int, error) {
	off := apduHeaderLen
	off += putTLV(c.buf[off:], tagDigest, digest)

	// Signature element: the fixed-width R‖S re-encoded as DER INTEGERs.
	// Length is only known after encoding
	c.buf[off] = tagSignature
	sigLenField := off + 1
	derLen, err := ecdsaRSToDER(c.buf[off+tlvHeaderLen:], sig)
	if err != nil {
		return 0, err
	}
	binary.BigEndian.PutUint16(c.buf[sigLenField:], uint16(derLen)) //nolint:gosec // bounded by buffer
	return off + tlvHeaderLen + derLen, nil
}

// ECDSAVerifyOID verifies a fixed-width R‖S signature over digest against the
// public key stored in oid. A verification mismatch surfaces as a
// *DeviceError with the signature verification failure code.
func (c *CmdContext) ECDSAVerifyOID(oid OID, digest, sig []byte) error {
	if len(sig) == 0 || len(sig)%2 != 0 {
		return fmt.Errorf("%w: signature length %d is not an even split of R and S",
			ErrInvalidArgument, len(sig))
	}
	// Worst case: each half gains a padding octet
	if err := c.checkPayload(tlvHeaderLen+len(digest)+tlvHeaderLen+len(sig)+2+5, apduHeaderLen); err != nil {
		return err
	}

	off, err := c.putECDSAVerifyCommon(digest, sig)
	if err != nil {
		return err
	}
	off += putTLVUint16(c.buf[off:], tagPubKeyOID, uint16(oid))

	putAPDUHeader(c.buf, cmdVerifySign, signatureSchemeECDSA, off-apduHeaderLen)
	_, err = c.exchange("ECDSAVerifyOID", off, off)
	return err
}

// ECDSAVerifyExt verifies a signature against a host-supplied raw public
// point instead of a stored key.
func (c *CmdContext) ECDSAVerifyExt(alg Alg, pubKey, digest, sig []byte) error {
	pubKeyLen, err := eccPubKeyLen(alg)
	if err != nil {
		return err
	}
	if len(pubKey) != pubKeyLen {
		return fmt.Errorf("%w: public key must be the %d-byte raw point",
			ErrInvalidArgument, pubKeyLen)
	}
	if len(sig) == 0 || len(sig)%2 != 0 {
		return fmt.Errorf("%w: signature length %d is not an even split of R and S",
			ErrInvalidArgument, len(sig))
	}
	payloadMax := tlvHeaderLen + len(digest) + tlvHeaderLen + len(sig) + 2 +
		4 + tlvHeaderLen + len(pubKey) + 1
	if err := c.checkPayload(payloadMax, apduHeaderLen); err != nil {
		return err
	}

	off, err := c.putECDSAVerifyCommon(digest, sig)
	if err != nil {
		return err
	}
	off += putTLVByte(c.buf[off:], tagAlgorithm, byte(alg))

	// Public key as an uncompressed point
	c.buf[off] = tagExtPublicKey
	binary.BigEndian.PutUint16(c.buf[off+1:], uint16(len(pubKey)+1)) //nolint:gosec // bounded above
	c.buf[off+tlvHeaderLen] = eccUncompressed
	copy(c.buf[off+tlvHeaderLen+1:], pubKey)
	off += tlvHeaderLen + 1 + len(pubKey)

	putAPDUHeader(c.buf, cmdVerifySign, signatureSchemeECDSA, off-apduHeaderLen)
	_, err = c.exchange("ECDSAVerifyExt", off, off)
	return err
}

// ecdhParam selects ECDH key agreement on the CalcSSec command.
const ecdhParam = 0x01

// putECDHCommon encodes the private key reference and peer public point.
func (c *CmdContext) putECDHCommon(privOID OID, alg Alg, peerPub []byte) int {
	off := apduHeaderLen
	off += putTLVUint16(c.buf[off:], tagGenKeyOID, uint16(privOID))
	off += putTLVByte(c.buf[off:], tagAlgorithm, byte(alg))

	c.buf[off] = tagExtPublicKey
	binary.BigEndian.PutUint16(c.buf[off+1:], uint16(len(peerPub)+1)) //nolint:gosec // checked by callers
	c.buf[off+tlvHeaderLen] = eccUncompressed
	copy(c.buf[off+tlvHeaderLen+1:], peerPub)
	return off + tlvHeaderLen + 1 + len(peerPub)
}

// ECDHCalcExt computes an ECDH shared secret from the private key in privOID
// and the peer's raw public point, exporting it into secret.
func (c *CmdContext) ECDHCalcExt(privOID OID, alg Alg, peerPub, secret []byte) error {
	pubKeyLen, err := eccPubKeyLen(alg)
	if err != nil {
		return err
	}
	if len(peerPub) != pubKeyLen {
		return fmt.Errorf("%w: peer key must be the %d-byte raw point", ErrInvalidArgument, pubKeyLen)
	}
	secretLen := pubKeyLen / 2
	if len(secret) < secretLen {
		return fmt.Errorf("%w: shared secret needs %d bytes", ErrInvalidArgument, secretLen)
	}

	payloadLen := 5 + 4 + tlvHeaderLen + 1 + len(peerPub) + tlvHeaderLen
	if err := c.checkPayload(payloadLen, secretLen); err != nil {
		return err
	}

	off := c.putECDHCommon(privOID, alg, peerPub)
	off += putTLV(c.buf[off:], tagExportKey, nil)

	putAPDUHeader(c.buf, cmdCalcSSec, ecdhParam, off-apduHeaderLen)
	payload, err := c.exchange("ECDHCalcExt", off, off)
	if err != nil {
		return err
	}
	if len(payload) != secretLen {
		return fmt.Errorf("ECDHCalcExt: %w: %d-byte shared secret, expected %d",
			ErrFraming, len(payload), secretLen)
	}
	copy(secret, payload)
	return nil
}

// ECDHCalcOID computes an ECDH shared secret and stores it in a session
// context for later key derivation; the secret never leaves the chip.
func (c *CmdContext) ECDHCalcOID(privOID OID, alg Alg, peerPub []byte, sessionOID OID) error {
	pubKeyLen, err := eccPubKeyLen(alg)
	if err != nil {
		return err
	}
	if len(peerPub) != pubKeyLen {
		return fmt.Errorf("%w: peer key must be the %d-byte raw point", ErrInvalidArgument, pubKeyLen)
	}

	payloadLen := 5 + 4 + tlvHeaderLen + 1 + len(peerPub) + 5
	if err := c.checkPayload(payloadLen, apduHeaderLen); err != nil {
		return err
	}

	off := c.putECDHCommon(privOID, alg, peerPub)
	off += putTLVUint16(c.buf[off:], tagSessionOID, uint16(sessionOID))

	putAPDUHeader(c.buf, cmdCalcSSec, ecdhParam, off-apduHeaderLen)
	_, err = c.exchange("ECDHCalcOID", off, off)
	return err
}

// deriveKeyParam selects the TLS 1.2 PRF with SHA-256.
const deriveKeyParam = 0x01

// putDeriveKeyCommon encodes the shared secret reference, derivation data and
// requested key length.
func (c *CmdContext) putDeriveKeyCommon(secretOID OID, derivData []byte, keyLen int) int {
	off := apduHeaderLen
	off += putTLVUint16(c.buf[off:], tagGenKeyOID, uint16(secretOID))
	off += putTLV(c.buf[off:], tagSignature, derivData)
	off += putTLVUint16(c.buf[off:], tagPrivKeyOID, uint16(keyLen)) //nolint:gosec // checked by callers
	return off
}

// DeriveKeyExt derives key material from a session-held shared secret using
// the TLS 1.2 PRF (SHA-256) and exports it into key.
func (c *CmdContext) DeriveKeyExt(secretOID OID, derivData, key []byte) error {
	if len(key) == 0 || len(key) > 0xFFFF {
		return fmt.Errorf("%w: derived key length %d", ErrInvalidArgument, len(key))
	}
	payloadLen := 5 + tlvHeaderLen + len(derivData) + 5 + tlvHeaderLen
	if err := c.checkPayload(payloadLen, len(key)); err != nil {
		return err
	}

	off := c.putDeriveKeyCommon(secretOID, derivData, len(key))
	off += putTLV(c.buf[off:], tagExportKey, nil)

	putAPDUHeader(c.buf, cmdDeriveKey, deriveKeyParam, off-apduHeaderLen)
	payload, err := c.exchange("DeriveKeyExt", off, off)
	if err != nil {
		return err
	}
	if len(payload) != len(key) {
		return fmt.Errorf("DeriveKeyExt: %w: derived %d bytes, expected %d",
			ErrFraming, len(payload), len(key))
	}
	copy(key, payload)
	return nil
}

// DeriveKeyOID derives key material into a session context; the derived key
// never leaves the chip.
func (c *CmdContext) DeriveKeyOID(secretOID OID, derivData []byte, keyLen int, targetOID OID) error {
	if keyLen <= 0 || keyLen > 0xFFFF {
		return fmt.Errorf("%w: derived key length %d", ErrInvalidArgument, keyLen)
	}
	payloadLen := 5 + tlvHeaderLen + len(derivData) + 5 + 5
	if err := c.checkPayload(payloadLen, apduHeaderLen); err != nil {
		return err
	}

	off := c.putDeriveKeyCommon(secretOID, derivData, keyLen)
	off += putTLVUint16(c.buf[off:], tagSessionOID, uint16(targetOID))

	putAPDUHeader(c.buf, cmdDeriveKey, deriveKeyParam, off-apduHeaderLen)
	_, err := c.exchange("DeriveKeyOID", off, off)
	return err
}

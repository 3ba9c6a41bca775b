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
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// p256PubKeyEnvelope wraps a raw point in the DER envelope the chip exports.
func p256PubKeyEnvelope(point []byte) []byte {
	envelope := []byte{
		0x02, 0x00, byte(len(point) + 4),
		0x03, byte(len(point) + 2), 0x00, 0x04,
	}
	return append(envelope, point...)
}

func TestECCGenKeys(t *testing.T) {
	t.Parallel()

	point := bytes.Repeat([]byte{0x42}, P256PubKeyLen)
	mock := NewMockTransport()
	mock.SetResponse(cmdGenKeyPair, dataResponse(p256PubKeyEnvelope(point)...))
	ctx := newTestCmdContext(t, mock)

	pubKey := make([]byte, P256PubKeyLen)
	n, err := ctx.ECCGenKeys(0xE0F1, AlgECCP256, KeyUsageSign, pubKey)
	require.NoError(t, err)
	assert.Equal(t, P256PubKeyLen, n)
	assert.Equal(t, point, pubKey)

	// GenKeyPair: param selects the curve, then TLV(OID) + TLV(usage)
	sent := mock.LastSent(cmdGenKeyPair)
	assert.Equal(t, []byte{
		0xB8, 0x03, 0x00, 0x09,
		0x01, 0x00, 0x02, 0xE0, 0xF1,
		0x02, 0x00, 0x01, 0x10,
	}, sent)
}

func TestECCGenKeysUndersizedBuffer(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	ctx := newTestCmdContext(t, mock)

	pubKey := make([]byte, P256PubKeyLen-1)
	_, err := ctx.ECCGenKeys(0xE0F1, AlgECCP256, KeyUsageSign, pubKey)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, 0, mock.GetCallCount(cmdGenKeyPair), "must fail before any bus traffic")
}

func TestECCGenKeysEnvelopeMismatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		envelope []byte
	}{
		{
			name: "wrong outer tag",
			envelope: func() []byte {
				e := p256PubKeyEnvelope(bytes.Repeat([]byte{0x42}, P256PubKeyLen))
				e[0] = 0x01
				return e
			}(),
		},
		{
			name: "compressed point marker",
			envelope: func() []byte {
				e := p256PubKeyEnvelope(bytes.Repeat([]byte{0x42}, P256PubKeyLen))
				e[6] = 0x02
				return e
			}(),
		},
		{
			name:     "variable-length envelope",
			envelope: p256PubKeyEnvelope(bytes.Repeat([]byte{0x42}, P256PubKeyLen))[:40],
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			mock := NewMockTransport()
			mock.SetResponse(cmdGenKeyPair, dataResponse(tt.envelope...))
			ctx := newTestCmdContext(t, mock)

			pubKey := make([]byte, P256PubKeyLen)
			_, err := ctx.ECCGenKeys(0xE0F1, AlgECCP256, KeyUsageSign, pubKey)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrFraming, "shape mismatch must fail, not corrupt output")
		})
	}
}

func TestECDSASign(t *testing.T) {
	t.Parallel()

	// Device returns two DER INTEGERs
	der := []byte{
		0x02, 0x02, 0x12, 0x34,
		0x02, 0x03, 0x00, 0x80, 0x01,
	}
	mock := NewMockTransport()
	mock.SetResponse(cmdCalcSign, dataResponse(der...))
	ctx := newTestCmdContext(t, mock)

	digest := bytes.Repeat([]byte{0xD1}, SHA256DigestLen)
	sig := make([]byte, 4)
	require.NoError(t, ctx.ECDSASign(0xE0F1, digest, sig))
	assert.Equal(t, []byte{0x12, 0x34, 0x80, 0x01}, sig)

	// TLV(digest) + TLV(key OID), ECDSA scheme param
	sent := mock.LastSent(cmdCalcSign)
	require.NotNil(t, sent)
	assert.Equal(t, byte(0xB1), sent[0])
	assert.Equal(t, byte(0x11), sent[1])
	assert.Equal(t, []byte{0x01, 0x00, 0x20}, sent[4:7])
	assert.Equal(t, digest, sent[7:7+SHA256DigestLen])
	assert.Equal(t, []byte{0x03, 0x00, 0x02, 0xE0, 0xF1}, sent[7+SHA256DigestLen:])
}

func TestECDSASignFullWidthSignatureTightBuffer(t *testing.T) {
	t.Parallel()

	// Both halves full width with the high bit set, so each DER INTEGER
	// carries a leading zero pad and the response reaches its maximum size
	half := bytes.Repeat([]byte{0xFF}, P256SignatureLen/2)
	der := append([]byte{0x02, 0x21, 0x00}, half...)
	der = append(der, 0x02, 0x21, 0x00)
	der = append(der, half...)

	mock := NewMockTransport()
	mock.SetResponse(cmdCalcSign, dataResponse(der...))
	dev := newTestDevice(t, mock)

	// The smallest buffer ECDSASign accepts for a P-256 signature
	bufLen := 2*apduHeaderLen + tlvHeaderLen + SHA256DigestLen + 5 + P256SignatureLen + 6
	ctx, err := NewCmdContext(dev, WithBuffer(make([]byte, bufLen)))
	require.NoError(t, err)

	digest := bytes.Repeat([]byte{0xD1}, SHA256DigestLen)
	sig := make([]byte, P256SignatureLen)
	require.NoError(t, ctx.ECDSASign(0xE0F1, digest, sig))
	assert.Equal(t, bytes.Repeat([]byte{0xFF}, P256SignatureLen), sig)
	assert.Equal(t, 1, mock.InitCount(), "a full-width signature must not reset the link")

	// One byte less is rejected up front, before any bus traffic
	short, err := NewCmdContext(dev, WithBuffer(make([]byte, bufLen-1)))
	require.NoError(t, err)
	assert.ErrorIs(t, short.ECDSASign(0xE0F1, digest, sig), ErrBufferTooSmall)
}

func TestECDSASignOddBuffer(t *testing.T) {
	t.Parallel()

	ctx := newTestCmdContext(t, NewMockTransport())
	err := ctx.ECDSASign(0xE0F1, make([]byte, 32), make([]byte, 63))
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestECDSAVerifyOID(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	mock.SetResponse(cmdVerifySign, dataResponse())
	ctx := newTestCmdContext(t, mock)

	digest := []byte{0xAA, 0xBB}
	sig := []byte{0x80, 0x01, 0x00, 0x05}
	require.NoError(t, ctx.ECDSAVerifyOID(0xE0E0, digest, sig))

	// Digest TLV, then the signature re-encoded as DER INTEGERs (leading
	// zero re-added for the high bit), then the key OID TLV
	want := []byte{
		0xB2, 0x11, 0x00, 0x15,
		0x01, 0x00, 0x02, 0xAA, 0xBB,
		0x02, 0x00, 0x08,
		0x02, 0x03, 0x00, 0x80, 0x01,
		0x02, 0x01, 0x05,
		0x04, 0x00, 0x02, 0xE0, 0xE0,
	}
	assert.Equal(t, want, mock.LastSent(cmdVerifySign))
}

func TestECDSAVerifyOIDOddSignature(t *testing.T) {
	t.Parallel()

	ctx := newTestCmdContext(t, NewMockTransport())
	err := ctx.ECDSAVerifyOID(0xE0E0, []byte{0x01}, []byte{0x01, 0x02, 0x03})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestECDSAVerifyExt(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	mock.SetResponse(cmdVerifySign, dataResponse())
	ctx := newTestCmdContext(t, mock)

	pubKey := bytes.Repeat([]byte{0x42}, P256PubKeyLen)
	digest := bytes.Repeat([]byte{0xD1}, SHA256DigestLen)
	sig := bytes.Repeat([]byte{0x01}, P256SignatureLen)
	require.NoError(t, ctx.ECDSAVerifyExt(AlgECCP256, pubKey, digest, sig))

	sent := mock.LastSent(cmdVerifySign)
	require.NotNil(t, sent)
	// The external key rides behind an algorithm TLV and an uncompressed
	// point marker
	tail := sent[len(sent)-(4+tlvHeaderLen+1+P256PubKeyLen):]
	assert.Equal(t, []byte{0x05, 0x00, 0x01, 0x03}, tail[:4])
	assert.Equal(t, []byte{0x06, 0x00, 0x41, 0x04}, tail[4:8])
	assert.Equal(t, pubKey, tail[8:])
}

func TestECDSAVerifyExtWrongKeySize(t *testing.T) {
	t.Parallel()

	ctx := newTestCmdContext(t, NewMockTransport())
	err := ctx.ECDSAVerifyExt(AlgECCP256, make([]byte, 10), make([]byte, 32), make([]byte, 64))
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestECDHCalcOID(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	mock.SetResponse(cmdCalcSSec, dataResponse())
	ctx := newTestCmdContext(t, mock)

	peerPub := bytes.Repeat([]byte{0x55}, P256PubKeyLen)
	require.NoError(t, ctx.ECDHCalcOID(0xE0F1, AlgECCP256, peerPub, 0xE100))

	sent := mock.LastSent(cmdCalcSSec)
	require.NotNil(t, sent)
	assert.Equal(t, byte(0xB3), sent[0])
	assert.Equal(t, byte(0x01), sent[1])
	assert.Equal(t, []byte{0x08, 0x00, 0x02, 0xE1, 0x00}, sent[len(sent)-5:],
		"shared secret targets the session context")
}

func TestECDHCalcExt(t *testing.T) {
	t.Parallel()

	secret := bytes.Repeat([]byte{0x99}, P256SecKeyLen)
	mock := NewMockTransport()
	mock.SetResponse(cmdCalcSSec, dataResponse(secret...))
	ctx := newTestCmdContext(t, mock)

	peerPub := bytes.Repeat([]byte{0x55}, P256PubKeyLen)
	out := make([]byte, P256SecKeyLen)
	require.NoError(t, ctx.ECDHCalcExt(0xE0F1, AlgECCP256, peerPub, out))
	assert.Equal(t, secret, out)
}

func TestDeriveKeyExt(t *testing.T) {
	t.Parallel()

	key := bytes.Repeat([]byte{0x17}, 40)
	mock := NewMockTransport()
	mock.SetResponse(cmdDeriveKey, dataResponse(key...))
	ctx := newTestCmdContext(t, mock)

	out := make([]byte, 40)
	require.NoError(t, ctx.DeriveKeyExt(0xE100, []byte("key expansion"), out))
	assert.Equal(t, key, out)

	sent := mock.LastSent(cmdDeriveKey)
	require.NotNil(t, sent)
	assert.Equal(t, byte(0xB4), sent[0])
	assert.Equal(t, []byte{0x01, 0x00, 0x02, 0xE1, 0x00}, sent[4:9],
		"derives from the session-held shared secret")
}

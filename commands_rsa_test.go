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

func TestRSAGenKeys(t *testing.T) {
	t.Parallel()

	derKey := bytes.Repeat([]byte{0x5B}, 140)
	envelope := append([]byte{0x02, 0x00, 0x8C}, derKey...)

	mock := NewMockTransport()
	mock.SetResponse(cmdGenKeyPair, dataResponse(envelope...))
	ctx := newTestCmdContext(t, mock)

	pubKey := make([]byte, 256)
	n, err := ctx.RSAGenKeys(0xE0FC, AlgRSA1024, KeyUsageSign|KeyUsageEnc, pubKey)
	require.NoError(t, err)
	assert.Equal(t, derKey, pubKey[:n])

	sent := mock.LastSent(cmdGenKeyPair)
	assert.Equal(t, []byte{
		0xB8, 0x41, 0x00, 0x09,
		0x01, 0x00, 0x02, 0xE0, 0xFC,
		0x02, 0x00, 0x01, 0x12,
	}, sent)
}

func TestRSAGenKeysWrongAlg(t *testing.T) {
	t.Parallel()

	ctx := newTestCmdContext(t, NewMockTransport())
	_, err := ctx.RSAGenKeys(0xE0FC, AlgECCP256, KeyUsageSign, make([]byte, 256))
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestRSASign(t *testing.T) {
	t.Parallel()

	signature := bytes.Repeat([]byte{0xC3}, 128)
	mock := NewMockTransport()
	mock.SetResponse(cmdCalcSign, dataResponse(signature...))
	ctx := newTestCmdContext(t, mock)

	digest := bytes.Repeat([]byte{0xD1}, SHA256DigestLen)
	sig := make([]byte, 128)
	n, err := ctx.RSASign(0xE0FC, SigSchemeRSAPKCS1v15SHA256, digest, sig)
	require.NoError(t, err)
	assert.Equal(t, 128, n)
	assert.Equal(t, signature, sig)

	sent := mock.LastSent(cmdCalcSign)
	require.NotNil(t, sent)
	assert.Equal(t, byte(0x01), sent[1], "PKCS#1 v1.5 SHA256 scheme")
}

func TestRSAVerifyOID(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	mock.SetResponse(cmdVerifySign, dataResponse())
	ctx := newTestCmdContext(t, mock)

	digest := []byte{0x0A, 0x0B}
	sig := []byte{0xC1, 0xC2, 0xC3}
	require.NoError(t, ctx.RSAVerifyOID(0xE0E1, SigSchemeRSAPKCS1v15SHA384, digest, sig))

	want := []byte{
		0xB2, 0x02, 0x00, 0x10,
		0x01, 0x00, 0x02, 0x0A, 0x0B,
		0x02, 0x00, 0x03, 0xC1, 0xC2, 0xC3,
		0x04, 0x00, 0x02, 0xE0, 0xE1,
	}
	assert.Equal(t, want, mock.LastSent(cmdVerifySign))
}

func TestRSAEncryptDecryptRound(t *testing.T) {
	t.Parallel()

	ciphertext := bytes.Repeat([]byte{0xEE}, 128)
	mock := NewMockTransport()
	mock.SetResponse(cmdEncryptAsym, dataResponse(ciphertext...))
	mock.SetResponse(cmdDecryptAsym, dataResponse([]byte("secret")...))
	ctx := newTestCmdContext(t, mock)

	out := make([]byte, 128)
	n, err := ctx.RSAEncryptMsgOID([]byte("secret"), 0xE0E1, out)
	require.NoError(t, err)
	assert.Equal(t, ciphertext, out[:n])

	sentEnc := mock.LastSent(cmdEncryptAsym)
	require.NotNil(t, sentEnc)
	assert.Equal(t, byte(0x11), sentEnc[1], "RSAES PKCS#1 v1.5")
	assert.Equal(t, byte(0x61), sentEnc[4], "message tag")

	plain := make([]byte, 16)
	n, err = ctx.RSADecrypt(0xE0FC, out[:128], plain)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), plain[:n])
}

func TestRSADecryptToOID(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	mock.SetResponse(cmdDecryptAsym, dataResponse())
	ctx := newTestCmdContext(t, mock)

	ciphertext := bytes.Repeat([]byte{0xEE}, 128)
	require.NoError(t, ctx.RSADecryptToOID(0xE0FC, ciphertext, 0xE101))

	sent := mock.LastSent(cmdDecryptAsym)
	require.NotNil(t, sent)
	assert.Equal(t, []byte{0x08, 0x00, 0x02, 0xE1, 0x01}, sent[len(sent)-5:],
		"plaintext lands in the session context")
}

func TestRSAEncryptOIDOID(t *testing.T) {
	t.Parallel()

	ciphertext := bytes.Repeat([]byte{0xAB}, 256)
	mock := NewMockTransport()
	mock.SetResponse(cmdEncryptAsym, dataResponse(ciphertext...))
	ctx := newTestCmdContext(t, mock)

	out := make([]byte, 256)
	n, err := ctx.RSAEncryptOIDOID(0xE100, 0xE0E1, out)
	require.NoError(t, err)
	assert.Equal(t, 256, n)

	sent := mock.LastSent(cmdEncryptAsym)
	assert.Equal(t, []byte{
		0x1E, 0x11, 0x00, 0x0A,
		0x62, 0x00, 0x02, 0xE1, 0x00,
		0x04, 0x00, 0x02, 0xE0, 0xE1,
	}, sent)
}

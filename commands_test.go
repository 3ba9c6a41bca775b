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

// newTestCmdContext builds a device plus command context on a mock transport.
func newTestCmdContext(t *testing.T, mock *MockTransport) *CmdContext {
	t.Helper()

	dev := newTestDevice(t, mock)
	ctx, err := NewCmdContext(dev)
	require.NoError(t, err)
	return ctx
}

// dataResponse builds a successful response APDU around payload.
func dataResponse(payload ...byte) []byte {
	resp := []byte{0x00, 0x00, byte(len(payload) >> 8), byte(len(payload))}
	return append(resp, payload...)
}

func TestDataGet(t *testing.T) {
	t.Parallel()

	content := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	mock := NewMockTransport()
	mock.SetResponse(cmdGetDataObject, dataResponse(content...))
	ctx := newTestCmdContext(t, mock)

	buf := make([]byte, 8)
	n, err := ctx.DataGet(0xF1D0, 2, buf)
	require.NoError(t, err)
	assert.Equal(t, content, buf[:n])

	// GetDataObject: OID + offset + requested length, all big-endian
	sent := mock.LastSent(cmdGetDataObject)
	assert.Equal(t, []byte{0x81, 0x00, 0x00, 0x06, 0xF1, 0xD0, 0x00, 0x02, 0x00, 0x08}, sent)
}

func TestDataGetIdempotent(t *testing.T) {
	t.Parallel()

	content := []byte{0x11, 0x22, 0x33}
	mock := NewMockTransport()
	mock.SetResponse(cmdGetDataObject, dataResponse(content...))
	ctx := newTestCmdContext(t, mock)

	first := make([]byte, 3)
	second := make([]byte, 3)

	n, err := ctx.DataGet(0xF1D0, 0, first)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	n, err = ctx.DataGet(0xF1D0, 0, second)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	assert.Equal(t, first, second)
}

func TestDataGetBufferTooSmall(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	mock.SetResponse(cmdGetDataObject, dataResponse(0x01, 0x02, 0x03, 0x04))
	ctx := newTestCmdContext(t, mock)

	buf := make([]byte, 2)
	_, err := ctx.DataGet(0xF1D0, 0, buf)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBufferTooSmall)
}

func TestDataSet(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	ctx := newTestCmdContext(t, mock)

	err := ctx.DataSet(0xF1D0, ModeEraseAndWrite, 4, []byte{0xCA, 0xFE})
	require.NoError(t, err)

	sent := mock.LastSent(cmdSetDataObject)
	assert.Equal(t, []byte{0x82, 0x40, 0x00, 0x06, 0xF1, 0xD0, 0x00, 0x04, 0xCA, 0xFE}, sent)
}

func TestDataSetInvalidOffset(t *testing.T) {
	t.Parallel()

	ctx := newTestCmdContext(t, NewMockTransport())
	err := ctx.DataSet(0xF1D0, ModeWrite, 0x10000, []byte{0x00})
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestCounterInc(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	ctx := newTestCmdContext(t, mock)

	require.NoError(t, ctx.CounterInc(0xE120, 5))

	sent := mock.LastSent(cmdSetDataObject)
	assert.Equal(t, []byte{0x82, 0x02, 0x00, 0x05, 0xE1, 0x20, 0x00, 0x00, 0x05}, sent)
}

func TestMetadataRoundPair(t *testing.T) {
	t.Parallel()

	metadata := []byte{0x20, 0x03, 0xC0, 0x01, 0x01}
	mock := NewMockTransport()
	mock.SetResponse(cmdGetDataObject, dataResponse(metadata...))
	ctx := newTestCmdContext(t, mock)

	buf := make([]byte, 16)
	n, err := ctx.MetadataGet(0xE0F0, buf)
	require.NoError(t, err)
	assert.Equal(t, metadata, buf[:n])
	assert.Equal(t, []byte{0x81, 0x01, 0x00, 0x02, 0xE0, 0xF0}, mock.LastSent(cmdGetDataObject))

	require.NoError(t, ctx.MetadataSet(0xE0F0, metadata))
	assert.Equal(t, byte(setDataWriteMetadata), mock.LastSent(cmdSetDataObject)[1])
}

func TestRandomExt(t *testing.T) {
	t.Parallel()

	random := bytes.Repeat([]byte{0xA5}, 16)
	mock := NewMockTransport()
	mock.SetResponse(cmdGetRandom, dataResponse(random...))
	ctx := newTestCmdContext(t, mock)

	buf := make([]byte, 16)
	require.NoError(t, ctx.RandomExt(RNGTypeTRNG, buf))
	assert.Equal(t, random, buf)
	assert.Equal(t, []byte{0x0C, 0x00, 0x00, 0x02, 0x00, 0x10}, mock.LastSent(cmdGetRandom))
}

func TestRandomExtBounds(t *testing.T) {
	t.Parallel()

	ctx := newTestCmdContext(t, NewMockTransport())

	assert.ErrorIs(t, ctx.RandomExt(RNGTypeTRNG, make([]byte, 4)), ErrInvalidArgument)
	assert.ErrorIs(t, ctx.RandomExt(RNGTypeDRNG, make([]byte, 300)), ErrInvalidArgument)
}

func TestRandomExtShortResponse(t *testing.T) {
	t.Parallel()

	mock := NewMockTransport()
	mock.SetResponse(cmdGetRandom, dataResponse(0x01, 0x02))
	ctx := newTestCmdContext(t, mock)

	err := ctx.RandomExt(RNGTypeTRNG, make([]byte, 16))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFraming)
}

func TestSHA256OID(t *testing.T) {
	t.Parallel()

	digest := bytes.Repeat([]byte{0x5A}, SHA256DigestLen)
	envelope := append([]byte{0x01, 0x00, SHA256DigestLen}, digest...)

	mock := NewMockTransport()
	mock.SetResponse(cmdCalcHash, dataResponse(envelope...))
	ctx := newTestCmdContext(t, mock)

	out := make([]byte, SHA256DigestLen)
	require.NoError(t, ctx.SHA256OID(0xF1D0, 0, 100, out))
	assert.Equal(t, digest, out)

	// Sub-command start+final by OID, then OID + offset + length
	sent := mock.LastSent(cmdCalcHash)
	assert.Equal(t, []byte{
		0xB0, 0xE2, 0x00, 0x09,
		0x11, 0x00, 0x06,
		0xF1, 0xD0, 0x00, 0x00, 0x00, 0x64,
	}, sent)
}

func TestSHA256Ext(t *testing.T) {
	t.Parallel()

	digest := bytes.Repeat([]byte{0x77}, SHA256DigestLen)
	envelope := append([]byte{0x01, 0x00, SHA256DigestLen}, digest...)

	mock := NewMockTransport()
	mock.SetResponse(cmdCalcHash, dataResponse(envelope...))
	ctx := newTestCmdContext(t, mock)

	out := make([]byte, SHA256DigestLen)
	require.NoError(t, ctx.SHA256Ext([]byte("abc"), out))
	assert.Equal(t, digest, out)

	sent := mock.LastSent(cmdCalcHash)
	assert.Equal(t, []byte{0xB0, 0xE2, 0x00, 0x06, 0x01, 0x00, 0x03, 'a', 'b', 'c'}, sent)
}

func TestCoprocessorUID(t *testing.T) {
	t.Parallel()

	uid := []byte{0xCD, 0x16, 0x33, 0x82, 0x01}
	mock := NewMockTransport()
	mock.SetResponse(cmdGetDataObject, dataResponse(uid...))
	ctx := newTestCmdContext(t, mock)

	buf := make([]byte, 32)
	n, err := ctx.CoprocessorUID(buf)
	require.NoError(t, err)
	assert.Equal(t, uid, buf[:n])

	sent := mock.LastSent(cmdGetDataObject)
	assert.Equal(t, []byte{0xE0, 0xC2}, sent[4:6], "reads the coprocessor UID object")
}

func TestCmdContextBufferTooSmall(t *testing.T) {
	t.Parallel()

	dev := newTestDevice(t, NewMockTransport())
	_, err := NewCmdContext(dev, WithBuffer(make([]byte, 16)))
	assert.ErrorIs(t, err, ErrBufferTooSmall)
}

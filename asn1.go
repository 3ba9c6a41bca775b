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

import "fmt"

// The device exchanges ECDSA signatures as two bare DER INTEGERs (tag 0x02)
// while callers work with fixed-width big-endian R‖S. Conversion must handle
// the DER non-negative rule: a leading 0x00 is added when the top bit of the
// magnitude is set, and stripped again when decoding.

const asn1TagInteger = 0x02

// putDERInteger encodes one fixed-width big-endian magnitude as a DER INTEGER
// and returns the number of bytes written, or 0 if dst is too small.
func putDERInteger(dst, magnitude []byte) int {
	// Minimal encoding drops leading zero octets
	for len(magnitude) > 1 && magnitude[0] == 0x00 {
		magnitude = magnitude[1:]
	}
	if len(magnitude) == 0 {
		magnitude = []byte{0x00}
	}

	pad := 0
	if magnitude[0]&0x80 != 0 {
		pad = 1
	}

	n := 2 + pad + len(magnitude)
	if len(dst) < n {
		return 0
	}

	dst[0] = asn1TagInteger
	dst[1] = byte(pad + len(magnitude))
	if pad != 0 {
		dst[2] = 0x00
	}
	copy(dst[2+pad:], magnitude)
	return n
}

// ecdsaRSToDER encodes a fixed-width R‖S signature as two concatenated DER
// INTEGERs written to dst, returning the encoded length.
func ecdsaRSToDER(dst, rs []byte) (int, error) {
	if len(rs) == 0 || len(rs)%2 != 0 {
		return 0, fmt.Errorf("%w: signature length %d is not an even split of R and S",
			ErrInvalidArgument, len(rs))
	}

	half := len(rs) / 2
	n := putDERInteger(dst, rs[:half])
	if n == 0 {
		return 0, fmt.Errorf("%w: DER signature buffer", ErrBufferTooSmall)
	}
	m := putDERInteger(dst[n:], rs[half:])
	if m == 0 {
		return 0, fmt.Errorf("%w: DER signature buffer", ErrBufferTooSmall)
	}
	return n + m, nil
}

// parseDERInteger reads one DER INTEGER and left-pads its magnitude into the
// fixed-width out buffer. Returns the remaining input.
func parseDERInteger(der, out []byte) ([]byte, error) {
	if len(der) < 2 {
		return nil, fmt.Errorf("%w: truncated DER integer", ErrFraming)
	}
	if der[0] != asn1TagInteger {
		return nil, fmt.Errorf("%w: expected DER INTEGER tag, got %#02x", ErrFraming, der[0])
	}

	length := int(der[1])
	if length == 0 || length > 0x7F {
		return nil, fmt.Errorf("%w: unsupported DER integer length %#02x", ErrFraming, der[1])
	}
	if len(der) < 2+length {
		return nil, fmt.Errorf("%w: DER integer announces %d bytes, %d available",
			ErrFraming, length, len(der)-2)
	}

	value := der[2 : 2+length]
	// Drop the sign-disambiguation octet
	if value[0] == 0x00 && len(value) > 1 {
		value = value[1:]
	}
	if len(value) > len(out) {
		return nil, fmt.Errorf("%w: %d-byte DER integer exceeds %d-byte field",
			ErrInvalidArgument, len(value), len(out))
	}

	// Left-pad the magnitude to the fixed field width
	pad := len(out) - len(value)
	for i := 0; i < pad; i++ {
		out[i] = 0x00
	}
	copy(out[pad:], value)

	return der[2+length:], nil
}

// ecdsaDERToRS decodes two concatenated DER INTEGERs into the fixed-width
// R‖S buffer rs, left-padding each half.
func ecdsaDERToRS(der, rs []byte) error {
	if len(rs) == 0 || len(rs)%2 != 0 {
		return fmt.Errorf("%w: signature buffer length %d is not an even split of R and S",
			ErrInvalidArgument, len(rs))
	}

	half := len(rs) / 2
	rest, err := parseDERInteger(der, rs[:half])
	if err != nil {
		return fmt.Errorf("R component: %w", err)
	}
	rest, err = parseDERInteger(rest, rs[half:])
	if err != nil {
		return fmt.Errorf("S component: %w", err)
	}
	if len(rest) != 0 {
		return fmt.Errorf("%w: %d trailing bytes after signature integers", ErrFraming, len(rest))
	}
	return nil
}

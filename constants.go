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

// Command codes as carried in APDU byte 0.
const (
	cmdGetDataObject   = 0x81
	cmdSetDataObject   = 0x82
	cmdGetRandom       = 0x0C
	cmdEncryptAsym     = 0x1E
	cmdDecryptAsym     = 0x1F
	cmdCalcHash        = 0xB0
	cmdCalcSign        = 0xB1
	cmdVerifySign      = 0xB2
	cmdCalcSSec        = 0xB3
	cmdDeriveKey       = 0xB4
	cmdGenKeyPair      = 0xB8
	cmdOpenApplication = 0xF0
)

// SetDataObject parameter coding.
const (
	setDataWrite         = 0x00
	setDataWriteMetadata = 0x01
	setDataCount         = 0x02
	setDataEraseAndWrite = 0x40
)

// GetDataObject parameter coding.
const (
	getDataRead         = 0x00
	getDataReadMetadata = 0x01
)

// Alg identifies a cryptographic algorithm or curve in command parameters
// and TLV fields.
type Alg byte

// Algorithm identifiers.
const (
	AlgECCP256 Alg = 0x03
	AlgECCP384 Alg = 0x04
	AlgRSA1024 Alg = 0x41
	AlgRSA2048 Alg = 0x42
	AlgSHA256  Alg = 0xE2
)

// KeyUsage is a bitmask restricting what a generated key may be used for.
type KeyUsage byte

// Key usage flags, combinable with bitwise OR.
const (
	KeyUsageAuth     KeyUsage = 0x01
	KeyUsageEnc      KeyUsage = 0x02
	KeyUsageSign     KeyUsage = 0x10
	KeyUsageKeyAgree KeyUsage = 0x20
)

// OID addresses a data object or key slot on the device.
type OID uint16

// Well-known data object identifiers.
const (
	// OIDCoprocessorUID holds the coprocessor unique identifier.
	OIDCoprocessorUID OID = 0xE0C2
	// OIDLastErrorCode holds the code of the most recent command failure.
	OIDLastErrorCode OID = 0xF1C2
	// OIDSessionFirst and OIDSessionLast bound the volatile session contexts.
	OIDSessionFirst OID = 0xE100
	OIDSessionLast  OID = 0xE103
	// OIDECCKeyFirst is the first device ECC private key slot.
	OIDECCKeyFirst OID = 0xE0F0
	// OIDRSAKeyFirst is the first device RSA private key slot.
	OIDRSAKeyFirst OID = 0xE0FC
)

// MaxAPDUPayload is the largest payload a single APDU can carry, bounded by
// the 16-bit length field less the response header.
const MaxAPDUPayload = 0xFFFF - apduHeaderLen

// openApplicationAID is the unique applicative identifier sent with the
// OpenApplication command.
var openApplicationAID = []byte{
	0xD2, 0x76, 0x00, 0x00, 0x04, 0x47,
	0x65, 0x6E, 0x41, 0x75, 0x74, 0x68,
	0x41, 0x70, 0x70, 0x6C,
}

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

// Register addresses, infineon I2C protocol specification Table 2-1
const (
	regData           = 0x80
	regDataRegLen     = 0x81
	regI2CState       = 0x82
	regBaseAddr       = 0x83
	regMaxSCLFreq     = 0x84
	regGuardTime      = 0x85
	regTransTimeout   = 0x86
	regPwrSaveTimeout = 0x87
	regSoftReset      = 0x88
	regI2CMode        = 0x89
)

// I2C_STATE flag bits (first byte of the 4-byte register)
const (
	i2cStateBusy      = 0x80
	i2cStateRespReady = 0x40
)

// DATA_REG_LEN protocol limits from Table 2-1
const (
	// DataRegLenMin is the smallest DATA_REG_LEN the protocol allows.
	DataRegLenMin = 0x10
	// DataRegLenMax is the largest DATA_REG_LEN the protocol allows.
	DataRegLenMax = 0xFFFF
	// DefaultDataRegLen is the host-side frame buffer size negotiated with
	// the device. 0x110 fits one max-size data-link frame.
	DefaultDataRegLen = 0x110
)

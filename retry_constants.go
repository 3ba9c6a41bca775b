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

import "time"

// Register access retry constants control low-level bus behavior. The device
// stretches ACKs while busy, so every register transaction is retried with a
// fixed delay rather than exponential backoff.
const (
	// RegisterAckRetries is the number of attempts for a single bus
	// transaction before reporting an I/O error.
	RegisterAckRetries = 5
	// RegisterAckDelay is the fixed delay between bus transaction attempts.
	RegisterAckDelay = 10 * time.Millisecond
	// RegisterGuardTime is the quiet period the device requires between the
	// register select write and the following read transaction.
	RegisterGuardTime = 50 * time.Microsecond
)

// Status polling constants control how long the transport waits for the
// device to finish processing an APDU before a receive attempt.
const (
	// StatusPollRetries is the number of I2C_STATE reads before giving up.
	StatusPollRetries = 10
	// StatusPollDelay is the delay between I2C_STATE reads.
	StatusPollDelay = 10 * time.Millisecond
)

// Dispatcher reset constants control fault recovery behavior.
const (
	// MaxResets is the reset budget: after this many consecutive stack
	// resets the device enters permanent failure.
	MaxResets = 3
)

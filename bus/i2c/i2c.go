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

// Package i2c provides the raw two-wire bus for the secure element using
// periph.io.
package i2c

import (
	"fmt"
	"strings"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
)

const (
	// DefaultAddr is the 7-bit bus address of the secure element.
	DefaultAddr = 0x30

	// Max clock frequency (400 kHz).
	maxClockFreq = 400 * physic.KiloHertz
)

// Bus is a periph.io-backed implementation of optiga.Bus. Close releases the
// OS file descriptor of the underlying bus.
type Bus struct {
	dev     *i2c.Dev
	bus     i2c.BusCloser
	busName string
}

// parseBusPath extracts the bus path from a composite path.
// Accepts "/dev/i2c-1:0x30" or a bare "/dev/i2c-1".
func parseBusPath(path string) (bus string, addr uint16) {
	bus, suffix, ok := strings.Cut(path, ":")
	addr = DefaultAddr
	if ok {
		var parsed uint16
		if _, err := fmt.Sscanf(suffix, "0x%x", &parsed); err == nil {
			addr = parsed
		}
	}
	return bus, addr
}

// Open opens the named I2C bus and addresses the secure element on it.
func Open(busName string) (*Bus, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph host: %w", err)
	}

	path, addr := parseBusPath(busName)
	bus, err := i2creg.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open I2C bus %s: %w", busName, err)
	}

	// Ignore error, continue with default speed
	_ = bus.SetSpeed(maxClockFreq)

	return &Bus{
		dev:     &i2c.Dev{Addr: addr, Bus: bus},
		bus:     bus,
		busName: busName,
	}, nil
}

// Write performs a single write transaction.
func (b *Bus) Write(p []byte) error {
	if err := b.dev.Tx(p, nil); err != nil {
		return fmt.Errorf("i2c write on %s: %w", b.busName, err)
	}
	return nil
}

// Read performs a single read transaction filling p completely.
func (b *Bus) Read(p []byte) error {
	if err := b.dev.Tx(nil, p); err != nil {
		return fmt.Errorf("i2c read on %s: %w", b.busName, err)
	}
	return nil
}

// Close releases the bus handle.
func (b *Bus) Close() error {
	if err := b.bus.Close(); err != nil {
		return fmt.Errorf("closing I2C bus %s: %w", b.busName, err)
	}
	return nil
}

// Name returns the bus path this device was opened on.
func (b *Bus) Name() string {
	return b.busName
}

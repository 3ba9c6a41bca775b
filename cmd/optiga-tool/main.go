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

// optiga-tool exercises a secure element over I2C: identification, random
// data, key generation and signing from the command line.
package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"github.com/optrust/go-optiga"
	i2cbus "github.com/optrust/go-optiga/bus/i2c"
	"github.com/optrust/go-optiga/datalink"
)

var flagBus = &cli.StringFlag{
	Name:  "bus",
	Usage: "I2C bus path, optionally with address (/dev/i2c-1:0x30)",
}

var flagConfig = &cli.StringFlag{
	Name:  "config",
	Value: "optiga-tool.toml",
	Usage: "Path to TOML config file",
}

var flagDebug = &cli.BoolFlag{
	Name:  "debug",
	Usage: "Enable protocol debug output",
}

var flagKey = &cli.StringFlag{
	Name:  "key",
	Value: "0xE0F0",
	Usage: "Key slot OID",
}

var flagOID = &cli.StringFlag{
	Name:     "oid",
	Usage:    "Data object OID",
	Required: true,
}

func main() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}).With().Timestamp().Logger()

	app := &cli.App{
		Name:  "optiga-tool",
		Usage: "talk to a secure element over I2C",
		Flags: []cli.Flag{
			flagBus,
			flagConfig,
			flagDebug,
		},
		Commands: []*cli.Command{
			{
				Name:   "uid",
				Usage:  "read the coprocessor unique identifier",
				Action: runUID,
			},
			{
				Name:  "random",
				Usage: "fetch random bytes from the chip",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "bytes",
						Value: 32,
						Usage: "Number of random bytes (8..256)",
					},
					&cli.BoolFlag{
						Name:  "drng",
						Usage: "Use the deterministic generator",
					},
				},
				Action: runRandom,
			},
			{
				Name:  "keygen",
				Usage: "generate an ECC key pair in a key slot",
				Flags: []cli.Flag{
					flagKey,
					&cli.StringFlag{
						Name:  "curve",
						Value: "p256",
						Usage: "Curve: p256 or p384",
					},
				},
				Action: runKeygen,
			},
			{
				Name:  "sign",
				Usage: "hash a message and sign the digest with a stored key",
				Flags: []cli.Flag{
					flagKey,
					&cli.StringFlag{
						Name:     "message",
						Usage:    "Message to hash and sign",
						Required: true,
					},
				},
				Action: runSign,
			},
			{
				Name:  "read",
				Usage: "dump a data object",
				Flags: []cli.Flag{
					flagOID,
					&cli.IntFlag{
						Name:  "offset",
						Usage: "Read offset",
					},
					&cli.IntFlag{
						Name:  "length",
						Value: 128,
						Usage: "Bytes to read",
					},
				},
				Action: runRead,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal().Err(err).Msg("command failed")
	}
}

// openDevice brings up the full stack for one subcommand and returns the
// command context plus a teardown func.
func openDevice(cCtx *cli.Context) (*optiga.CmdContext, func(), error) {
	cfg, err := loadConfig(cCtx.String(flagConfig.Name), cCtx.IsSet(flagConfig.Name))
	if err != nil {
		return nil, nil, err
	}
	if cCtx.IsSet(flagBus.Name) {
		cfg.Bus = cCtx.String(flagBus.Name)
	}
	if cCtx.Bool(flagDebug.Name) || cfg.Debug {
		optiga.SetDebugEnabled(true)
	}

	bus, err := i2cbus.Open(cfg.Bus)
	if err != nil {
		return nil, nil, err
	}

	reg := optiga.NewRegisterAccess(bus, cfg.Bus)
	transport := datalink.New(reg, cfg.Bus, datalink.WithCloser(bus))

	dev := optiga.New(transport, optiga.WithPort(cfg.Bus))
	if err := dev.Init(); err != nil {
		_ = bus.Close()
		return nil, nil, fmt.Errorf("device bring-up on %s: %w", cfg.Bus, err)
	}
	log.Debug().Str("bus", cfg.Bus).Msg("device ready")

	cmd, err := optiga.NewCmdContext(dev)
	if err != nil {
		_ = dev.Close()
		return nil, nil, err
	}

	return cmd, func() {
		if err := dev.Close(); err != nil {
			log.Warn().Err(err).Msg("device close failed")
		}
	}, nil
}

// parseOID parses a 16-bit object identifier like 0xE0F0.
func parseOID(s string) (optiga.OID, error) {
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid OID %q: %w", s, err)
	}
	return optiga.OID(v), nil
}

func runUID(cCtx *cli.Context) error {
	cmd, done, err := openDevice(cCtx)
	if err != nil {
		return err
	}
	defer done()

	buf := make([]byte, 64)
	n, err := cmd.CoprocessorUID(buf)
	if err != nil {
		return fmt.Errorf("reading coprocessor UID: %w", err)
	}

	fmt.Println(hex.EncodeToString(buf[:n]))
	return nil
}

func runRandom(cCtx *cli.Context) error {
	cmd, done, err := openDevice(cCtx)
	if err != nil {
		return err
	}
	defer done()

	typ := optiga.RNGTypeTRNG
	if cCtx.Bool("drng") {
		typ = optiga.RNGTypeDRNG
	}

	buf := make([]byte, cCtx.Int("bytes"))
	if err := cmd.RandomExt(typ, buf); err != nil {
		return fmt.Errorf("fetching random data: %w", err)
	}

	fmt.Println(hex.EncodeToString(buf))
	return nil
}

func runKeygen(cCtx *cli.Context) error {
	oid, err := parseOID(cCtx.String(flagKey.Name))
	if err != nil {
		return err
	}

	var alg optiga.Alg
	switch cCtx.String("curve") {
	case "p256":
		alg = optiga.AlgECCP256
	case "p384":
		alg = optiga.AlgECCP384
	default:
		return fmt.Errorf("unsupported curve %q", cCtx.String("curve"))
	}

	cmd, done, err := openDevice(cCtx)
	if err != nil {
		return err
	}
	defer done()

	pubKey := make([]byte, optiga.P384PubKeyLen)
	n, err := cmd.ECCGenKeys(oid, alg, optiga.KeyUsageSign|optiga.KeyUsageAuth, pubKey)
	if err != nil {
		return fmt.Errorf("generating key in %#04x: %w", uint16(oid), err)
	}

	log.Info().Str("oid", fmt.Sprintf("%#04x", uint16(oid))).Msg("key pair generated")
	fmt.Println(hex.EncodeToString(pubKey[:n]))
	return nil
}

func runSign(cCtx *cli.Context) error {
	oid, err := parseOID(cCtx.String(flagKey.Name))
	if err != nil {
		return err
	}

	cmd, done, err := openDevice(cCtx)
	if err != nil {
		return err
	}
	defer done()

	digest := sha256.Sum256([]byte(cCtx.String("message")))
	sig := make([]byte, optiga.P256SignatureLen)
	if err := cmd.ECDSASign(oid, digest[:], sig); err != nil {
		return fmt.Errorf("signing with key %#04x: %w", uint16(oid), err)
	}

	fmt.Println(hex.EncodeToString(sig))
	return nil
}

func runRead(cCtx *cli.Context) error {
	oid, err := parseOID(cCtx.String(flagOID.Name))
	if err != nil {
		return err
	}

	cmd, done, err := openDevice(cCtx)
	if err != nil {
		return err
	}
	defer done()

	buf := make([]byte, cCtx.Int("length"))
	n, err := cmd.DataGet(oid, cCtx.Int("offset"), buf)
	if err != nil {
		return fmt.Errorf("reading object %#04x: %w", uint16(oid), err)
	}

	fmt.Println(hex.EncodeToString(buf[:n]))
	return nil
}

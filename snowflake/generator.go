// Copyright 2026 The zombiezen Go Gallery Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//		 https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

package snowflake

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// Configuration errors. A generator cannot produce a correct ID
// when any of these occur, so callers should treat them as fatal.
var (
	ErrMachineID         = errors.New("machine ID out of range")
	ErrBeforeEpoch       = errors.New("timestamp before epoch")
	ErrTimestampOverflow = errors.New("timestamp too far past epoch")
)

// Config is the static configuration of a Generator.
type Config struct {
	// Epoch is the instant that timestamp offsets are measured from.
	// It is truncated to millisecond precision.
	Epoch time.Time

	// MachineID identifies the generating process. It must be less than
	// MaxMachineID and should be distinct across every process sharing an epoch.
	MachineID uint16
}

// Validate reports whether the configuration can be used to generate IDs.
func (cfg Config) Validate() error {
	if cfg.MachineID >= MaxMachineID {
		return fmt.Errorf("snowflake config: machine ID %d (must be < %d): %w", cfg.MachineID, MaxMachineID, ErrMachineID)
	}
	return nil
}

// A Generator generates unique IDs.
// The zero value can be initialized with Init.
// It is safe to call a Generator's methods from multiple goroutines
// once it has been initialized.
// A Generator must not be copied after first use.
type Generator struct {
	epoch     time.Time
	epochMS   int64
	machineID uint16
	now       func() time.Time

	// seq is incremented once per generated ID and never reset.
	// Only its low 12 bits are encoded.
	seq atomic.Uint64
}

// NewGenerator returns a new generator for the given configuration.
func NewGenerator(cfg Config) (*Generator, error) {
	gen := new(Generator)
	if err := gen.Init(cfg); err != nil {
		return nil, err
	}
	return gen, nil
}

// MustNewGenerator is like NewGenerator but panics on an invalid configuration.
func MustNewGenerator(cfg Config) *Generator {
	gen, err := NewGenerator(cfg)
	if err != nil {
		panic(err)
	}
	return gen
}

// Init sets the generator's epoch and machine ID,
// and resets the generator's sequence number to zero.
// Init must not be called concurrently with any other method.
func (gen *Generator) Init(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	gen.epochMS = cfg.Epoch.UnixMilli()
	gen.epoch = time.UnixMilli(gen.epochMS).UTC()
	gen.machineID = cfg.MachineID
	if gen.now == nil {
		gen.now = time.Now
	}
	gen.seq.Store(0)
	return nil
}

// Epoch returns the generator's epoch.
func (gen *Generator) Epoch() time.Time {
	return gen.epoch
}

// MachineID returns the machine ID stamped into every generated ID.
func (gen *Generator) MachineID() uint16 {
	return gen.machineID
}

// Generate returns a unique ID for the current time.
//
// The sequence number is not reset between milliseconds:
// it advances by one on every call and wraps after MaxSequence IDs.
// Generating more than MaxSequence IDs within one millisecond
// therefore repeats an earlier ID. No error is reported in that case.
func (gen *Generator) Generate() (ID, error) {
	return gen.GenerateAt(gen.now())
}

// GenerateAt returns an ID stamped with t instead of the current time.
// It consumes a sequence number exactly like Generate.
// t must not precede the epoch and must be less than MaxTimestamp
// milliseconds after it; otherwise no sequence number is consumed.
func (gen *Generator) GenerateAt(t time.Time) (ID, error) {
	ms := t.UnixMilli()
	if ms < gen.epochMS {
		return 0, fmt.Errorf("generate snowflake for %v: %w (epoch %v)",
			t.UTC().Format(time.RFC3339Nano), ErrBeforeEpoch, gen.epoch.Format(time.RFC3339Nano))
	}
	offset := uint64(ms - gen.epochMS)
	if offset >= MaxTimestamp {
		return 0, fmt.Errorf("generate snowflake for %v: offset %dms: %w",
			t.UTC().Format(time.RFC3339Nano), offset, ErrTimestampOverflow)
	}
	seq := gen.seq.Add(1) - 1
	return New(offset, gen.machineID, uint16(seq)), nil
}

// Parts holds the decoded fields of an ID.
type Parts struct {
	Timestamp time.Time
	MachineID uint16
	Sequence  uint16
	Unused    uint8
}

// Decode parses the decimal form of an ID and splits it into its fields.
// Any syntactically valid ID decodes successfully,
// even one that was not issued with this generator's epoch.
func (gen *Generator) Decode(s string) (Parts, error) {
	id, err := ParseID(s)
	if err != nil {
		return Parts{}, err
	}
	return gen.DecodeID(id), nil
}

// DecodeID splits an ID into its fields.
func (gen *Generator) DecodeID(id ID) Parts {
	return Parts{
		Timestamp: gen.Time(id),
		MachineID: id.MachineID(),
		Sequence:  id.Sequence(),
		Unused:    id.Unused(),
	}
}

// Time returns the instant at which id was generated.
func (gen *Generator) Time(id ID) time.Time {
	return time.UnixMilli(gen.epochMS + int64(id.Timestamp())).UTC()
}

type jsonParts struct {
	Timestamp int64  `json:"timestamp"`
	MachineID uint16 `json:"machineId"`
	Sequence  uint16 `json:"sequence"`
	Unused    uint8  `json:"unused"`
}

// MarshalJSON encodes the parts as an object
// with the timestamp in milliseconds since the Unix epoch.
func (p Parts) MarshalJSON() ([]byte, error) {
	return json.Marshal(jsonParts{
		Timestamp: p.Timestamp.UnixMilli(),
		MachineID: p.MachineID,
		Sequence:  p.Sequence,
		Unused:    p.Unused,
	})
}

// UnmarshalJSON decodes the output of MarshalJSON.
func (p *Parts) UnmarshalJSON(data []byte) error {
	var j jsonParts
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	*p = Parts{
		Timestamp: time.UnixMilli(j.Timestamp).UTC(),
		MachineID: j.MachineID,
		Sequence:  j.Sequence,
		Unused:    j.Unused,
	}
	return nil
}

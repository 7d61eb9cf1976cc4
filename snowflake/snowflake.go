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

// Package snowflake provides utilities for operating on Snowflake IDs.
// https://en.wikipedia.org/wiki/Snowflake_ID
//
// A gallery Snowflake is a 64-bit value laid out, most significant bit first,
// as a 41-bit millisecond offset from a configured epoch,
// a 10-bit machine ID, a 12-bit sequence number,
// and a single reserved bit that is always zero.
// IDs are exchanged as decimal strings so they survive JSON intact.
package snowflake

import (
	"errors"
	"fmt"
	"strconv"
)

const (
	timestampBits = 41
	machineBits   = 10
	sequenceBits  = 12
	unusedBits    = 1

	sequenceShift  = unusedBits
	machineShift   = sequenceShift + sequenceBits
	timestampShift = machineShift + machineBits
)

// Field limits. Each is one past the largest value its field can hold.
const (
	MaxTimestamp = 1 << timestampBits
	MaxMachineID = 1 << machineBits
	MaxSequence  = 1 << sequenceBits
)

// binaryLen is the number of digits in the binary form of an ID.
const binaryLen = timestampBits + machineBits + sequenceBits + unusedBits

// ErrInvalidID is returned when a string cannot be interpreted as an ID.
var ErrInvalidID = errors.New("invalid identifier")

// ID is a Snowflake ID.
// All 64 bits are significant: the timestamp occupies the most significant bit,
// so IDs compare correctly only as unsigned integers.
type ID uint64

// New builds a Snowflake ID from the component parts.
// Only the least significant 41, 10, and 12 bits are used
// from the timestamp, machineID, and sequence arguments, respectively.
// The reserved bit is always zero.
func New(timestamp uint64, machineID, sequence uint16) ID {
	return ID((timestamp&(MaxTimestamp-1))<<timestampShift |
		(uint64(machineID)&(MaxMachineID-1))<<machineShift |
		(uint64(sequence)&(MaxSequence-1))<<sequenceShift)
}

// Timestamp returns the 41-bit timestamp value of the ID.
// This is a number of milliseconds since the generator's epoch.
func (id ID) Timestamp() uint64 {
	return uint64(id) >> timestampShift
}

// MachineID returns the 10-bit machine ID.
func (id ID) MachineID() uint16 {
	return uint16(uint64(id)>>machineShift) & (MaxMachineID - 1)
}

// Sequence returns the 12-bit sequence number.
func (id ID) Sequence() uint16 {
	return uint16(uint64(id)>>sequenceShift) & (MaxSequence - 1)
}

// Unused returns the reserved bit. It is zero for every generated ID.
func (id ID) Unused() uint8 {
	return uint8(id) & (1<<unusedBits - 1)
}

// String returns the ID in decimal, its canonical wire form.
func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Binary returns the ID as 64 binary digits, zero-padded on the left.
func (id ID) Binary() string {
	return fmt.Sprintf("%0*b", binaryLen, uint64(id))
}

// ParseID parses the decimal form of an ID.
// Signs, whitespace, and values that do not fit in 64 bits are rejected.
func ParseID(s string) (ID, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse snowflake %q: %w", s, ErrInvalidID)
	}
	return ID(n), nil
}

// ParseBinary parses the output of ID.Binary.
// s must be exactly 64 binary digits.
func ParseBinary(s string) (ID, error) {
	if len(s) != binaryLen {
		return 0, fmt.Errorf("parse snowflake bits %q: %d digits (want %d): %w", s, len(s), binaryLen, ErrInvalidID)
	}
	n, err := strconv.ParseUint(s, 2, 64)
	if err != nil {
		return 0, fmt.Errorf("parse snowflake bits %q: %w", s, ErrInvalidID)
	}
	return ID(n), nil
}

// MarshalJSON encodes the ID as a JSON string of decimal digits.
func (id ID) MarshalJSON() ([]byte, error) {
	b := make([]byte, 0, 22)
	b = append(b, '"')
	b = strconv.AppendUint(b, uint64(id), 10)
	b = append(b, '"')
	return b, nil
}

// UnmarshalJSON decodes an ID from a JSON string.
// Bare JSON numbers are accepted too, since some clients send them,
// but they must still be exact integers.
func (id *ID) UnmarshalJSON(data []byte) error {
	s := string(data)
	if s == "null" {
		return nil
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := ParseID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

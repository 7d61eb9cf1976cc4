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

package snowflake_test

import (
	"fmt"
	"time"

	"zombiezen.com/go/gallery/snowflake"
)

func ExampleGenerator_Decode() {
	gen := snowflake.MustNewGenerator(snowflake.Config{
		Epoch:     time.UnixMilli(1577836800000),
		MachineID: 5,
	})
	parts, err := gen.Decode("1031839744")
	if err != nil {
		fmt.Println(err)
		return
	}
	fmt.Println(parts.Timestamp.Format(time.RFC3339Nano))
	fmt.Println(parts.MachineID, parts.Sequence, parts.Unused)
	// Output:
	// 2020-01-01T00:00:00.123Z
	// 5 0 0
}

func ExampleID_Binary() {
	id := snowflake.New(123, 5, 0)
	fmt.Println(id)
	fmt.Println(id.Binary())
	// Output:
	// 1031839744
	// 0000000000000000000000000000000000111101100000001010000000000000
}

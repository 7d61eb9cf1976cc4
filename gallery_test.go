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

package gallery

import (
	"net/http"
	"testing"
	"time"
)

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, time.October, 18, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		value  string
		want   time.Time
		wantOK bool
	}{
		{value: "0", want: now, wantOK: true},
		{value: "30", want: now.Add(30 * time.Second), wantOK: true},
		{
			value:  "Sun, 18 Oct 2026 12:05:00 GMT",
			want:   time.Date(2026, time.October, 18, 12, 5, 0, 0, time.UTC),
			wantOK: true,
		},
		{
			value:  now.Add(-time.Minute).Format(http.TimeFormat),
			want:   now.Add(-time.Minute),
			wantOK: true,
		},
		{value: "", wantOK: false},
		{value: "soon", wantOK: false},
		{value: "1.5", wantOK: false},
		{value: "2026-10-18T12:05:00Z", wantOK: false},
	}
	for _, test := range tests {
		got, ok := parseRetryAfter(test.value, now)
		if ok != test.wantOK || (ok && !got.Equal(test.want)) {
			t.Errorf("parseRetryAfter(%q, %v) = %v, %t; want %v, %t",
				test.value, now, got, ok, test.want, test.wantOK)
		}
	}
}

func TestUserJSON(t *testing.T) {
	const data = `{
		"id": "1031839744",
		"handle": "sketcher",
		"name": "Sketcher",
		"flags": 12,
		"externalLinks": [{"type": "twitter", "url": "https://twitter.com/sketcher"}],
		"createdAt": "2020-01-01T00:00:00.123Z"
	}`
	u := new(User)
	if err := unmarshalJSON([]byte(data), u); err != nil {
		t.Fatal(err)
	}
	if u.ID != 1031839744 {
		t.Errorf("ID = %v; want 1031839744", u.ID)
	}
	if want := UserFlagArtist | UserFlagPlaceholder; u.Flags != want {
		t.Errorf("Flags = %#x; want %#x", u.Flags, want)
	}
	if len(u.ExternalLinks) != 1 {
		t.Fatalf("len(ExternalLinks) = %d; want 1", len(u.ExternalLinks))
	}
	if got, want := *u.ExternalLinks[0], (UserLink{Type: ExternalLinkTwitter, URL: "https://twitter.com/sketcher"}); got != want {
		t.Errorf("ExternalLinks[0] = %+v; want %+v", got, want)
	}
}

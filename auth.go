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

import "strings"

const apiKeyAuthPrefix = "Key "

// AuthHeader is authentication passed as an Authorization HTTP header value.
type AuthHeader string

// APIKeyAuthorization returns the authentication for a user's API key.
func APIKeyAuthorization(key string) AuthHeader {
	return AuthHeader(apiKeyAuthPrefix + key)
}

// IsValid reports whether the authentication is in a format
// that the gallery API will accept.
func (auth AuthHeader) IsValid() bool {
	return auth.Token() != ""
}

// Token returns the API key in the auth header or the empty string if the header
// is invalid.
func (auth AuthHeader) Token() string {
	if !strings.HasPrefix(string(auth), apiKeyAuthPrefix) {
		return ""
	}
	return strings.TrimSpace(string(auth[len(apiKeyAuthPrefix):]))
}

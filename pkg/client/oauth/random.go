// SPDX-FileCopyrightText: Copyright 2026 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package oauth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// DefaultTokenLength is the number of random bytes behind state and nonce
// values (256 bits, 43 characters once encoded).
const DefaultTokenLength = 32

// GenerateToken returns length bytes from the system CSPRNG encoded as
// base64url without padding. The encoded length is always
// base64.RawURLEncoding.EncodedLen(length).
//
// A failure of the entropy source is not recoverable and panics.
func GenerateToken(length int) string {
	if length <= 0 {
		length = DefaultTokenLength
	}
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("reading random bytes: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

// Package util provides utility functions for the SlotPipe application.
package util

import (
	"math/rand/v2"
	"strings"
)

// ReferenceLength is the number of characters in a transfer reference.
const ReferenceLength = 9

const (
	hexChars       = "0123456789abcdef"
	referenceChars = "0123456789ABCDEFGHJKLMNPQRSTUVWXYZ" // no I or O, they read as 1 and 0
)

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + randomString(hexChars, hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
func GenerateRandomHex(length int) string {
	return randomString(hexChars, length)
}

// GenerateReference returns a customer-facing transfer reference such as "K89HG38SZ".
func GenerateReference() string {
	return randomString(referenceChars, ReferenceLength)
}

// GenerateMessageID returns an id for inbound turns that arrive without one.
func GenerateMessageID() string {
	return GenerateRandomID("msg_", 24)
}

func randomString(alphabet string, length int) string {
	if length <= 0 {
		return ""
	}
	var builder strings.Builder
	builder.Grow(length)
	for i := 0; i < length; i++ {
		builder.WriteByte(alphabet[rand.IntN(len(alphabet))])
	}
	return builder.String()
}

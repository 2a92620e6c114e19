// Package util provides identifier generation and environment helpers shared across components.
package util

import (
	"math/rand/v2"
	"strings"

	"github.com/google/uuid"
)

// Identifier prefixes. Message IDs are UUIDs so they can be typed into the CLI,
// deliveries only need to be unique within a queue.
const (
	MessagePrefix  = "msg_"
	DeliveryPrefix = "dlv_"
)

// NewMessageID returns a fresh scheduled-message identifier.
func NewMessageID() string {
	return MessagePrefix + uuid.NewString()
}

// NewDeliveryID returns a fresh delivery (ack handle) identifier.
func NewDeliveryID() string {
	return GenerateRandomID(DeliveryPrefix, 32)
}

// GenerateRandomID generates a random ID in the format "{prefix}{hex}".
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random lowercase hexadecimal string of the given length.
// Not suitable for secrets.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)
	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.IntN(16)])
	}
	return builder.String()
}

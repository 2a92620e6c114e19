package util

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNewMessageID(t *testing.T) {
	id := NewMessageID()
	if !strings.HasPrefix(id, MessagePrefix) {
		t.Fatalf("NewMessageID() = %q, want prefix %q", id, MessagePrefix)
	}
	if _, err := uuid.Parse(strings.TrimPrefix(id, MessagePrefix)); err != nil {
		t.Errorf("NewMessageID() suffix is not a UUID: %v", err)
	}
}

func TestNewDeliveryID(t *testing.T) {
	id := NewDeliveryID()
	if !strings.HasPrefix(id, DeliveryPrefix) {
		t.Fatalf("NewDeliveryID() = %q, want prefix %q", id, DeliveryPrefix)
	}
	if len(id) != len(DeliveryPrefix)+32 {
		t.Errorf("NewDeliveryID() length = %d, want %d", len(id), len(DeliveryPrefix)+32)
	}
	if !isValidHex(id[len(DeliveryPrefix):]) {
		t.Errorf("NewDeliveryID() hex part = %q is not valid hex", id[len(DeliveryPrefix):])
	}
}

func TestGenerateRandomHex(t *testing.T) {
	tests := []struct {
		name   string
		length int
		want   int
	}{
		{"zero length", 0, 0},
		{"negative length", -1, 0},
		{"small length", 8, 8},
		{"large length", 64, 64},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GenerateRandomHex(tt.length)
			if len(got) != tt.want {
				t.Errorf("GenerateRandomHex() length = %v, want %v", len(got), tt.want)
			}
			if tt.want > 0 && !isValidHex(got) {
				t.Errorf("GenerateRandomHex() = %v is not valid hex", got)
			}
		})
	}
}

func TestIDUniqueness(t *testing.T) {
	const iterations = 1000
	seen := make(map[string]bool)
	for i := 0; i < iterations; i++ {
		id := NewDeliveryID()
		if seen[id] {
			t.Errorf("NewDeliveryID() generated duplicate: %v", id)
		}
		seen[id] = true
	}
}

func isValidHex(s string) bool {
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}

package signaling

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRoomCode(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		code, err := NewRoomCode()
		require.NoError(t, err, "Room code generation should not fail")
		assert.True(t, ValidRoomCode(code), "Generated code %q should match the room pattern", code)
		for _, r := range code {
			assert.True(t, strings.ContainsRune(RoomCodeAlphabet, r), "Code %q should only use the restricted alphabet", code)
		}
		seen[code] = true
	}
	assert.Greater(t, len(seen), 1, "Generated codes should not all collide")
}

func TestValidRoomCode(t *testing.T) {
	assert.True(t, ValidRoomCode("AB12CD34"), "Uppercase alphanumeric code of length 8 should validate")
	assert.True(t, ValidRoomCode("00000000"), "All-digit code should validate")

	invalid := []string{"", "abc", "ab12cd34", "AB12CD3", "AB12CD345", "AB12-D34", "AB12CD3Ä"}
	for _, code := range invalid {
		assert.False(t, ValidRoomCode(code), "Code %q should not validate", code)
	}
}

package signaling

import (
	"crypto/rand"
	"fmt"
	"regexp"
)

// RoomCodeAlphabet is the restricted alphabet room codes are drawn from.
// The same pattern is enforced on both the relay and the clients.
const (
	RoomCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	RoomCodeLength   = 8
)

var roomCodePattern = regexp.MustCompile(`^[A-Z0-9]{8}$`)

// ValidRoomCode reports whether code is an 8 character uppercase
// alphanumeric room identifier.
func ValidRoomCode(code string) bool {
	return roomCodePattern.MatchString(code)
}

// NewRoomCode generates a random room code.
func NewRoomCode() (string, error) {
	buf := make([]byte, RoomCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	for i, b := range buf {
		buf[i] = RoomCodeAlphabet[int(b)%len(RoomCodeAlphabet)]
	}
	return string(buf), nil
}

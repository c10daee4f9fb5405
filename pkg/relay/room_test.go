package relay

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEstimateDistance(t *testing.T) {
	assert.Equal(t, 0, EstimateDistance("10.0.0.1:1234", "10.0.0.1:9999"), "Same host should score zero")
	assert.Equal(t, 4, EstimateDistance("192.168.1.5:1", "192.168.1.9:1"), "Last-octet delta should carry weight one")
	assert.GreaterOrEqual(t, EstimateDistance("11.1.1.1:1", "200.9.9.9:1"), longDistanceThreshold,
		"Far-apart first octets should cross the long-distance threshold")

	// Anything unparseable scores zero rather than guessing.
	assert.Equal(t, 0, EstimateDistance("not-an-address", "10.0.0.1:1"), "Unparseable address should score zero")
	assert.Equal(t, 0, EstimateDistance("[::1]:1", "10.0.0.1:1"), "IPv6 addresses should score zero")
}

func TestPrivateOrLoopback(t *testing.T) {
	private := []string{"localhost", "localhost:3000", "127.0.0.1", "127.0.0.1:8080", "10.1.2.3", "192.168.0.7:5173", "172.16.0.1"}
	for _, host := range private {
		assert.True(t, privateOrLoopback(host), "Host %q should count as private or loopback", host)
	}

	public := []string{"8.8.8.8", "beam.example.com", "203.0.113.9:443"}
	for _, host := range public {
		assert.False(t, privateOrLoopback(host), "Host %q should not count as private", host)
	}
}

func TestSettingsPresets(t *testing.T) {
	def := DefaultSettings()
	cons := ConservativeSettings()
	assert.Greater(t, def.ChunkSize, cons.ChunkSize, "Conservative chunks should be smaller")
	assert.Greater(t, def.BufferTarget, cons.BufferTarget, "Conservative buffer target should be lower")
	assert.Greater(t, cons.ChunkDelay, def.ChunkDelay, "Conservative settings should pace chunks")
}

package config

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// TurnServer is one relay-assist entry. A server is only usable as a
// complete url/username/credential set.
type TurnServer struct {
	URL        string
	Username   string
	Credential string
}

// PublicSTUNURL is the insecure public fallback used when no relay-assist
// servers are configured. Outside production it is always available; in
// production it needs the explicit override.
const PublicSTUNURL = "stun:stun.l.google.com:19302"

type Config struct {
	Port             string
	Production       bool
	AllowedOrigins   []string
	DiagnosticsToken string
	TurnServers      []TurnServer
	AllowPublicSTUN  bool
	ChunkStorePath   string
}

// Load reads configuration from the environment with local-dev defaults.
// RELAY_TURN_SERVERS is a comma separated list of url|username|credential
// triplets; partial triplets are dropped with a warning rather than half
// activated.
func Load(log *logrus.Logger) *Config {
	cfg := &Config{
		Port:             getEnv("RELAY_PORT", "8080"),
		Production:       getEnv("RELAY_ENV", "development") == "production",
		AllowedOrigins:   splitList(getEnv("RELAY_ALLOWED_ORIGINS", "")),
		DiagnosticsToken: getEnv("RELAY_DIAGNOSTICS_TOKEN", ""),
		AllowPublicSTUN:  getEnv("RELAY_ALLOW_PUBLIC_STUN", "") == "1",
		ChunkStorePath:   getEnv("BEAM_CHUNK_STORE", ""),
	}

	for _, entry := range splitList(getEnv("RELAY_TURN_SERVERS", "")) {
		parts := strings.SplitN(entry, "|", 3)
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
			log.WithField("entry", entry).Warn("dropping incomplete TURN server entry")
			continue
		}
		cfg.TurnServers = append(cfg.TurnServers, TurnServer{
			URL:        parts[0],
			Username:   parts[1],
			Credential: parts[2],
		})
	}

	if cfg.Production && cfg.AllowPublicSTUN {
		log.Warn("RELAY_ALLOW_PUBLIC_STUN override active in production; peer addresses will reach a public STUN server")
	}

	return cfg
}

// PublicSTUNPermitted reports whether the public fallback may be offered.
func (c *Config) PublicSTUNPermitted() bool {
	if !c.Production {
		return true
	}
	return c.AllowPublicSTUN
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

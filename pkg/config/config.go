// Package config loads client configuration from the environment.
package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all client configuration.
type Config struct {
	// Connection settings
	Endpoint  string `envconfig:"VOICELINK_ENDPOINT" default:"ws://localhost:8443/connect"`
	TopicRoot string `envconfig:"VOICELINK_TOPIC_ROOT" default:"voicelink/v1"`
	// SharedSecret is the hex-encoded AES key negotiated at registration.
	SharedSecret string `envconfig:"VOICELINK_SHARED_SECRET"`

	// Speaker settings
	SpeakerBufferBytes   uint64        `envconfig:"VOICELINK_SPEAKER_BUFFER_BYTES" default:"65536"`
	OverrunWarnBytes     uint64        `envconfig:"VOICELINK_OVERRUN_WARN_BYTES" default:"49152"`
	UnderrunWarnBytes    uint64        `envconfig:"VOICELINK_UNDERRUN_WARN_BYTES" default:"4096"`
	SpeakerTickInterval  time.Duration `envconfig:"VOICELINK_SPEAKER_TICK_INTERVAL" default:"10ms"`
	InitialVolume        uint8         `envconfig:"VOICELINK_INITIAL_VOLUME" default:"50"`

	// Tracing settings
	TraceExporter string `envconfig:"TRACE_EXPORTER" default:"none"`
	OTLPEndpoint  string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT" default:"localhost:4317"`
}

// Load reads configuration from a .env file (if present) and the
// environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			log.Printf("config: error loading .env file: %v", err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}

// Key decodes the shared secret into the AES key bytes.
func (c *Config) Key() ([]byte, error) {
	if c.SharedSecret == "" {
		return nil, fmt.Errorf("config: VOICELINK_SHARED_SECRET is not set")
	}
	key, err := hex.DecodeString(c.SharedSecret)
	if err != nil {
		return nil, fmt.Errorf("config: bad shared secret: %w", err)
	}
	switch len(key) {
	case 16, 24, 32:
		return key, nil
	default:
		return nil, fmt.Errorf("config: shared secret must be a 16, 24 or 32 byte key, got %d", len(key))
	}
}

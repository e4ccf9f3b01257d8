package internal

import (
	"fmt"
	"time"
)

type Config struct {
	Host string `env:"HOST,default=0.0.0.0"`
	Port int    `env:"PORT,default=8080"`

	MaxMessageLength int           `env:"MAX_MESSAGE_LENGTH,default=500"`
	RateLimitCount   int           `env:"RATE_LIMIT_COUNT,default=10"`
	RateLimitWindow  time.Duration `env:"RATE_LIMIT_WINDOW,default=60s"`
	IdleTimeout      time.Duration `env:"IDLE_TIMEOUT,default=5m"`
	GatewayTimeout   time.Duration `env:"GATEWAY_TIMEOUT,default=10s"`
	HistoryLimit     int           `env:"HISTORY_LIMIT,default=50"`
	RoomCapacity     int           `env:"ROOM_CAPACITY,default=500"`
	SendBufferSize   int           `env:"SEND_BUFFER_SIZE,default=256"`
	ReadLimitBytes   int64         `env:"READ_LIMIT_BYTES,default=8192"`
	CharReplacement  string        `env:"CHARACTER_REPLACEMENT,default=*"`

	// Primary (asymmetric) verification uses a PEM public key; secondary
	// (symmetric) uses a shared secret. At least one must be present.
	JWTPublicKey string `env:"JWT_PUBLIC_KEY"`
	JWTSecret    string `env:"JWT_SECRET"`

	BadgerFilepath string `env:"BADGER_FILEPATH,default=data/chat"`
	LogLevel       string `env:"LOG_LEVEL,default=INFO"`
}

// Validate catches configuration states that must stop the process at
// startup rather than surface per request.
func (c Config) Validate() error {
	if c.JWTPublicKey == "" && c.JWTSecret == "" {
		return fmt.Errorf("neither JWT_PUBLIC_KEY nor JWT_SECRET is configured; refusing to start open")
	}
	if c.MaxMessageLength <= 0 {
		return fmt.Errorf("MAX_MESSAGE_LENGTH must be positive, got %d", c.MaxMessageLength)
	}
	if c.RateLimitCount <= 0 || c.RateLimitWindow <= 0 {
		return fmt.Errorf("rate limit configuration must be positive, got %d/%s", c.RateLimitCount, c.RateLimitWindow)
	}
	if _, err := c.CharacterRune(); err != nil {
		return err
	}
	return nil
}

func (c Config) CharacterRune() (rune, error) {
	r := []rune(c.CharReplacement)
	if len(r) != 1 {
		return 0, fmt.Errorf(
			"CHARACTER_REPLACEMENT must be a single character, got %q",
			c.CharReplacement,
		)
	}
	return r[0], nil
}

func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

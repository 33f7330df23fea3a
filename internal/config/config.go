// Package config loads process configuration from the environment.
package config

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	DBPath  string
	Pepper  string
	Domain  string
	APIPort int

	ExamPort    int
	ExamTLS     bool
	ACMEEmail   string
	ACMEStaging bool

	JWTSecret string
	JWTTTL    time.Duration

	Lease        time.Duration
	PollInterval time.Duration
	ProcessorID  string

	RoomSize      int
	MaxRooms      int
	WatchInterval time.Duration
}

// Load reads an optional .env file (or the file named by path) and then the
// SEBCOORD_* environment variables. Variables already set in the environment
// take precedence over the file.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}

	cfg := Default()
	cfg.DBPath = getEnv("SEBCOORD_DB", cfg.DBPath)
	cfg.Pepper = os.Getenv("SEBCOORD_PEPPER")
	cfg.Domain = getEnv("SEBCOORD_DOMAIN", cfg.Domain)
	cfg.ACMEEmail = os.Getenv("SEBCOORD_ACME_EMAIL")
	cfg.JWTSecret = os.Getenv("SEBCOORD_JWT_SECRET")
	cfg.ProcessorID = os.Getenv("SEBCOORD_PROCESSOR_ID")

	var err error
	if cfg.APIPort, err = getEnvInt("SEBCOORD_API_PORT", cfg.APIPort); err != nil {
		return nil, err
	}
	if cfg.ExamPort, err = getEnvInt("SEBCOORD_EXAM_PORT", cfg.ExamPort); err != nil {
		return nil, err
	}
	if cfg.RoomSize, err = getEnvInt("SEBCOORD_ROOM_SIZE", cfg.RoomSize); err != nil {
		return nil, err
	}
	if cfg.MaxRooms, err = getEnvInt("SEBCOORD_MAX_ROOMS", cfg.MaxRooms); err != nil {
		return nil, err
	}
	if cfg.ExamTLS, err = getEnvBool("SEBCOORD_EXAM_TLS", cfg.ExamTLS); err != nil {
		return nil, err
	}
	if cfg.ACMEStaging, err = getEnvBool("SEBCOORD_ACME_STAGING", cfg.ACMEStaging); err != nil {
		return nil, err
	}
	if cfg.JWTTTL, err = getEnvDuration("SEBCOORD_JWT_TTL", cfg.JWTTTL); err != nil {
		return nil, err
	}
	if cfg.Lease, err = getEnvDuration("SEBCOORD_LEASE", cfg.Lease); err != nil {
		return nil, err
	}
	if cfg.PollInterval, err = getEnvDuration("SEBCOORD_POLL_INTERVAL", cfg.PollInterval); err != nil {
		return nil, err
	}
	if cfg.WatchInterval, err = getEnvDuration("SEBCOORD_WATCH_INTERVAL", cfg.WatchInterval); err != nil {
		return nil, err
	}

	if cfg.Pepper == "" {
		if cfg.Pepper, err = randomSecret(); err != nil {
			return nil, err
		}
	}
	if cfg.JWTSecret == "" {
		if cfg.JWTSecret, err = randomSecret(); err != nil {
			return nil, err
		}
	}

	return cfg, cfg.Validate()
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.RoomSize < 1 {
		return fmt.Errorf("room size must be at least 1, got %d", c.RoomSize)
	}
	if c.MaxRooms < 1 {
		return fmt.Errorf("max rooms must be at least 1, got %d", c.MaxRooms)
	}
	if c.Lease <= 0 {
		return fmt.Errorf("lease must be positive, got %s", c.Lease)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	return nil
}

func Default() *Config {
	return &Config{
		DBPath:        "sebcoord.db",
		Domain:        "localhost",
		APIPort:       8081,
		ExamPort:      8080,
		JWTTTL:        12 * time.Hour,
		Lease:         2 * time.Minute,
		PollInterval:  5 * time.Second,
		RoomSize:      20,
		MaxRooms:      10,
		WatchInterval: time.Second,
	}
}

func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvBool(key string, defaultVal bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

// Package config reads the server settings from the environment, after
// loading a .env file when one is present.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	ListenAddress string
	DataDir       string
	DatabaseURL   string

	ChunkSize      int
	ChunkOverlap   int
	MaxUploadBytes int64

	RetrieveKPerBackend int
	RetrieveKTotal      int
	RetrieveMaxDistance float64

	SecretKey  string
	AuthSecret string

	OpenAIBaseURL string
	GoogleBaseURL string

	Debug         bool
	InboxDir      string
	MockProviders bool
	GitPrivateKey string
}

// Load reads .env (if any) and then the environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv reads the configuration from the process environment only.
func FromEnv() (Config, error) {
	c := Config{
		ListenAddress: getString("LISTEN_ADDRESS", ":8080"),
		DataDir:       getString("DATA_DIR", "./data"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		SecretKey:     os.Getenv("SECRET_KEY"),
		AuthSecret:    os.Getenv("AUTH_SECRET"),
		OpenAIBaseURL: os.Getenv("OPENAI_BASE_URL"),
		GoogleBaseURL: os.Getenv("GOOGLE_BASE_URL"),
		InboxDir:      os.Getenv("INBOX_DIR"),
		GitPrivateKey: os.Getenv("GIT_PRIVATE_KEY"),
	}

	var err error
	if c.ChunkSize, err = getInt("CHUNK_SIZE", 900); err != nil {
		return c, err
	}
	if c.ChunkOverlap, err = getInt("CHUNK_OVERLAP", 120); err != nil {
		return c, err
	}
	maxUpload, err := getInt("MAX_UPLOAD_BYTES", 50<<20)
	if err != nil {
		return c, err
	}
	c.MaxUploadBytes = int64(maxUpload)
	if c.RetrieveKPerBackend, err = getInt("RETRIEVE_K_PER_BACKEND", 3); err != nil {
		return c, err
	}
	if c.RetrieveKTotal, err = getInt("RETRIEVE_K_TOTAL", 4); err != nil {
		return c, err
	}
	if c.RetrieveMaxDistance, err = getFloat("RETRIEVE_MAX_DISTANCE", 0.55); err != nil {
		return c, err
	}
	if c.Debug, err = getBool("DEBUG", false); err != nil {
		return c, err
	}
	if c.MockProviders, err = getBool("MOCK_PROVIDERS", false); err != nil {
		return c, err
	}
	return c, nil
}

// SQLitePath is where the record store lives when no DATABASE_URL is set.
func (c Config) SQLitePath() string {
	return filepath.Join(c.DataDir, "ragchat.db")
}

func (c Config) VectorsDir() string {
	return filepath.Join(c.DataDir, "vectors")
}

func (c Config) UploadsDir() string {
	return filepath.Join(c.DataDir, "uploads")
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func getBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

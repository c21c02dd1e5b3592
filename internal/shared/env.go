package shared

import (
	"errors"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Environment variables that override config values.
const (
	EnvDBPath     = "CRATE_DB_PATH"
	EnvLogLevel   = "CRATE_LOG_LEVEL"
	EnvServerPort = "CRATE_SERVER_PORT"
	EnvOwner      = "CRATE_OWNER"
)

// LoadEnv loads variables from the given dotenv files into the process environment.
//
// Missing files are ignored; variables already set are never overwritten.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}

	var present []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			present = append(present, f)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}

	if len(present) == 0 {
		return nil
	}
	return godotenv.Load(present...)
}

// ApplyEnv overrides config values from the environment.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvDBPath); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv(EnvServerPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Server.Port = port
		}
	}
}

// DefaultOwner returns the owner id used by the CLI when none is given.
func DefaultOwner() string {
	if v := os.Getenv(EnvOwner); v != "" {
		return v
	}
	return "local"
}

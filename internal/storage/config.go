// Manages application configuration stored in application.json.

package storage

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultAutosaveInterval is how long a database must stay idle before its
// pending changes are written.
const DefaultAutosaveInterval = 30 * time.Minute

// DefaultPort is the port of the server front end.
const DefaultPort = 8080

// Config stores all application-wide configuration.
// Loaded from application.json, created with defaults if missing.
//
// The file is shared with the server front end. Keys this package does not
// know are kept and written back unchanged.
type Config struct {
	// Port is the TCP port the server front end listens on.
	Port int `json:"port"`

	// EncryptionKey is the salt used by the server front end. Generated on
	// first load and never changed afterwards.
	EncryptionKey string `json:"encryption-key"`

	// LogLevel is the minimum level logged.
	LogLevel LogLevel `json:"log-level"`

	// AutosaveInterval is the debounce interval between the last change to a
	// database and the write of its manifest.
	AutosaveInterval Duration `json:"autosave-interval"`

	extra map[string]json.RawMessage
}

// configFields has the fields of Config without its JSON methods.
type configFields Config

var configKeys = []string{"port", "encryption-key", "log-level", "autosave-interval"}

// DefaultConfig returns the default configuration. EncryptionKey is left
// empty; LoadConfig generates it.
func DefaultConfig() Config {
	return Config{
		Port:             DefaultPort,
		LogLevel:         LevelInformation,
		AutosaveInterval: Duration(DefaultAutosaveInterval),
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port out of range: %d", c.Port)
	}
	if c.EncryptionKey == "" {
		return errors.New("encryption-key is required")
	}
	if err := c.LogLevel.Validate(); err != nil {
		return err
	}
	if c.AutosaveInterval <= 0 {
		return errors.New("autosave-interval must be positive")
	}
	return nil
}

// Extra returns the keys kept from the file that Config does not define.
func (c *Config) Extra() map[string]json.RawMessage {
	return c.extra
}

// UnmarshalJSON decodes the known keys over the current values and keeps the
// others.
func (c *Config) UnmarshalJSON(b []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if err := json.Unmarshal(b, (*configFields)(c)); err != nil {
		return err
	}
	for _, k := range configKeys {
		delete(raw, k)
	}
	c.extra = nil
	if len(raw) != 0 {
		c.extra = raw
	}
	return nil
}

// MarshalJSON encodes the known keys merged with the kept ones.
func (c Config) MarshalJSON() ([]byte, error) {
	b, err := json.Marshal(configFields(c))
	if len(c.extra) == 0 || err != nil {
		return b, err
	}
	out := maps.Clone(c.extra)
	var known map[string]json.RawMessage
	if err := json.Unmarshal(b, &known); err != nil {
		return nil, err
	}
	maps.Copy(out, known)
	return json.Marshal(out)
}

// LoadConfig loads configuration from path.
// Creates the file with defaults if it doesn't exist, and generates the
// encryption key if it is missing.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	err := ReadJSON(path, &cfg)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}

	modified := false
	if cfg.EncryptionKey == "" {
		cfg.EncryptionKey = newEncryptionKey()
		modified = true
	}

	// Save if we created defaults or generated a key
	if modified || errors.Is(err, os.ErrNotExist) {
		if err := cfg.Save(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", path, err)
	}
	return &cfg, nil
}

// newEncryptionKey returns 32 random hex digits.
func newEncryptionKey() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// Save saves configuration to path.
func (c *Config) Save(path string) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := WriteJSON(path, c, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// LogLevel is a log level stored as an integer, numbered like the levels of
// the server front end: verbose (0) through fatal (5).
type LogLevel int

const (
	LevelVerbose LogLevel = iota
	LevelDebug
	LevelInformation
	LevelWarning
	LevelError
	LevelFatal
)

var logLevelNames = [...]string{"verbose", "debug", "info", "warn", "error", "fatal"}

// ParseLogLevel parses a level name. Both short (info, warn) and long
// (information, warning) names are accepted.
func ParseLogLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "verbose", "trace":
		return LevelVerbose, nil
	case "debug":
		return LevelDebug, nil
	case "info", "information":
		return LevelInformation, nil
	case "warn", "warning":
		return LevelWarning, nil
	case "error":
		return LevelError, nil
	case "fatal":
		return LevelFatal, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

// Validate checks that l is a known level.
func (l LogLevel) Validate() error {
	if l < LevelVerbose || l > LevelFatal {
		return fmt.Errorf("unknown log-level: %d", int(l))
	}
	return nil
}

func (l LogLevel) String() string {
	if l.Validate() != nil {
		return fmt.Sprintf("LogLevel(%d)", int(l))
	}
	return logLevelNames[l]
}

// Slog returns the equivalent slog level.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LevelVerbose:
		return slog.LevelDebug - 4
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarning:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	case LevelFatal:
		return slog.LevelError + 4
	default:
		return slog.LevelInfo
	}
}

// MarshalJSON implements json.Marshaler.
func (l LogLevel) MarshalJSON() ([]byte, error) {
	return json.Marshal(int(l))
}

// UnmarshalJSON accepts the numeric form and, for hand-edited files, level
// names.
func (l *LogLevel) UnmarshalJSON(b []byte) error {
	var i int
	if err := json.Unmarshal(b, &i); err == nil {
		v := LogLevel(i)
		if err := v.Validate(); err != nil {
			return err
		}
		*l = v
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("log-level must be a number or a name: %w", err)
	}
	v, err := ParseLogLevel(s)
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// Duration is a time.Duration encoded in JSON as a Go duration string ("30m0s").
type Duration time.Duration

// D returns d as a time.Duration.
func (d Duration) D() time.Duration {
	return time.Duration(d)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts duration strings and, for hand-edited files, plain
// numbers of seconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("duration must be a string or a number of seconds: %w", err)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

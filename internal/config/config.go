package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/golang-jwt/jwt/v5"
	"github.com/joho/godotenv"
)

// Config represents the global ~/.chatwave/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`
	Engine         Engine `toml:"engine"`
}

// Engine holds the sync engine and transport settings. Durations are in
// milliseconds so the file stays readable.
type Engine struct {
	Endpoint   string `toml:"endpoint"`
	APIBaseURL string `toml:"api_base_url"`
	UserID     int64  `toml:"user_id"`
	Token      string `toml:"token"`
	LogLevel   string `toml:"log_level"`

	PingIntervalMS int `toml:"ping_interval_ms"`
	PongTimeoutMS  int `toml:"pong_timeout_ms"`
	BackoffBaseMS  int `toml:"backoff_base_ms"`
	BackoffMaxMS   int `toml:"backoff_max_ms"`
	RetryCeiling   int `toml:"retry_ceiling"`
	AckTimeoutMS   int `toml:"ack_timeout_ms"`
}

// Defaults returns the built-in settings.
func Defaults() *Config {
	return &Config{
		Engine: Engine{
			Endpoint:       "ws://localhost:8080/ChatWave/socket",
			APIBaseURL:     "http://localhost:8080",
			LogLevel:       "info",
			PingIntervalMS: 60_000,
			PongTimeoutMS:  120_000,
			BackoffBaseMS:  1_000,
			BackoffMaxMS:   30_000,
			RetryCeiling:   8,
			AckTimeoutMS:   10_000,
		},
	}
}

// Load reads config from the given path on top of Defaults. Returns an error
// if the file is missing.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields Defaults.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Defaults(), nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Environment variables that override file values.
const (
	EnvEndpoint     = "CHATWAVE_ENDPOINT"
	EnvAPIBaseURL   = "CHATWAVE_API_URL"
	EnvUserID       = "CHATWAVE_USER_ID"
	EnvToken        = "CHATWAVE_TOKEN"
	EnvLogLevel     = "CHATWAVE_LOG_LEVEL"
	EnvPingInterval = "CHATWAVE_PING_INTERVAL_MS"
	EnvAckTimeout   = "CHATWAVE_ACK_TIMEOUT_MS"
	EnvSession      = "CHATWAVE_SESSION"
)

// ApplyEnv overrides cfg from .env files and the process environment. The
// process environment wins over files; missing files are skipped.
func ApplyEnv(cfg *Config, envFiles ...string) error {
	vars := map[string]string{}
	for _, path := range envFiles {
		fileVars, err := godotenv.Read(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		for k, v := range fileVars {
			if _, seen := vars[k]; !seen {
				vars[k] = v
			}
		}
	}
	lookup := func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := vars[key]
		return v, ok
	}

	if v, ok := lookup(EnvEndpoint); ok {
		cfg.Engine.Endpoint = v
	}
	if v, ok := lookup(EnvAPIBaseURL); ok {
		cfg.Engine.APIBaseURL = v
	}
	if v, ok := lookup(EnvToken); ok {
		cfg.Engine.Token = v
	}
	if v, ok := lookup(EnvLogLevel); ok {
		cfg.Engine.LogLevel = v
	}
	if v, ok := lookup(EnvSession); ok {
		cfg.DefaultSession = v
	}
	if v, ok := lookup(EnvUserID); ok {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvUserID, err)
		}
		cfg.Engine.UserID = id
	}
	for key, dst := range map[string]*int{
		EnvPingInterval: &cfg.Engine.PingIntervalMS,
		EnvAckTimeout:   &cfg.Engine.AckTimeoutMS,
	} {
		v, ok := lookup(key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
	}
	return nil
}

// WriteEnv merges values into the .env file at path, creating it if needed.
func WriteEnv(path string, values map[string]string) error {
	merged, err := godotenv.Read(path)
	if errors.Is(err, fs.ErrNotExist) {
		merged = map[string]string{}
	} else if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	for k, v := range values {
		merged[k] = v
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	if err := godotenv.Write(merged, path); err != nil {
		return err
	}
	return os.Chmod(path, 0600)
}

// ResolveUserID fills UserID from the token's claims when it is not set.
// The token is not verified here; the server does that on connect.
func (e *Engine) ResolveUserID() error {
	if e.UserID != 0 || e.Token == "" {
		return nil
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(e.Token, claims); err != nil {
		return fmt.Errorf("read token claims: %w", err)
	}
	if id, ok := claims["userId"].(float64); ok && id > 0 {
		e.UserID = int64(id)
		return nil
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return errors.New("token carries no user id")
	}
	id, err := strconv.ParseInt(sub, 10, 64)
	if err != nil {
		return fmt.Errorf("token subject %q is not a user id", sub)
	}
	e.UserID = id
	return nil
}

// Validate reports settings the engine cannot run with.
func (e Engine) Validate() error {
	switch {
	case e.Endpoint == "":
		return errors.New("engine.endpoint is required")
	case e.UserID <= 0:
		return errors.New("engine.user_id is required (or a token carrying it)")
	case e.PingIntervalMS <= 0 || e.PongTimeoutMS <= 0:
		return errors.New("engine.ping_interval_ms and engine.pong_timeout_ms must be positive")
	case e.BackoffBaseMS <= 0 || e.BackoffMaxMS < e.BackoffBaseMS:
		return errors.New("engine.backoff_max_ms must be at least engine.backoff_base_ms")
	case e.AckTimeoutMS <= 0:
		return errors.New("engine.ack_timeout_ms must be positive")
	}
	return nil
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (e Engine) PingInterval() time.Duration { return ms(e.PingIntervalMS) }
func (e Engine) PongTimeout() time.Duration  { return ms(e.PongTimeoutMS) }
func (e Engine) BackoffBase() time.Duration  { return ms(e.BackoffBaseMS) }
func (e Engine) BackoffMax() time.Duration   { return ms(e.BackoffMaxMS) }
func (e Engine) AckTimeout() time.Duration   { return ms(e.AckTimeoutMS) }

// Package config loads and validates the TOML configuration file Raskol
// reads its listen address, JWT parameters, upstream target, and limits
// from. A default file is written the first time the server runs in a given
// working directory.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const (
	fileName = "conf.toml"

	defaultAddr               = "127.0.0.1"
	defaultPort               = 3001
	defaultTargetAddress      = "api.groq.com"
	defaultMinHitInterval     = 5.0
	defaultMaxTokensPerDay    = 1_000_000
	defaultSQLiteBusyTimeout  = 60.0
	defaultLogLevel           = "info"
	defaultJWTSecret          = "super-secret"
	defaultJWTAudience        = "authenticated"
	defaultJWTIssuer          = "https://raskol.example"
	defaultDataDir            = "data"
	defaultInsecureSkipVerify = false
)

// JWT holds the symmetric JWT parameters used to mint and verify identity
// tokens.
type JWT struct {
	Secret   string `toml:"secret"`
	Audience string `toml:"audience"`
	Issuer   string `toml:"issuer"`
}

// TLS, if present, switches the listener from plaintext to HTTPS.
type TLS struct {
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
}

// Config is the full set of operator-tunable knobs for a Raskol instance.
type Config struct {
	LogLevel            string  `toml:"log_level"`
	Addr                string  `toml:"addr"`
	Port                int     `toml:"port"`
	JWT                 JWT     `toml:"jwt"`
	TargetAddress       string  `toml:"target_address"`
	TargetAuthToken     string  `toml:"target_auth_token"`
	MinHitInterval      float64 `toml:"min_hit_interval"`
	MaxTokensPerDay      uint64  `toml:"max_tokens_per_day"`
	SQLiteBusyTimeout   float64 `toml:"sqlite_busy_timeout"`
	DataDir             string  `toml:"data_dir"`
	InsecureSkipVerify  bool    `toml:"insecure_skip_verify"`
	TLS                 *TLS    `toml:"tls,omitempty"`
}

func defaultConfig() Config {
	return Config{
		LogLevel: defaultLogLevel,
		Addr:     defaultAddr,
		Port:     defaultPort,
		JWT: JWT{
			Secret:   defaultJWTSecret,
			Audience: defaultJWTAudience,
			Issuer:   defaultJWTIssuer,
		},
		TargetAddress:      defaultTargetAddress,
		TargetAuthToken:    "",
		MinHitInterval:     defaultMinHitInterval,
		MaxTokensPerDay:    defaultMaxTokensPerDay,
		SQLiteBusyTimeout:  defaultSQLiteBusyTimeout,
		DataDir:            defaultDataDir,
		InsecureSkipVerify: defaultInsecureSkipVerify,
	}
}

// Load reads conf.toml from dir, creating it with default values if it does
// not exist yet, then applies environment-variable overrides and validates
// the result. A .env file in dir is loaded first, matching the teacher's
// godotenv convention.
func Load(dir string) (*Config, error) {
	_ = godotenv.Load(filepath.Join(dir, ".env"))

	path := filepath.Join(dir, fileName)
	cfg, err := readOrCreateDefault(path)
	if err != nil {
		return nil, fmt.Errorf("load config %q: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %q: %w", path, err)
	}
	return &cfg, nil
}

func readOrCreateDefault(path string) (Config, error) {
	if _, err := os.Stat(path); err == nil {
		cfg := defaultConfig()
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode: %w", err)
		}
		return cfg, nil
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("stat: %w", err)
	}

	cfg := defaultConfig()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Config{}, fmt.Errorf("create parent directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return Config{}, fmt.Errorf("create: %w", err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return Config{}, fmt.Errorf("encode default: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides lets an operator override the secrets that shouldn't
// live in a checked-in conf.toml without touching the file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWT.Secret = v
	}
	if v := os.Getenv("JWT_AUDIENCE"); v != "" {
		cfg.JWT.Audience = v
	}
	if v := os.Getenv("JWT_ISSUER"); v != "" {
		cfg.JWT.Issuer = v
	}
	if v := os.Getenv("TARGET_AUTH_TOKEN"); v != "" {
		cfg.TargetAuthToken = v
	}
}

func (c Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port out of range: %d", c.Port)
	}
	if c.TargetAddress == "" {
		return fmt.Errorf("target_address must not be empty")
	}
	if c.JWT.Secret == "" {
		return fmt.Errorf("jwt.secret must not be empty")
	}
	if c.MinHitInterval < 0 {
		return fmt.Errorf("min_hit_interval must not be negative")
	}
	if c.SQLiteBusyTimeout <= 0 {
		return fmt.Errorf("sqlite_busy_timeout must be positive")
	}
	return nil
}

// ListenAddr returns the address the HTTP server should bind to.
func (c Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Addr, c.Port)
}

// DBPath returns the path to the accounting database file inside DataDir.
func (c Config) DBPath() string {
	return filepath.Join(c.DataDir, "data.db")
}

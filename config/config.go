// Package config loads the ironsync YAML configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jmcleod/ironsync/crypto"
)

const (
	EnvPassword = "IRONSYNC_PASSWORD"
	EnvSyncKey  = "IRONSYNC_SYNC_KEY"
)

// Local backends.
const (
	BackendMemory   = "memory"
	BackendBolt     = "bbolt"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

var ErrInvalidConfig = errors.New("invalid config")

var collectionNameRE = regexp.MustCompile(`^[a-z0-9_-]{1,32}$`)

// Config is the whole file. Client settings sit at the top level; Serve
// configures the development server.
type Config struct {
	ServerURL string `yaml:"server_url"`
	Account   string `yaml:"account"`
	// Password and SyncKey may be left out of the file and supplied through
	// IRONSYNC_PASSWORD and IRONSYNC_SYNC_KEY instead.
	Password string `yaml:"password,omitempty"`
	SyncKey  string `yaml:"sync_key,omitempty"`

	DataDir     string   `yaml:"data_dir"`
	Backend     string   `yaml:"backend"`
	PostgresDSN string   `yaml:"postgres_dsn,omitempty"`
	Collections []string `yaml:"collections"`

	IdleTimeout time.Duration `yaml:"idle_timeout"`
	Deadline    time.Duration `yaml:"deadline"`
	BatchSize   int           `yaml:"batch_size"`

	Log   LogConfig   `yaml:"log"`
	Serve ServeConfig `yaml:"serve"`
}

type LogConfig struct {
	Debug bool `yaml:"debug"`
	JSON  bool `yaml:"json"`
	UID   bool `yaml:"uid"`
}

type ServeConfig struct {
	Listen string `yaml:"listen"`
	// ClusterURL is handed out by node assignment. Empty means the URL the
	// request came in on.
	ClusterURL  string `yaml:"cluster_url,omitempty"`
	Backend     string `yaml:"backend"`
	DataDir     string `yaml:"data_dir"`
	PostgresDSN string `yaml:"postgres_dsn,omitempty"`
	// Users maps storage usernames to passwords. Empty accepts anyone.
	Users map[string]string `yaml:"users,omitempty"`
}

// Default returns a config with every optional field set.
func Default() *Config {
	return &Config{
		DataDir:     "./data",
		Backend:     BackendBolt,
		Collections: []string{"tabs"},
		IdleTimeout: 5 * time.Second,
		Deadline:    5 * time.Minute,
		BatchSize:   100,
		Serve: ServeConfig{
			Listen:  ":8080",
			Backend: BackendMemory,
			DataDir: "./server-data",
		},
	}
}

// Load reads path and applies the environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data, os.Getenv)
	if err != nil {
		return nil, err
	}
	cfg.resolvePaths(filepath.Dir(path))
	return cfg, nil
}

// Parse decodes data over Default. Unknown keys are rejected. getenv
// supplies the secret overrides.
func Parse(data []byte, getenv func(string) string) (*Config, error) {
	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: failed to parse YAML: %w", ErrInvalidConfig, err)
	}
	if v := getenv(EnvPassword); v != "" {
		cfg.Password = v
	}
	if v := getenv(EnvSyncKey); v != "" {
		cfg.SyncKey = v
	}
	return cfg, nil
}

// resolvePaths makes relative data directories relative to the config file.
func (c *Config) resolvePaths(base string) {
	for _, p := range []*string{&c.DataDir, &c.Serve.DataDir} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(base, *p)
		}
	}
}

// ValidateClient checks everything the sync command needs.
func (c *Config) ValidateClient() error {
	var errs []error
	if err := validateURL(c.ServerURL); err != nil {
		errs = append(errs, fmt.Errorf("server_url: %w", err))
	}
	if c.Account == "" {
		errs = append(errs, errors.New("account is required"))
	}
	if c.Password == "" {
		errs = append(errs, fmt.Errorf("password is required (or set %s)", EnvPassword))
	}
	if c.SyncKey == "" {
		errs = append(errs, fmt.Errorf("sync_key is required (or set %s)", EnvSyncKey))
	} else if _, err := crypto.DecodeSyncKey(c.SyncKey); err != nil {
		errs = append(errs, fmt.Errorf("sync_key: %w", err))
	}
	if err := validateBackend(c.Backend, c.DataDir, c.PostgresDSN); err != nil {
		errs = append(errs, err)
	}
	if len(c.Collections) == 0 {
		errs = append(errs, errors.New("collections must not be empty"))
	}
	for i, name := range c.Collections {
		switch {
		case !collectionNameRE.MatchString(name):
			errs = append(errs, fmt.Errorf("collections[%d]: invalid name %q", i, name))
		case name == "crypto" || name == "meta":
			errs = append(errs, fmt.Errorf("collections[%d]: %q is reserved", i, name))
		case slices.Index(c.Collections, name) != i:
			errs = append(errs, fmt.Errorf("collections[%d]: duplicate %q", i, name))
		}
	}
	if c.IdleTimeout <= 0 {
		errs = append(errs, errors.New("idle_timeout must be positive"))
	}
	if c.Deadline <= 0 {
		errs = append(errs, errors.New("deadline must be positive"))
	}
	if c.BatchSize < 1 {
		errs = append(errs, errors.New("batch_size must be at least 1"))
	}
	return wrap(errs)
}

// ValidateServer checks the serve section.
func (c *Config) ValidateServer() error {
	var errs []error
	if c.Serve.Listen == "" {
		errs = append(errs, errors.New("serve.listen is required"))
	}
	if c.Serve.ClusterURL != "" {
		if err := validateURL(c.Serve.ClusterURL); err != nil {
			errs = append(errs, fmt.Errorf("serve.cluster_url: %w", err))
		}
	}
	if err := validateBackend(c.Serve.Backend, c.Serve.DataDir, c.Serve.PostgresDSN); err != nil {
		errs = append(errs, fmt.Errorf("serve: %w", err))
	}
	return wrap(errs)
}

func validateURL(s string) error {
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("want an http(s) URL, got %q", s)
	}
	return nil
}

func validateBackend(backend, dataDir, dsn string) error {
	switch backend {
	case BackendMemory:
	case BackendBolt, BackendSQLite:
		if dataDir == "" {
			return fmt.Errorf("backend %s needs data_dir", backend)
		}
	case BackendPostgres:
		if dsn == "" {
			return errors.New("backend postgres needs postgres_dsn")
		}
	default:
		return fmt.Errorf("unknown backend %q", backend)
	}
	return nil
}

func wrap(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

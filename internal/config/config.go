package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Configuration represents the complete application configuration
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	Connection ConnectionConfig `yaml:"connection"`
	Defaults   MountOptions     `yaml:"defaults"`
	Cache      CacheConfig      `yaml:"cache"`
	Fuse       FuseConfig       `yaml:"fuse"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	LogFile     string `yaml:"log_file"`
	MetricsPort int    `yaml:"metrics_port"`
	StatusPort  int    `yaml:"status_port"`
}

// ConnectionConfig represents SSH transport settings shared by every session
type ConnectionConfig struct {
	ConnectTimeout        time.Duration `yaml:"connect_timeout"`
	TCPKeepAlive          time.Duration `yaml:"tcp_keepalive"`
	PollTimeout           time.Duration `yaml:"poll_timeout"`
	KnownHostsFile        string        `yaml:"known_hosts_file"`
	InsecureIgnoreHostKey bool          `yaml:"insecure_ignore_host_key"`
	UseAgent              bool          `yaml:"use_agent"`
	HandleCacheSize       int           `yaml:"handle_cache_size"`
}

// CacheConfig represents attribute/directory cache settings
type CacheConfig struct {
	MaxEntries int `yaml:"max_entries"`
}

// FuseConfig represents kernel-facing mount settings
type FuseConfig struct {
	AttrTimeout  time.Duration `yaml:"attr_timeout"`
	EntryTimeout time.Duration `yaml:"entry_timeout"`
	AllowOther   bool          `yaml:"allow_other"`
	Debug        bool          `yaml:"debug"`
	FSName       string        `yaml:"fsname"`
}

// MonitoringConfig represents monitoring settings
type MonitoringConfig struct {
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	MetricsPath    string `yaml:"metrics_path"`
	StatusEnabled  bool   `yaml:"status_enabled"`
	StatusAddress  string `yaml:"status_address"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	home, _ := os.UserHomeDir()
	knownHosts := ""
	if home != "" {
		knownHosts = filepath.Join(home, ".ssh", "known_hosts")
	}

	return &Configuration{
		Global: GlobalConfig{
			LogLevel:    "INFO",
			LogFormat:   "json",
			LogFile:     "",
			MetricsPort: 9464,
			StatusPort:  9465,
		},
		Connection: ConnectionConfig{
			ConnectTimeout:  5 * time.Second,
			TCPKeepAlive:    10 * time.Second,
			PollTimeout:     10 * time.Second,
			KnownHostsFile:  knownHosts,
			UseAgent:        true,
			HandleCacheSize: 16,
		},
		Defaults: DefaultMountOptions(),
		Cache: CacheConfig{
			MaxEntries: 100000,
		},
		Fuse: FuseConfig{
			AttrTimeout:  time.Second,
			EntryTimeout: time.Second,
			FSName:       "sftpvol",
		},
		Monitoring: MonitoringConfig{
			MetricsEnabled: false,
			MetricsPath:    "/metrics",
			StatusEnabled:  false,
			StatusAddress:  "localhost:9465",
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables
func (c *Configuration) LoadFromEnv() error {
	// Global settings
	if val := os.Getenv("SFTPVOL_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = strings.ToUpper(val)
	}
	if val := os.Getenv("SFTPVOL_LOG_FORMAT"); val != "" {
		c.Global.LogFormat = val
	}
	if val := os.Getenv("SFTPVOL_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}
	if val := os.Getenv("SFTPVOL_METRICS_PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("SFTPVOL_METRICS_PORT: %w", err)
		}
		c.Global.MetricsPort = port
	}
	if val := os.Getenv("SFTPVOL_STATUS_PORT"); val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("SFTPVOL_STATUS_PORT: %w", err)
		}
		c.Global.StatusPort = port
	}

	// Connection settings
	if val := os.Getenv("SFTPVOL_CONNECT_TIMEOUT"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("SFTPVOL_CONNECT_TIMEOUT: %w", err)
		}
		c.Connection.ConnectTimeout = d
	}
	if val := os.Getenv("SFTPVOL_KNOWN_HOSTS"); val != "" {
		c.Connection.KnownHostsFile = val
	}
	if val := os.Getenv("SFTPVOL_INSECURE_IGNORE_HOST_KEY"); val != "" {
		c.Connection.InsecureIgnoreHostKey = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("SFTPVOL_USE_AGENT"); val != "" {
		c.Connection.UseAgent = strings.ToLower(val) == "true"
	}

	// Default mount options
	if val := os.Getenv("SFTPVOL_PROFILE"); val != "" {
		c.Defaults = c.Defaults.WithProfile(Profile(val))
	}
	if val := os.Getenv("SFTPVOL_READ_WORKERS"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("SFTPVOL_READ_WORKERS: %w", err)
		}
		c.Defaults.ReadWorkers = n
	}
	if val := os.Getenv("SFTPVOL_WRITE_WORKERS"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("SFTPVOL_WRITE_WORKERS: %w", err)
		}
		c.Defaults.WriteWorkers = n
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if c.Connection.ConnectTimeout <= 0 {
		return fmt.Errorf("connect_timeout must be greater than 0")
	}

	if c.Connection.HandleCacheSize <= 0 {
		return fmt.Errorf("handle_cache_size must be greater than 0")
	}

	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("max_entries must be greater than 0")
	}

	if c.Global.MetricsPort == c.Global.StatusPort {
		return fmt.Errorf("metrics_port and status_port cannot be the same")
	}

	if !c.Connection.InsecureIgnoreHostKey && c.Connection.KnownHostsFile == "" {
		return fmt.Errorf("known_hosts_file is required unless insecure_ignore_host_key is set")
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	logLevelValid := false
	for _, level := range validLogLevels {
		if c.Global.LogLevel == level {
			logLevelValid = true
			break
		}
	}
	if !logLevelValid {
		return fmt.Errorf("invalid log_level: %s (must be one of: %s)",
			c.Global.LogLevel, strings.Join(validLogLevels, ", "))
	}

	if c.Global.LogFormat != "json" && c.Global.LogFormat != "console" {
		return fmt.Errorf("invalid log_format: %s (must be json or console)", c.Global.LogFormat)
	}

	if err := c.Defaults.Validate(); err != nil {
		return fmt.Errorf("defaults: %w", err)
	}

	return nil
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewDefault(t *testing.T) {
	cfg := NewDefault()

	if cfg.Global.LogLevel != "INFO" {
		t.Errorf("Expected LogLevel to be INFO, got %s", cfg.Global.LogLevel)
	}
	if cfg.Global.MetricsPort != 9464 {
		t.Errorf("Expected MetricsPort to be 9464, got %d", cfg.Global.MetricsPort)
	}
	if cfg.Global.StatusPort != 9465 {
		t.Errorf("Expected StatusPort to be 9465, got %d", cfg.Global.StatusPort)
	}

	if cfg.Connection.ConnectTimeout != 5*time.Second {
		t.Errorf("Expected ConnectTimeout to be 5s, got %v", cfg.Connection.ConnectTimeout)
	}
	if cfg.Connection.HandleCacheSize != 16 {
		t.Errorf("Expected HandleCacheSize to be 16, got %d", cfg.Connection.HandleCacheSize)
	}
	if !cfg.Connection.UseAgent {
		t.Error("Expected UseAgent to be enabled by default")
	}

	if cfg.Defaults != DefaultMountOptions() {
		t.Errorf("Expected standard mount defaults, got %+v", cfg.Defaults)
	}
	if cfg.Fuse.FSName != "sftpvol" {
		t.Errorf("Expected FSName to be sftpvol, got %s", cfg.Fuse.FSName)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  func() *Configuration
		wantErr bool
		errMsg  string
	}{
		{
			name: "valid config",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Connection.KnownHostsFile = "/tmp/known_hosts"
				return cfg
			},
			wantErr: false,
		},
		{
			name: "zero connect timeout",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Connection.ConnectTimeout = 0
				return cfg
			},
			wantErr: true,
			errMsg:  "connect_timeout",
		},
		{
			name: "zero handle cache",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Connection.HandleCacheSize = 0
				return cfg
			},
			wantErr: true,
			errMsg:  "handle_cache_size",
		},
		{
			name: "same ports",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Global.StatusPort = cfg.Global.MetricsPort
				return cfg
			},
			wantErr: true,
			errMsg:  "cannot be the same",
		},
		{
			name: "missing known hosts",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Connection.KnownHostsFile = ""
				return cfg
			},
			wantErr: true,
			errMsg:  "known_hosts_file",
		},
		{
			name: "insecure host key skips known hosts",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Connection.KnownHostsFile = ""
				cfg.Connection.InsecureIgnoreHostKey = true
				return cfg
			},
			wantErr: false,
		},
		{
			name: "invalid log level",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Global.LogLevel = "TRACE"
				return cfg
			},
			wantErr: true,
			errMsg:  "invalid log_level",
		},
		{
			name: "invalid log format",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Global.LogFormat = "xml"
				return cfg
			},
			wantErr: true,
			errMsg:  "invalid log_format",
		},
		{
			name: "invalid default mount options",
			config: func() *Configuration {
				cfg := NewDefault()
				cfg.Defaults.ReadWorkers = 9
				return cfg
			},
			wantErr: true,
			errMsg:  "read_workers",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := tt.config()
			if cfg.Connection.KnownHostsFile == "" && !cfg.Connection.InsecureIgnoreHostKey && tt.errMsg != "known_hosts_file" {
				cfg.Connection.KnownHostsFile = "/tmp/known_hosts"
			}
			err := cfg.Validate()

			if tt.wantErr {
				if err == nil {
					t.Errorf("Expected error containing %q, got nil", tt.errMsg)
				} else if !strings.Contains(err.Error(), tt.errMsg) {
					t.Errorf("Expected error containing %q, got %q", tt.errMsg, err.Error())
				}
			} else if err != nil {
				t.Errorf("Expected no error, got %v", err)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	t.Parallel()
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "config.yaml")

	configContent := `
global:
  log_level: DEBUG
  metrics_port: 9100
connection:
  connect_timeout: 3s
  known_hosts_file: /etc/ssh/ssh_known_hosts
defaults:
  profile: standard
  read_workers: 4
  write_workers: 2
  io_mode: nonblocking
  health_interval_s: 10
  health_timeout_s: 5
  health_failures: 3
  busy_threshold: 4
  grace_seconds: 10
  queue_timeout_ms: 2000
  cache_attr_s: 1
  cache_dir_s: 1
`
	if err := os.WriteFile(configFile, []byte(configContent), 0600); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	cfg := NewDefault()
	if err := cfg.LoadFromFile(configFile); err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Global.LogLevel != "DEBUG" {
		t.Errorf("Expected LogLevel DEBUG, got %s", cfg.Global.LogLevel)
	}
	if cfg.Global.MetricsPort != 9100 {
		t.Errorf("Expected MetricsPort 9100, got %d", cfg.Global.MetricsPort)
	}
	if cfg.Connection.ConnectTimeout != 3*time.Second {
		t.Errorf("Expected ConnectTimeout 3s, got %v", cfg.Connection.ConnectTimeout)
	}
	if cfg.Defaults.ReadWorkers != 4 {
		t.Errorf("Expected ReadWorkers 4, got %d", cfg.Defaults.ReadWorkers)
	}
	if cfg.Defaults.QueueTimeout() != 2*time.Second {
		t.Errorf("Expected QueueTimeout 2s, got %v", cfg.Defaults.QueueTimeout())
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Loaded config should validate, got %v", err)
	}
}

func TestLoadFromFileRejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	content := "defaults:\n  readahead_kb: 128\n"
	if err := os.WriteFile(configFile, []byte(content), 0600); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}

	if err := NewDefault().LoadFromFile(configFile); err == nil {
		t.Error("Expected unknown key to be rejected")
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	t.Parallel()
	if err := NewDefault().LoadFromFile(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SFTPVOL_LOG_LEVEL", "debug")
	t.Setenv("SFTPVOL_METRICS_PORT", "9200")
	t.Setenv("SFTPVOL_CONNECT_TIMEOUT", "2s")
	t.Setenv("SFTPVOL_INSECURE_IGNORE_HOST_KEY", "true")
	t.Setenv("SFTPVOL_PROFILE", "git")

	cfg := NewDefault()
	if err := cfg.LoadFromEnv(); err != nil {
		t.Fatalf("Failed to load env: %v", err)
	}

	if cfg.Global.LogLevel != "DEBUG" {
		t.Errorf("Expected LogLevel DEBUG, got %s", cfg.Global.LogLevel)
	}
	if cfg.Global.MetricsPort != 9200 {
		t.Errorf("Expected MetricsPort 9200, got %d", cfg.Global.MetricsPort)
	}
	if cfg.Connection.ConnectTimeout != 2*time.Second {
		t.Errorf("Expected ConnectTimeout 2s, got %v", cfg.Connection.ConnectTimeout)
	}
	if !cfg.Connection.InsecureIgnoreHostKey {
		t.Error("Expected InsecureIgnoreHostKey to be set")
	}
	if cfg.Defaults.Profile != ProfileGit || cfg.Defaults.ReadWorkers != 1 {
		t.Errorf("Expected git profile defaults, got %+v", cfg.Defaults)
	}
}

func TestLoadFromEnvInvalidNumber(t *testing.T) {
	t.Setenv("SFTPVOL_READ_WORKERS", "many")

	if err := NewDefault().LoadFromEnv(); err == nil {
		t.Error("Expected error for non-numeric worker count")
	}
}

func TestSaveToFile(t *testing.T) {
	t.Parallel()
	configFile := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := NewDefault()
	cfg.Defaults.ReadWorkers = 3
	cfg.Defaults.AuthPassword = "hunter2"
	if err := cfg.SaveToFile(configFile); err != nil {
		t.Fatalf("Failed to save config: %v", err)
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		t.Fatalf("Failed to read saved config: %v", err)
	}
	if strings.Contains(string(data), "hunter2") {
		t.Error("Saved config must not contain the password")
	}

	loaded := NewDefault()
	if err := loaded.LoadFromFile(configFile); err != nil {
		t.Fatalf("Failed to reload saved config: %v", err)
	}
	if loaded.Defaults.ReadWorkers != 3 {
		t.Errorf("Expected ReadWorkers 3 after reload, got %d", loaded.Defaults.ReadWorkers)
	}
}

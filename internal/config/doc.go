/*
Package config provides configuration management for sftpvol.

Two layers are handled here. The application configuration (Configuration)
covers logging, SSH transport settings, cache sizing, FUSE options and the
monitoring endpoints. Mount options (MountOptions) are the typed, validated
per-mount settings carried on a mount URL.

# Configuration Sources

Application settings are resolved with this precedence:

	┌─────────────────────────────────────────────┐
	│        Mount URL query parameters          │ ← Highest Priority
	│   (per mount, canonical keys only)         │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│        Environment Variables                │
	│           (SFTPVOL_*)                      │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│         Configuration Files                 │
	│            (YAML format)                    │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│           Default Values                    │ ← Lowest Priority
	└─────────────────────────────────────────────┘

# Mount URLs

A mount is addressed as

	sftp://[user@]hostAlias[:port]/path?read_workers=2&cache_attr_s=5

Accepted query keys are profile, read_workers, write_workers, io_mode,
health_interval_s, health_timeout_s, health_failures, busy_threshold,
grace_seconds, queue_timeout_ms, cache_attr_s, cache_dir_s and auth_password.
Any other key fails with INVALID_FORMAT. An empty path or "/~" mounts the
remote home directory; "/~/sub" mounts a directory below it.

# Profiles

The standard profile runs two read and two write workers with pipelined
requests and five second caches. The git profile forces a single worker of
each kind, blocking I/O, no attribute or directory caching, raised failure
thresholds and a synchronous flush when a written file is closed:

	opts := config.DefaultMountOptions().WithProfile(config.ProfileGit)

# Usage Example

	cfg := config.NewDefault()
	if err := cfg.LoadFromFile("/etc/sftpvol/config.yaml"); err != nil {
		return err
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	req, err := config.ParseMountURL("sftp://build@devbox/srv/data?profile=git", cfg.Defaults)
	if err != nil {
		return err
	}
*/
package config

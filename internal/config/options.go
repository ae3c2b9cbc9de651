package config

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sftpvol/sftpvol/pkg/errors"
)

// Profile selects a preset of mount options.
type Profile string

const (
	// ProfileStandard favours throughput with parallel workers and caching.
	ProfileStandard Profile = "standard"
	// ProfileGit serialises I/O and disables caching for tools that depend on
	// strict write-then-read semantics.
	ProfileGit Profile = "git"
)

// IOMode selects how sessions issue SFTP requests.
type IOMode string

const (
	// IOModeBlocking issues one request at a time per file and waits
	// without a per-call deadline.
	IOModeBlocking IOMode = "blocking"
	// IOModeNonBlocking pipelines requests and bounds every call with the
	// poll timeout.
	IOModeNonBlocking IOMode = "nonblocking"
)

// Canonical query keys accepted in a mount URL.
const (
	KeyProfile        = "profile"
	KeyReadWorkers    = "read_workers"
	KeyWriteWorkers   = "write_workers"
	KeyIOMode         = "io_mode"
	KeyHealthInterval = "health_interval_s"
	KeyHealthTimeout  = "health_timeout_s"
	KeyHealthFailures = "health_failures"
	KeyBusyThreshold  = "busy_threshold"
	KeyGraceSeconds   = "grace_seconds"
	KeyQueueTimeout   = "queue_timeout_ms"
	KeyCacheAttr      = "cache_attr_s"
	KeyCacheDir       = "cache_dir_s"
	KeyAuthPassword   = "auth_password"
)

// CanonicalKeys lists every accepted option key in encoding order.
var CanonicalKeys = []string{
	KeyProfile, KeyReadWorkers, KeyWriteWorkers, KeyIOMode,
	KeyHealthInterval, KeyHealthTimeout, KeyHealthFailures,
	KeyBusyThreshold, KeyGraceSeconds, KeyQueueTimeout,
	KeyCacheAttr, KeyCacheDir, KeyAuthPassword,
}

// Worker and admission limits.
const (
	MinWorkers = 1
	MaxWorkers = 8

	standardAdmission = 32
	gitAdmission      = 8

	minReconnectWait = 15 * time.Second
)

// Schemes accepted in a mount URL.
var Schemes = map[string]bool{"sftp": true, "ssh": true}

// MountOptions are the validated, typed options of one mount. Field units
// match the query keys.
type MountOptions struct {
	Profile         Profile `yaml:"profile"`
	ReadWorkers     int     `yaml:"read_workers"`
	WriteWorkers    int     `yaml:"write_workers"`
	IOMode          IOMode  `yaml:"io_mode"`
	HealthIntervalS int     `yaml:"health_interval_s"`
	HealthTimeoutS  int     `yaml:"health_timeout_s"`
	HealthFailures  int     `yaml:"health_failures"`
	BusyThreshold   int     `yaml:"busy_threshold"`
	GraceSeconds    int     `yaml:"grace_seconds"`
	QueueTimeoutMs  int     `yaml:"queue_timeout_ms"`
	CacheAttrS      int     `yaml:"cache_attr_s"`
	CacheDirS       int     `yaml:"cache_dir_s"`
	AuthPassword    string  `yaml:"-"`
}

// DefaultMountOptions returns the standard profile.
func DefaultMountOptions() MountOptions {
	return MountOptions{
		Profile:         ProfileStandard,
		ReadWorkers:     2,
		WriteWorkers:    2,
		IOMode:          IOModeNonBlocking,
		HealthIntervalS: 10,
		HealthTimeoutS:  5,
		HealthFailures:  3,
		BusyThreshold:   4,
		GraceSeconds:    10,
		QueueTimeoutMs:  5000,
		CacheAttrS:      5,
		CacheDirS:       5,
	}
}

// WithProfile returns a copy with the profile preset applied.
func (o MountOptions) WithProfile(p Profile) MountOptions {
	o.Profile = p
	if p == ProfileGit {
		o = o.enforceGit()
	}
	return o
}

// enforceGit applies the constraints the git profile always carries.
func (o MountOptions) enforceGit() MountOptions {
	o.ReadWorkers = 1
	o.WriteWorkers = 1
	o.IOMode = IOModeBlocking
	o.CacheAttrS = 0
	o.CacheDirS = 0
	if o.HealthFailures < 6 {
		o.HealthFailures = 6
	}
	if o.BusyThreshold < 8 {
		o.BusyThreshold = 8
	}
	return o
}

// HealthInterval is the probe period.
func (o MountOptions) HealthInterval() time.Duration {
	return time.Duration(o.HealthIntervalS) * time.Second
}

// HealthTimeout is the probe deadline.
func (o MountOptions) HealthTimeout() time.Duration {
	return time.Duration(o.HealthTimeoutS) * time.Second
}

// Grace is the window after a successful I/O during which probe failures
// are suppressed.
func (o MountOptions) Grace() time.Duration {
	return time.Duration(o.GraceSeconds) * time.Second
}

// QueueTimeout is the admission wait limit.
func (o MountOptions) QueueTimeout() time.Duration {
	return time.Duration(o.QueueTimeoutMs) * time.Millisecond
}

// AttrTTL is the attribute cache lifetime. Zero disables the cache.
func (o MountOptions) AttrTTL() time.Duration {
	return time.Duration(o.CacheAttrS) * time.Second
}

// DirTTL is the directory listing cache lifetime. Zero disables the cache.
func (o MountOptions) DirTTL() time.Duration {
	return time.Duration(o.CacheDirS) * time.Second
}

// AdmissionCapacity is the size of the admission semaphore.
func (o MountOptions) AdmissionCapacity() int {
	if o.Profile == ProfileGit {
		return gitAdmission
	}
	return standardAdmission
}

// ReconnectWait bounds how long an operation waits for the connection to
// recover: health timeout × (failures+1), at least 15s.
func (o MountOptions) ReconnectWait() time.Duration {
	d := o.HealthTimeout() * time.Duration(o.HealthFailures+1)
	if d < minReconnectWait {
		return minReconnectWait
	}
	return d
}

// SyncClose reports whether closing a written file must flush synchronously.
func (o MountOptions) SyncClose() bool {
	return o.Profile == ProfileGit
}

// Validate checks ranges and enumerations.
func (o MountOptions) Validate() error {
	switch o.Profile {
	case ProfileStandard, ProfileGit:
	default:
		return invalidOption(KeyProfile, string(o.Profile), "must be standard or git")
	}
	switch o.IOMode {
	case IOModeBlocking, IOModeNonBlocking:
	default:
		return invalidOption(KeyIOMode, string(o.IOMode), "must be blocking or nonblocking")
	}

	ranges := []struct {
		key      string
		value    int
		min, max int
	}{
		{KeyReadWorkers, o.ReadWorkers, MinWorkers, MaxWorkers},
		{KeyWriteWorkers, o.WriteWorkers, MinWorkers, MaxWorkers},
		{KeyHealthInterval, o.HealthIntervalS, 1, 3600},
		{KeyHealthTimeout, o.HealthTimeoutS, 1, 600},
		{KeyHealthFailures, o.HealthFailures, 1, 100},
		{KeyBusyThreshold, o.BusyThreshold, 1, 10000},
		{KeyGraceSeconds, o.GraceSeconds, 0, 3600},
		{KeyQueueTimeout, o.QueueTimeoutMs, 1, 600000},
		{KeyCacheAttr, o.CacheAttrS, 0, 86400},
		{KeyCacheDir, o.CacheDirS, 0, 86400},
	}
	for _, r := range ranges {
		if r.value < r.min || r.value > r.max {
			return invalidOption(r.key, strconv.Itoa(r.value), fmt.Sprintf("must be between %d and %d", r.min, r.max))
		}
	}

	if o.Profile == ProfileGit && o != o.enforceGit() {
		return invalidOption(KeyProfile, string(o.Profile), "git profile requires single workers, blocking I/O and no caching")
	}
	return nil
}

// MountRequest is a parsed mount URL.
type MountRequest struct {
	Scheme    string
	HostAlias string
	User      string
	Port      int
	// Path is the remote path as written. It may start with "~" and is
	// resolved against the remote home directory at activation.
	Path    string
	Options MountOptions
}

// ParseMountURL parses scheme://[user@]hostAlias[:port]/path?key=value...
// Options not present in the query keep their value from defaults. Unknown
// keys, repeated keys and malformed values are rejected.
func ParseMountURL(raw string, defaults MountOptions) (*MountRequest, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.NewError(errors.ErrCodeInvalidFormat, "malformed mount URL").
			WithComponent("config").WithCause(err)
	}
	if !Schemes[u.Scheme] {
		return nil, errors.Newf(errors.ErrCodeInvalidFormat, "unsupported scheme %q", u.Scheme).
			WithComponent("config")
	}
	if u.Hostname() == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidFormat, "mount URL has no host").
			WithComponent("config")
	}

	req := &MountRequest{
		Scheme:    u.Scheme,
		HostAlias: u.Hostname(),
		Path:      remotePathFromURL(u.Path),
	}
	if u.User != nil {
		if _, has := u.User.Password(); has {
			return nil, errors.Newf(errors.ErrCodeInvalidFormat, "passwords in the URL are not accepted, use %s", KeyAuthPassword).
				WithComponent("config")
		}
		req.User = u.User.Username()
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return nil, invalidOption("port", p, "must be between 1 and 65535")
		}
		req.Port = port
	}

	opts, err := ParseOptions(u.RawQuery, defaults)
	if err != nil {
		return nil, err
	}
	req.Options = opts
	return req, nil
}

// ParseOptions applies a URL query string to defaults.
func ParseOptions(rawQuery string, defaults MountOptions) (MountOptions, error) {
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return MountOptions{}, errors.NewError(errors.ErrCodeInvalidFormat, "malformed option query").
			WithComponent("config").WithCause(err)
	}

	known := make(map[string]bool, len(CanonicalKeys))
	for _, k := range CanonicalKeys {
		known[k] = true
	}
	var unknown []string
	for key, vals := range values {
		if !known[key] {
			unknown = append(unknown, key)
			continue
		}
		if len(vals) != 1 {
			return MountOptions{}, invalidOption(key, strings.Join(vals, ","), "given more than once")
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return MountOptions{}, errors.Newf(errors.ErrCodeInvalidFormat, "unknown mount options: %s", strings.Join(unknown, ", ")).
			WithComponent("config")
	}

	opts := defaults
	if v := values.Get(KeyProfile); v != "" {
		opts.Profile = Profile(v)
	}
	if v, ok := values[KeyIOMode]; ok {
		opts.IOMode = IOMode(v[0])
	}

	ints := []struct {
		key string
		dst *int
	}{
		{KeyReadWorkers, &opts.ReadWorkers},
		{KeyWriteWorkers, &opts.WriteWorkers},
		{KeyHealthInterval, &opts.HealthIntervalS},
		{KeyHealthTimeout, &opts.HealthTimeoutS},
		{KeyHealthFailures, &opts.HealthFailures},
		{KeyBusyThreshold, &opts.BusyThreshold},
		{KeyGraceSeconds, &opts.GraceSeconds},
		{KeyQueueTimeout, &opts.QueueTimeoutMs},
		{KeyCacheAttr, &opts.CacheAttrS},
		{KeyCacheDir, &opts.CacheDirS},
	}
	for _, f := range ints {
		v, ok := values[f.key]
		if !ok {
			continue
		}
		n, err := strconv.Atoi(v[0])
		if err != nil {
			return MountOptions{}, invalidOption(f.key, v[0], "must be an integer")
		}
		*f.dst = n
	}
	if v, ok := values[KeyAuthPassword]; ok {
		opts.AuthPassword = v[0]
	}

	if opts.Profile == ProfileGit {
		opts = opts.enforceGit()
	}
	if err := opts.Validate(); err != nil {
		return MountOptions{}, err
	}
	return opts, nil
}

// Encode renders the options as a canonical query string. The password is
// never included.
func (o MountOptions) Encode() string {
	v := url.Values{}
	v.Set(KeyProfile, string(o.Profile))
	v.Set(KeyReadWorkers, strconv.Itoa(o.ReadWorkers))
	v.Set(KeyWriteWorkers, strconv.Itoa(o.WriteWorkers))
	v.Set(KeyIOMode, string(o.IOMode))
	v.Set(KeyHealthInterval, strconv.Itoa(o.HealthIntervalS))
	v.Set(KeyHealthTimeout, strconv.Itoa(o.HealthTimeoutS))
	v.Set(KeyHealthFailures, strconv.Itoa(o.HealthFailures))
	v.Set(KeyBusyThreshold, strconv.Itoa(o.BusyThreshold))
	v.Set(KeyGraceSeconds, strconv.Itoa(o.GraceSeconds))
	v.Set(KeyQueueTimeout, strconv.Itoa(o.QueueTimeoutMs))
	v.Set(KeyCacheAttr, strconv.Itoa(o.CacheAttrS))
	v.Set(KeyCacheDir, strconv.Itoa(o.CacheDirS))
	return v.Encode()
}

// String renders the request back into a mount URL without credentials.
func (r *MountRequest) String() string {
	u := url.URL{Scheme: r.Scheme, Host: r.HostAlias, RawQuery: r.Options.Encode()}
	if r.Port != 0 {
		u.Host = fmt.Sprintf("%s:%d", r.HostAlias, r.Port)
	}
	if r.User != "" {
		u.User = url.User(r.User)
	}
	switch {
	case r.Path == "~":
		u.Path = "/~"
	case strings.HasPrefix(r.Path, "~/"):
		u.Path = "/" + r.Path
	default:
		u.Path = r.Path
	}
	return u.String()
}

// remotePathFromURL maps the URL path onto a remote path: empty means the
// home directory and a leading "/~" marks a home-relative path.
func remotePathFromURL(p string) string {
	switch {
	case p == "" || p == "/~" || p == "/~/":
		return "~"
	case strings.HasPrefix(p, "/~/"):
		return strings.TrimSuffix(p[1:], "/")
	case p == "/":
		return "/"
	default:
		return strings.TrimSuffix(p, "/")
	}
}

func invalidOption(key, value, reason string) *errors.VolumeError {
	return errors.Newf(errors.ErrCodeInvalidFormat, "option %s=%q %s", key, value, reason).
		WithComponent("config").
		WithContext("key", key)
}

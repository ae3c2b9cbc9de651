package main

import (
	"flag"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/sftpvol/sftpvol/internal/config"
	"github.com/sftpvol/sftpvol/internal/session"
	"github.com/sftpvol/sftpvol/pkg/logging"
)

// defaultIdentities are tried when no -identity flag is given.
var defaultIdentities = []string{"~/.ssh/id_ed25519", "~/.ssh/id_ecdsa", "~/.ssh/id_rsa"}

// listFlag collects a repeatable string flag.
type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(v string) error {
	*l = append(*l, v)
	return nil
}

// commonFlags are shared by every sub-command that connects.
type commonFlags struct {
	configFile     string
	identities     listFlag
	jump           string
	passwordPrompt bool
	insecure       bool
	logLevel       string
	noColor        bool
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configFile, "config", os.Getenv("SFTPVOL_CONFIG"), "YAML configuration file")
	fs.Var(&c.identities, "identity", "Private key file (repeatable, default ~/.ssh/id_*)")
	fs.StringVar(&c.jump, "jump", "", "Jump host as [user@]host[:port]")
	fs.BoolVar(&c.passwordPrompt, "password-prompt", false, "Prompt for a password on the terminal")
	fs.BoolVar(&c.insecure, "insecure-ignore-host-key", false, "Skip known_hosts verification")
	fs.StringVar(&c.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	fs.BoolVar(&c.noColor, "no-color", false, "Disable colored output")
}

// loadConfiguration applies defaults, the config file, the environment and
// the flags, in that order, and initializes logging.
func (c *commonFlags) loadConfiguration() (*config.Configuration, error) {
	cfg := config.NewDefault()
	if c.configFile != "" {
		if err := cfg.LoadFromFile(c.configFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if c.logLevel != "" {
		cfg.Global.LogLevel = strings.ToUpper(c.logLevel)
	}
	if c.insecure {
		cfg.Connection.InsecureIgnoreHostKey = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if err := logging.Init(logging.Config{
		Level:      cfg.Global.LogLevel,
		Format:     cfg.Global.LogFormat,
		OutputPath: cfg.Global.LogFile,
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	return cfg, nil
}

// connectionParams turns a parsed mount URL into dial parameters. The host
// alias is used as the host name; alias files are not read.
func (c *commonFlags) connectionParams(req *config.MountRequest) (session.Params, error) {
	params := session.Params{
		Host:          req.HostAlias,
		Port:          req.Port,
		User:          req.User,
		IdentityFiles: c.identityFiles(),
		Password:      req.Options.AuthPassword,
	}
	if params.User == "" {
		params.User = localUser()
	}

	if c.jump != "" {
		jump, err := parseJump(c.jump)
		if err != nil {
			return session.Params{}, err
		}
		if jump.User == "" {
			jump.User = params.User
		}
		jump.IdentityFiles = params.IdentityFiles
		params.Jump = &jump
	}

	if c.passwordPrompt && params.Password == "" {
		password, err := promptPassword(fmt.Sprintf("%s@%s's password: ", params.User, params.Host))
		if err != nil {
			return session.Params{}, err
		}
		params.Password = password
		if params.Jump != nil {
			params.Jump.Password = password
		}
	}
	return params, nil
}

func (c *commonFlags) identityFiles() []string {
	if len(c.identities) > 0 {
		return c.identities
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	var files []string
	for _, id := range defaultIdentities {
		p := filepath.Join(home, strings.TrimPrefix(id, "~/"))
		if _, err := os.Stat(p); err == nil {
			files = append(files, p)
		}
	}
	return files
}

// parseJump parses [user@]host[:port].
func parseJump(s string) (session.Params, error) {
	var p session.Params
	if at := strings.LastIndex(s, "@"); at >= 0 {
		p.User = s[:at]
		s = s[at+1:]
	}
	if colon := strings.LastIndex(s, ":"); colon >= 0 && !strings.Contains(s[colon:], "]") {
		port, err := strconv.Atoi(s[colon+1:])
		if err != nil || port < 1 || port > 65535 {
			return session.Params{}, fmt.Errorf("invalid jump host port %q", s[colon+1:])
		}
		p.Port = port
		s = s[:colon]
	}
	p.Host = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	if p.Host == "" {
		return session.Params{}, fmt.Errorf("jump host has no host name")
	}
	return p, nil
}

func localUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return os.Getenv("USER")
}

func promptPassword(prompt string) (string, error) {
	fd := int(syscall.Stdin)
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("cannot prompt for a password: stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("error reading password: %w", err)
	}
	return string(b), nil
}

// Package config loads the tool configuration.
//
// Settings come from up to three layers, later layers winning:
//
//  1. <home>/config.toml
//  2. <project>/.gitdeps/config.toml
//  3. GITDEPS_* environment variables
//
// The home directory itself comes from GITDEPS_HOME and defaults to
// ~/.gitdeps. It is also the cache root.
//
//	[net]
//	git-fetch-with-cli = true
//	offline = false
//	jobs = 4
//
//	[auth]
//	ssh-key = "~/.ssh/id_ed25519"
//	ssh-user = "git"
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	platformerrors "github.com/jmgilman/go/errors"
	"github.com/pelletier/go-toml/v2"

	"github.com/jmgilman/go/gitsource/git"
	"github.com/jmgilman/go/gitsource/git/cache"
)

const (
	// FileName is the name of a configuration file.
	FileName = "config.toml"
	// ProjectDir is the directory holding a project's configuration.
	ProjectDir = ".gitdeps"

	EnvHome            = "GITDEPS_HOME"
	EnvGitFetchWithCLI = "GITDEPS_NET_GIT_FETCH_WITH_CLI"
	EnvOffline         = "GITDEPS_NET_OFFLINE"
	EnvJobs            = "GITDEPS_NET_JOBS"
)

// Config is the merged configuration.
type Config struct {
	// Home is the tool's home directory and cache root.
	Home string
	Net  Net
	Auth Auth
}

// Net controls network access.
type Net struct {
	// GitFetchWithCLI fetches with the git executable instead of the
	// embedded implementation.
	GitFetchWithCLI bool
	// Offline fails any fetch instead of touching the network.
	Offline bool
	// Jobs is how many sources are updated in parallel.
	Jobs int
}

// Auth selects credentials for the embedded fetch.
type Auth struct {
	SSHKey   string
	SSHUser  string
	SSHAgent bool
	// Username and PasswordEnv enable HTTP basic auth. The password is read
	// from the environment variable named by PasswordEnv.
	Username    string
	PasswordEnv string
}

// file is the on-disk form. Pointers tell an unset key from a zero value.
type file struct {
	Net  netFile  `toml:"net"`
	Auth authFile `toml:"auth"`
}

type netFile struct {
	GitFetchWithCLI *bool `toml:"git-fetch-with-cli"`
	Offline         *bool `toml:"offline"`
	Jobs            *int  `toml:"jobs"`
}

type authFile struct {
	SSHKey      *string `toml:"ssh-key"`
	SSHUser     *string `toml:"ssh-user"`
	SSHAgent    *bool   `toml:"ssh-agent"`
	Username    *string `toml:"username"`
	PasswordEnv *string `toml:"password-env"`
}

type loader struct {
	fs     billy.Filesystem
	lookup func(string) (string, bool)
	home   string
}

// Option configures Load.
type Option func(*loader)

// WithFilesystem reads configuration files from fs. Defaults to the OS
// filesystem.
func WithFilesystem(fs billy.Filesystem) Option {
	return func(l *loader) {
		l.fs = fs
	}
}

// WithEnv replaces the environment lookup. Defaults to os.LookupEnv.
func WithEnv(lookup func(string) (string, bool)) Option {
	return func(l *loader) {
		l.lookup = lookup
	}
}

// WithHome sets the home directory, overriding GITDEPS_HOME.
func WithHome(home string) Option {
	return func(l *loader) {
		l.home = home
	}
}

// Load returns the configuration for the project in projectDir. Missing
// files are skipped; malformed files and values are errors.
func Load(projectDir string, opts ...Option) (*Config, error) {
	l := &loader{
		fs:     osfs.New("/"),
		lookup: os.LookupEnv,
	}
	for _, opt := range opts {
		opt(l)
	}

	home, err := l.resolveHome()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Home: home,
		Net:  Net{Jobs: runtime.NumCPU()},
		Auth: Auth{SSHUser: "git"},
	}

	paths := []string{filepath.Join(home, FileName)}
	if projectDir != "" {
		dir, err := filepath.Abs(projectDir)
		if err != nil {
			return nil, platformerrors.Wrapf(err, platformerrors.CodeInvalidConfig, "invalid project directory `%s`", projectDir)
		}
		paths = append(paths, filepath.Join(dir, ProjectDir, FileName))
	}

	for _, path := range paths {
		f, err := l.read(path)
		if err != nil {
			return nil, err
		}
		if f != nil {
			if err := cfg.merge(f, path); err != nil {
				return nil, err
			}
		}
	}

	if err := l.applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *loader) resolveHome() (string, error) {
	home := l.home
	if home == "" {
		home, _ = l.lookup(EnvHome)
	}
	if home == "" {
		user, err := os.UserHomeDir()
		if err != nil {
			return "", platformerrors.Wrapf(err, platformerrors.CodeInvalidConfig,
				"could not determine home directory; set %s", EnvHome)
		}
		home = filepath.Join(user, ProjectDir)
	}

	abs, err := filepath.Abs(expandHome(home))
	if err != nil {
		return "", platformerrors.Wrapf(err, platformerrors.CodeInvalidConfig, "invalid home directory `%s`", home)
	}
	return abs, nil
}

func (l *loader) read(path string) (*file, error) {
	data, err := util.ReadFile(l.fs, path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, platformerrors.Wrapf(err, platformerrors.CodeInvalidConfig, "failed to read `%s`", path)
	}

	var f file
	if err := toml.Unmarshal(data, &f); err != nil {
		return nil, platformerrors.Wrapf(err, platformerrors.CodeInvalidConfig, "could not parse configuration at `%s`", path)
	}
	return &f, nil
}

func (c *Config) merge(f *file, path string) error {
	if f.Net.GitFetchWithCLI != nil {
		c.Net.GitFetchWithCLI = *f.Net.GitFetchWithCLI
	}
	if f.Net.Offline != nil {
		c.Net.Offline = *f.Net.Offline
	}
	if f.Net.Jobs != nil {
		if *f.Net.Jobs < 1 {
			return platformerrors.Newf(platformerrors.CodeInvalidConfig,
				"invalid value for `net.jobs` in `%s`: must be at least 1", path)
		}
		c.Net.Jobs = *f.Net.Jobs
	}

	if f.Auth.SSHKey != nil {
		c.Auth.SSHKey = *f.Auth.SSHKey
	}
	if f.Auth.SSHUser != nil {
		c.Auth.SSHUser = *f.Auth.SSHUser
	}
	if f.Auth.SSHAgent != nil {
		c.Auth.SSHAgent = *f.Auth.SSHAgent
	}
	if f.Auth.Username != nil {
		c.Auth.Username = *f.Auth.Username
	}
	if f.Auth.PasswordEnv != nil {
		c.Auth.PasswordEnv = *f.Auth.PasswordEnv
	}
	return nil
}

func (l *loader) applyEnv(c *Config) error {
	if v, ok := l.lookup(EnvGitFetchWithCLI); ok {
		b, err := parseBool(EnvGitFetchWithCLI, v)
		if err != nil {
			return err
		}
		c.Net.GitFetchWithCLI = b
	}
	if v, ok := l.lookup(EnvOffline); ok {
		b, err := parseBool(EnvOffline, v)
		if err != nil {
			return err
		}
		c.Net.Offline = b
	}
	if v, ok := l.lookup(EnvJobs); ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n < 1 {
			return platformerrors.Newf(platformerrors.CodeInvalidConfig,
				"invalid value `%s` for %s: expected a positive integer", v, EnvJobs)
		}
		c.Net.Jobs = n
	}
	return nil
}

func parseBool(name, value string) (bool, error) {
	b, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return false, platformerrors.Newf(platformerrors.CodeInvalidConfig,
			"invalid value `%s` for %s: expected true or false", value, name)
	}
	return b, nil
}

// GitAuth returns the credentials selected by the [auth] table, or nil when
// none is configured. An SSH key file takes precedence over the agent, and
// SSH over basic auth.
func (c *Config) GitAuth(lookup func(string) (string, bool)) (git.Auth, error) {
	switch {
	case c.Auth.SSHKey != "":
		return git.SSHKeyFile(c.Auth.SSHUser, expandHome(c.Auth.SSHKey), "")
	case c.Auth.SSHAgent:
		return git.SSHAgent(c.Auth.SSHUser)
	case c.Auth.Username != "":
		if lookup == nil {
			lookup = os.LookupEnv
		}
		password, ok := lookup(c.Auth.PasswordEnv)
		if c.Auth.PasswordEnv == "" || !ok {
			return nil, platformerrors.Newf(platformerrors.CodeInvalidConfig,
				"`auth.username` is set but the password variable `%s` is not", c.Auth.PasswordEnv)
		}
		return git.BasicAuth(c.Auth.Username, password), nil
	default:
		return nil, nil
	}
}

// RemoteOperations returns the fetch implementation selected by
// net.git-fetch-with-cli. observer, if set, receives every git command the
// CLI implementation runs.
func (c *Config) RemoteOperations(observer func(cmdline string)) git.RemoteOperations {
	if !c.Net.GitFetchWithCLI {
		return git.NewRemoteOperations()
	}
	var opts []git.CLIOption
	if observer != nil {
		opts = append(opts, git.WithCommandObserver(observer))
	}
	return git.NewCLIRemoteOperations(opts...)
}

// CacheOptions returns the cache options implied by the configuration.
func (c *Config) CacheOptions(observer func(cmdline string)) ([]cache.Option, error) {
	opts := []cache.Option{
		cache.WithRemoteOperations(c.RemoteOperations(observer)),
		cache.WithOffline(c.Net.Offline),
	}

	auth, err := c.GitAuth(nil)
	if err != nil {
		return nil, err
	}
	if auth != nil {
		opts = append(opts, cache.WithAuth(auth))
	}
	return opts, nil
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	user, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(user, strings.TrimPrefix(path, "~"))
}

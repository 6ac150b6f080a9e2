// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Limits shared with the master protocol. They are repeated here so
// that a bad file is rejected before anything connects.
const (
	maxGroupNameLength = 255
	maxSocketPath      = 107
	minEnvironmentLine = 64
)

// Config is the login process configuration.
type Config struct {
	// Login configures the connection to the master.
	Login LoginConfig `yaml:"login"`

	// Service holds the static settings of the service this process
	// runs as. They are read, never modified.
	Service ServiceSettings `yaml:"service"`
}

// LoginConfig configures the master channel.
type LoginConfig struct {
	// Group is the login group name sent to the master during the
	// handshake. Required; 1 to 255 bytes.
	Group string `yaml:"group"`

	// MasterSocket is the master's well-known Unix socket.
	// Default: /run/bureau/login/master.sock
	MasterSocket string `yaml:"master_socket"`

	// MasterExecutable is started when MasterSocket does not exist
	// or refuses connections. Empty means never start a master.
	MasterExecutable string `yaml:"master_executable"`

	// MasterArgs are passed to MasterExecutable.
	MasterArgs []string `yaml:"master_args"`

	// ConnectAttempts bounds the connect/create cycle at startup.
	// Default: 5
	ConnectAttempts int `yaml:"connect_attempts"`

	// MaxEnvironmentLine bounds one KEY=VALUE line in the handshake.
	// Default: 8192
	MaxEnvironmentLine int `yaml:"max_environment_line"`

	// LoginTimeout is how long a client may wait for the master's
	// verdict before it is dropped.
	// Default: 60s
	LoginTimeout string `yaml:"login_timeout"`

	// StatusSocket, if set, is a Unix socket answering CBOR status
	// queries.
	StatusSocket string `yaml:"status_socket"`
}

// Timeout returns LoginTimeout as a duration. Call Validate first.
func (l LoginConfig) Timeout() time.Duration {
	duration, _ := time.ParseDuration(l.LoginTimeout)
	return duration
}

// ServiceType is the parsed form of ServiceSettings.Type.
type ServiceType int

const (
	ServiceTypeUnknown ServiceType = iota
	ServiceTypeLog
	ServiceTypeAnvil
	ServiceTypeConfig
	ServiceTypeLogin
)

var serviceTypeNames = map[ServiceType]string{
	ServiceTypeLog:    "log",
	ServiceTypeAnvil:  "anvil",
	ServiceTypeConfig: "config",
	ServiceTypeLogin:  "login",
}

func (t ServiceType) String() string {
	if name, ok := serviceTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// ParseServiceType parses a service type name. The empty string is a
// plain service with no special role and parses as
// ServiceTypeUnknown.
func ParseServiceType(name string) (ServiceType, error) {
	if name == "" {
		return ServiceTypeUnknown, nil
	}
	for serviceType, candidate := range serviceTypeNames {
		if candidate == name {
			return serviceType, nil
		}
	}
	return ServiceTypeUnknown, fmt.Errorf("unknown service type %q", name)
}

// ServiceSettings are the static settings of one service.
type ServiceSettings struct {
	Name     string `yaml:"name"`
	Protocol string `yaml:"protocol"`

	// Type is one of log, anvil, config, login, or empty.
	Type string `yaml:"type"`

	Executable      string `yaml:"executable"`
	User            string `yaml:"user"`
	Group           string `yaml:"group"`
	PrivilegedGroup string `yaml:"privileged_group"`
	ExtraGroups     string `yaml:"extra_groups"`
	Chroot          string `yaml:"chroot"`

	DropPrivBeforeExec bool `yaml:"drop_priv_before_exec"`

	ProcessMinAvail uint `yaml:"process_min_avail"`
	ProcessLimit    uint `yaml:"process_limit"`

	// ClientLimit is the number of clients one process serves at
	// once. Zero means no limit.
	ClientLimit uint `yaml:"client_limit"`

	// ServiceCount is the number of clients one process hands to the
	// master before it stops accepting. Zero means no limit.
	ServiceCount uint `yaml:"service_count"`

	// VSZLimit is the virtual memory limit in bytes. Zero means no
	// limit.
	VSZLimit uint64 `yaml:"vsz_limit"`

	UnixListeners []FileListener `yaml:"unix_listeners"`
	FifoListeners []FileListener `yaml:"fifo_listeners"`
	InetListeners []InetListener `yaml:"inet_listeners"`
}

// ParsedType returns Type parsed. Call Validate first.
func (s ServiceSettings) ParsedType() ServiceType {
	parsed, _ := ParseServiceType(s.Type)
	return parsed
}

// FileListener is a listener on a filesystem path.
type FileListener struct {
	Path  string   `yaml:"path"`
	Mode  FileMode `yaml:"mode"`
	User  string   `yaml:"user"`
	Group string   `yaml:"group"`
}

// FileMode is a permission mode written in octal ("0600").
type FileMode uint32

// UnmarshalYAML parses the node's text as octal, whether it was
// written quoted or bare.
func (m *FileMode) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: mode must be an octal number", node.Line)
	}
	value, err := strconv.ParseUint(strings.TrimPrefix(node.Value, "0o"), 8, 32)
	if err != nil {
		return fmt.Errorf("line %d: mode %q is not an octal number", node.Line, node.Value)
	}
	if value > 0o7777 {
		return fmt.Errorf("line %d: mode %q has bits outside 07777", node.Line, node.Value)
	}
	*m = FileMode(value)
	return nil
}

// Perm returns the mode as an os.FileMode permission.
func (m FileMode) Perm() os.FileMode { return os.FileMode(m) & os.ModePerm }

// InetListener is a TCP listener.
type InetListener struct {
	// Address is an IP address, or "*" or empty for every IPv4
	// and IPv6 address.
	Address string `yaml:"address"`
	Port    uint16 `yaml:"port"`
	SSL     bool   `yaml:"ssl"`
}

// ListenAddress returns the address in host:port form for net.Listen.
func (l InetListener) ListenAddress() string {
	host := l.Address
	if host == "*" {
		host = ""
	}
	return net.JoinHostPort(host, strconv.Itoa(int(l.Port)))
}

// Default returns the default configuration, the base that a file is
// decoded onto.
func Default() *Config {
	return &Config{
		Login: LoginConfig{
			MasterSocket:       "/run/bureau/login/master.sock",
			ConnectAttempts:    5,
			MaxEnvironmentLine: 8192,
			LoginTimeout:       "60s",
		},
		Service: ServiceSettings{
			Type:         "login",
			ProcessLimit: 1,
		},
	}
}

// Load loads configuration from the BUREAU_LOGIN_CONFIG environment
// variable. There is no fallback when it is unset.
func Load() (*Config, error) {
	configPath := os.Getenv("BUREAU_LOGIN_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("BUREAU_LOGIN_CONFIG environment variable not set; " +
			"set it to the path of the login configuration file, or use --config")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from path, decoded onto Default.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch filepath.Ext(path) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"BUREAU_LOGIN_GROUP": c.Login.Group,
		"HOME":               os.Getenv("HOME"),
	}

	c.Login.MasterSocket = expandVars(c.Login.MasterSocket, vars)
	c.Login.MasterExecutable = expandVars(c.Login.MasterExecutable, vars)
	c.Login.StatusSocket = expandVars(c.Login.StatusSocket, vars)
	c.Service.Executable = expandVars(c.Service.Executable, vars)
	c.Service.Chroot = expandVars(c.Service.Chroot, vars)
	for index := range c.Service.UnixListeners {
		c.Service.UnixListeners[index].Path = expandVars(c.Service.UnixListeners[index].Path, vars)
	}
	for index := range c.Service.FifoListeners {
		c.Service.FifoListeners[index].Path = expandVars(c.Service.FifoListeners[index].Path, vars)
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error

	switch {
	case c.Login.Group == "":
		errs = append(errs, errors.New("login.group is required"))
	case len(c.Login.Group) > maxGroupNameLength:
		errs = append(errs, fmt.Errorf("login.group is %d bytes, maximum is %d", len(c.Login.Group), maxGroupNameLength))
	}

	errs = append(errs, validateSocketPath("login.master_socket", c.Login.MasterSocket, true)...)
	errs = append(errs, validateSocketPath("login.status_socket", c.Login.StatusSocket, false)...)

	if c.Login.ConnectAttempts < 1 {
		errs = append(errs, fmt.Errorf("login.connect_attempts must be at least 1, got %d", c.Login.ConnectAttempts))
	}
	if c.Login.MaxEnvironmentLine < minEnvironmentLine {
		errs = append(errs, fmt.Errorf("login.max_environment_line must be at least %d, got %d", minEnvironmentLine, c.Login.MaxEnvironmentLine))
	}
	if timeout, err := time.ParseDuration(c.Login.LoginTimeout); err != nil {
		errs = append(errs, fmt.Errorf("login.login_timeout: %w", err))
	} else if timeout <= 0 {
		errs = append(errs, fmt.Errorf("login.login_timeout must be positive, got %s", c.Login.LoginTimeout))
	}

	serviceType, err := ParseServiceType(c.Service.Type)
	if err != nil {
		errs = append(errs, fmt.Errorf("service.type: %w", err))
	} else if serviceType != ServiceTypeLogin {
		errs = append(errs, fmt.Errorf("service.type is %q, a login process needs %q", c.Service.Type, "login"))
	}

	if c.Service.ProcessLimit != 0 && c.Service.ProcessMinAvail > c.Service.ProcessLimit {
		errs = append(errs, fmt.Errorf("service.process_min_avail (%d) exceeds service.process_limit (%d)",
			c.Service.ProcessMinAvail, c.Service.ProcessLimit))
	}

	for index, listener := range c.Service.UnixListeners {
		errs = append(errs, validateSocketPath(fmt.Sprintf("service.unix_listeners[%d].path", index), listener.Path, true)...)
	}
	for index, listener := range c.Service.FifoListeners {
		if listener.Path == "" {
			errs = append(errs, fmt.Errorf("service.fifo_listeners[%d].path is required", index))
		}
	}
	for index, listener := range c.Service.InetListeners {
		if listener.Address == "" || listener.Address == "*" {
			continue
		}
		if _, err := netip.ParseAddr(listener.Address); err != nil {
			errs = append(errs, fmt.Errorf("service.inet_listeners[%d].address: %w", index, err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func validateSocketPath(field, path string, required bool) []error {
	if path == "" {
		if required {
			return []error{fmt.Errorf("%s is required", field)}
		}
		return nil
	}
	if len(path) > maxSocketPath {
		return []error{fmt.Errorf("%s is %d bytes, Unix socket paths are limited to %d", field, len(path), maxSocketPath)}
	}
	return nil
}

package ssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod selects how the client authenticates.
type AuthMethod string

const (
	AuthMethodPassword AuthMethod = "password"
	AuthMethodKey      AuthMethod = "key"

	// AuthMethodAgent uses the agent listening on SSH_AUTH_SOCK.
	AuthMethodAgent AuthMethod = "agent"
)

// defaultKeys are tried in order under ~/.ssh when key authentication has
// no explicit key.
var defaultKeys = []string{"id_ed25519", "id_rsa", "id_ecdsa"}

// Config describes the connection to the host that runs jobs.
type Config struct {
	Host       string     `yaml:"host" validate:"required"`
	Port       int        `yaml:"port" validate:"min=1,max=65535"`
	User       string     `yaml:"user" validate:"required"`
	AuthMethod AuthMethod `yaml:"auth" validate:"oneof=password key agent"`

	Password             string `yaml:"password,omitempty" validate:"required_if=AuthMethod password"`
	PrivateKeyPath       string `yaml:"private_key,omitempty"`
	PrivateKeyPassphrase string `yaml:"private_key_passphrase,omitempty"`

	// StrictHostKeyChecking rejects hosts missing from KnownHostsPath.
	// When false any host key is accepted.
	KnownHostsPath        string `yaml:"known_hosts,omitempty"`
	StrictHostKeyChecking bool   `yaml:"strict_host_key_checking"`

	ConnectionTimeout time.Duration `yaml:"connection_timeout" validate:"gt=0"`

	// CommandTimeout bounds a remote command when the caller's context has
	// no deadline.
	CommandTimeout time.Duration `yaml:"command_timeout" validate:"gt=0"`

	// KeepAliveInterval of 0 disables keep-alives. The connection is
	// considered dead after MaxKeepAliveRetries missed replies.
	KeepAliveInterval   time.Duration `yaml:"keepalive_interval" validate:"gte=0"`
	MaxKeepAliveRetries int           `yaml:"max_keepalive_retries" validate:"gte=0"`
}

var configValidator = validator.New()

var validationMessages = map[string]string{
	"Config.Host":              "host is required",
	"Config.Port":              "invalid port: %v",
	"Config.User":              "user is required",
	"Config.AuthMethod":        "unsupported auth method: %v",
	"Config.Password":          "password is required for password authentication",
	"Config.ConnectionTimeout": "connection timeout must be positive",
	"Config.CommandTimeout":    "command timeout must be positive",
}

// DefaultConfig returns key authentication against host with strict host
// key checking.
func DefaultConfig(host string, user string) *Config {
	return &Config{
		Host:                  host,
		Port:                  22,
		User:                  user,
		AuthMethod:            AuthMethodKey,
		KnownHostsPath:        filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectionTimeout:     30 * time.Second,
		CommandTimeout:        12 * time.Hour,
		MaxKeepAliveRetries:   3,
	}
}

// Validate checks c and, for key authentication without a key, fills in
// the first default key found under ~/.ssh.
func (c *Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		fe := verrs[0]
		if msg, ok := validationMessages[fe.Namespace()]; ok {
			return fmt.Errorf(msg, fe.Value())
		}
		return fmt.Errorf("invalid %s: %v", fe.Field(), fe.Value())
	}

	switch c.AuthMethod {
	case AuthMethodKey:
		if c.PrivateKeyPath == "" {
			c.PrivateKeyPath = findDefaultKey(os.Getenv("HOME"))
			if c.PrivateKeyPath == "" {
				return fmt.Errorf("private key path is required for key authentication and no default key found")
			}
		}
		if _, err := os.Stat(c.PrivateKeyPath); err != nil {
			return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
		}
	case AuthMethodAgent:
		if os.Getenv("SSH_AUTH_SOCK") == "" {
			return fmt.Errorf("SSH_AUTH_SOCK is not set for agent authentication")
		}
	}
	return nil
}

func findDefaultKey(home string) string {
	for _, name := range defaultKeys {
		path := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// BuildSSHClientConfig creates the x/crypto client configuration.
func (c *Config) BuildSSHClientConfig() (*ssh.ClientConfig, error) {
	auth, err := c.authMethods()
	if err != nil {
		return nil, err
	}
	hostKey, err := c.hostKeyCallback()
	if err != nil {
		return nil, err
	}
	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

func (c *Config) authMethods() ([]ssh.AuthMethod, error) {
	switch c.AuthMethod {
	case AuthMethodPassword:
		// Many servers only offer keyboard-interactive for passwords.
		answer := func(_, _ string, questions []string, _ []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = c.Password
			}
			return answers, nil
		}
		return []ssh.AuthMethod{ssh.Password(c.Password), ssh.KeyboardInteractive(answer)}, nil

	case AuthMethodKey:
		pem, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		var signer ssh.Signer
		if c.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(c.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(pem)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key %s: %w", c.PrivateKeyPath, err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil

	case AuthMethodAgent:
		conn, err := net.Dial("unix", os.Getenv("SSH_AUTH_SOCK"))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to SSH agent: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeysCallback(agent.NewClient(conn).Signers)}, nil
	}
	return nil, fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
}

func (c *Config) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if !c.StrictHostKeyChecking || c.KnownHostsPath == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(c.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load known_hosts: %w", err)
	}
	return cb, nil
}

// Address returns host:port.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

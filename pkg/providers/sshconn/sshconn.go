// Package sshconn holds the SSH connection plumbing shared by the
// provisioners that operate on remote hosts: the transport interface
// they program against, the connection properties they parse out of a
// resource, and the translation of transport failures into deploy
// errors.
package sshconn

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/surgecd/surge/pkg/engine"
	"github.com/surgecd/surge/pkg/transports/ssh"
)

// Conn is the transport surface a provisioner needs from an SSH
// connection. *ssh.Client satisfies it; tests substitute a fake.
type Conn interface {
	Connect(ctx context.Context) error
	Close() error
	Run(ctx context.Context, cmd string) (stdout, stderr string, err error)
	RunSudo(ctx context.Context, cmd string) (stdout, stderr string, err error)
	UploadBytes(ctx context.Context, content []byte, remotePath string, mode os.FileMode) error
	Remove(ctx context.Context, remotePath string) error
	Checksum(ctx context.Context, remotePath string) (string, error)
}

// DialFunc opens a connection for a host config.
type DialFunc func(config *ssh.Config, logger zerolog.Logger) (Conn, error)

// DefaultDial opens a real SSH client.
func DefaultDial(config *ssh.Config, logger zerolog.Logger) (Conn, error) {
	return ssh.NewClient(config, logger)
}

// Spec is the connection portion of a remote resource's properties.
// Provisioners embed it in their own spec and add their domain fields.
type Spec struct {
	Host           string
	Port           int
	User           string
	AuthMethod     string
	Password       string
	PrivateKeyPath string
	KnownHosts     string
	StrictHostKeys bool
	Sudo           bool
	ConnectTimeout time.Duration
}

// SSHConfig converts the spec into a transport config.
func (s *Spec) SSHConfig() *ssh.Config {
	cfg := ssh.DefaultConfig(s.Host, s.User)
	cfg.Port = s.Port
	cfg.Password = s.Password
	if s.AuthMethod != "" {
		cfg.AuthMethod = ssh.AuthMethod(s.AuthMethod)
	} else if s.Password != "" {
		cfg.AuthMethod = ssh.AuthMethodPassword
	}
	if s.PrivateKeyPath != "" {
		cfg.PrivateKeyPath = s.PrivateKeyPath
	}
	if s.KnownHosts != "" {
		cfg.KnownHostsPath = s.KnownHosts
	}
	cfg.StrictHostKeyChecking = s.StrictHostKeys
	if s.ConnectTimeout > 0 {
		cfg.ConnectTimeout = s.ConnectTimeout
	}
	return cfg
}

// Address returns the user@host:port identity of the spec.
func (s *Spec) Address() string {
	return fmt.Sprintf("%s@%s:%d", s.User, s.Host, s.Port)
}

// ParseSpec extracts the connection fields from resource properties.
// Host and user are required; everything else has a default.
func ParseSpec(props map[string]interface{}) (*Spec, error) {
	spec := &Spec{
		Port:           22,
		StrictHostKeys: true,
	}

	var ok bool
	if spec.Host, ok = props["host"].(string); !ok || spec.Host == "" {
		return nil, fmt.Errorf("property %q is required", "host")
	}
	if spec.User, ok = props["user"].(string); !ok || spec.User == "" {
		return nil, fmt.Errorf("property %q is required", "user")
	}

	if v, ok := props["port"]; ok {
		port, err := ToInt(v)
		if err != nil {
			return nil, fmt.Errorf("invalid port: %w", err)
		}
		spec.Port = port
	}

	spec.AuthMethod, _ = props["auth_method"].(string)
	spec.Password, _ = props["password"].(string)
	spec.PrivateKeyPath, _ = props["private_key_path"].(string)
	spec.KnownHosts, _ = props["known_hosts"].(string)
	if v, ok := props["strict_host_keys"].(bool); ok {
		spec.StrictHostKeys = v
	}
	spec.Sudo, _ = props["sudo"].(bool)

	if v, ok := props["connect_timeout"].(string); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid connect_timeout: %w", err)
		}
		spec.ConnectTimeout = d
	}

	return spec, nil
}

// Classify converts transport failures into DeployErrors. Temporary
// transport errors retry; auth and exit-status failures do not.
func Classify(err error, resourceID, op string) *engine.DeployError {
	var terr *ssh.TransportError
	if errors.As(err, &terr) {
		if terr.IsAuthError {
			return engine.NewPermanentError("ssh authentication failed", err).
				WithResource(resourceID).
				WithOp(op).
				WithCode(engine.ErrCodeProvisionFailed)
		}
		if terr.Temporary() {
			return engine.NewTransientError("ssh transport failure", err).
				WithResource(resourceID).
				WithOp(op).
				WithCode(engine.ErrCodeProvisionFailed)
		}
	}
	return engine.NewPermanentError("remote operation failed", err).
		WithResource(resourceID).
		WithOp(op).
		WithCode(engine.ErrCodeProvisionFailed)
}

// ToInt coerces the numeric types YAML decoding can produce.
func ToInt(v interface{}) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}

// ToStringSlice coerces a decoded YAML list into strings.
func ToStringSlice(v interface{}) ([]string, error) {
	if v == nil {
		return nil, nil
	}
	items, ok := v.([]interface{})
	if !ok {
		if ss, ok := v.([]string); ok {
			return ss, nil
		}
		return nil, fmt.Errorf("expected list of strings, got %T", v)
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %T", item)
		}
		out = append(out, s)
	}
	return out, nil
}

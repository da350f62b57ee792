// Package server provides the SSH-backed provisioner for "server"
// resources: remote hosts configured by uploading files and running
// setup commands over SSH/SFTP.
package server

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/surgecd/surge/pkg/engine"
	"github.com/surgecd/surge/pkg/providers/sshconn"
	"github.com/surgecd/surge/pkg/state"
)

// Conn and DialFunc are the shared SSH provisioner plumbing.
type (
	Conn     = sshconn.Conn
	DialFunc = sshconn.DialFunc
)

// Provisioner configures remote hosts over SSH. One resource is one
// host: provisioning uploads the declared files and runs the setup
// commands, destroying removes the files and runs the teardown
// commands.
type Provisioner struct {
	logger zerolog.Logger
	dial   DialFunc
}

// NewProvisioner creates the server provisioner.
func NewProvisioner(logger zerolog.Logger) *Provisioner {
	return &Provisioner{
		logger: logger.With().Str("component", "server-provisioner").Logger(),
		dial:   sshconn.DefaultDial,
	}
}

// NewProvisionerWithDial creates a provisioner with a custom dialer.
func NewProvisionerWithDial(logger zerolog.Logger, dial DialFunc) *Provisioner {
	p := NewProvisioner(logger)
	p.dial = dial
	return p
}

// Type returns the resource type this provisioner handles.
func (p *Provisioner) Type() string {
	return "server"
}

// Provision connects to the host, uploads the declared files and runs
// the setup commands. The returned properties include the SHA256
// checksum of each uploaded file, so a later plan can detect drifted
// content.
func (p *Provisioner) Provision(ctx context.Context, change *engine.ResourceChange) (*engine.ProvisionOutput, error) {
	res := change.Resource

	spec, err := parseSpec(res.Properties)
	if err != nil {
		return nil, engine.NewPermanentError("invalid server properties", err).
			WithResource(res.ID).
			WithCode(engine.ErrCodeValidation)
	}

	conn, err := p.connect(ctx, res.ID, spec)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	checksums := make(map[string]interface{}, len(spec.Files))
	for _, remotePath := range sortedKeys(spec.Files) {
		content := spec.Files[remotePath]
		if err := conn.UploadBytes(ctx, []byte(content), remotePath, 0o644); err != nil {
			return nil, sshconn.Classify(err, res.ID, "upload")
		}
		sum, err := conn.Checksum(ctx, remotePath)
		if err != nil {
			return nil, sshconn.Classify(err, res.ID, "checksum")
		}
		checksums[remotePath] = sum
	}

	for _, cmd := range spec.Setup {
		if err := p.runCommand(ctx, conn, spec, cmd); err != nil {
			return nil, sshconn.Classify(err, res.ID, "setup")
		}
	}

	p.logger.Info().
		Str("resource", res.ID).
		Str("host", spec.Host).
		Int("files", len(spec.Files)).
		Int("commands", len(spec.Setup)).
		Msg("server provisioned")

	props := map[string]interface{}{
		"host": spec.Host,
		"port": spec.Port,
		"user": spec.User,
	}
	if len(checksums) > 0 {
		props["checksums"] = checksums
	}

	return &engine.ProvisionOutput{
		PhysicalID: spec.Address(),
		Properties: props,
	}, nil
}

// Destroy removes the declared files and runs the teardown commands.
// An unreachable host fails the destroy; the rollback layer surfaces
// that instead of silently forgetting the resource.
func (p *Provisioner) Destroy(ctx context.Context, resource *state.Resource) error {
	spec, err := parseSpec(resource.Properties)
	if err != nil {
		return engine.NewPermanentError("invalid server properties", err).
			WithResource(resource.ID).
			WithCode(engine.ErrCodeValidation)
	}

	conn, err := p.connect(ctx, resource.ID, spec)
	if err != nil {
		return err
	}
	defer conn.Close()

	for _, cmd := range spec.Teardown {
		if err := p.runCommand(ctx, conn, spec, cmd); err != nil {
			return sshconn.Classify(err, resource.ID, "teardown")
		}
	}

	for _, remotePath := range sortedKeys(spec.Files) {
		if err := conn.Remove(ctx, remotePath); err != nil {
			return sshconn.Classify(err, resource.ID, "remove")
		}
	}

	p.logger.Info().
		Str("resource", resource.ID).
		Str("host", spec.Host).
		Msg("server destroyed")
	return nil
}

func (p *Provisioner) connect(ctx context.Context, resourceID string, spec *hostSpec) (Conn, error) {
	conn, err := p.dial(spec.SSHConfig(), p.logger)
	if err != nil {
		return nil, engine.NewPermanentError("invalid host configuration", err).
			WithResource(resourceID).
			WithCode(engine.ErrCodeValidation)
	}
	if err := conn.Connect(ctx); err != nil {
		_ = conn.Close()
		return nil, sshconn.Classify(err, resourceID, "connect")
	}
	return conn, nil
}

func (p *Provisioner) runCommand(ctx context.Context, conn Conn, spec *hostSpec, cmd string) error {
	var stderr string
	var err error
	if spec.Sudo {
		_, stderr, err = conn.RunSudo(ctx, cmd)
	} else {
		_, stderr, err = conn.Run(ctx, cmd)
	}
	if err != nil {
		return fmt.Errorf("command %q failed: %w (stderr: %s)", cmd, err, stderr)
	}
	return nil
}

// hostSpec is the parsed shape of a server resource's properties.
type hostSpec struct {
	sshconn.Spec

	Setup    []string
	Teardown []string
	Files    map[string]string
}

func parseSpec(props map[string]interface{}) (*hostSpec, error) {
	conn, err := sshconn.ParseSpec(props)
	if err != nil {
		return nil, err
	}
	spec := &hostSpec{
		Spec:  *conn,
		Files: make(map[string]string),
	}

	if spec.Setup, err = sshconn.ToStringSlice(props["setup"]); err != nil {
		return nil, fmt.Errorf("invalid setup commands: %w", err)
	}
	if spec.Teardown, err = sshconn.ToStringSlice(props["teardown"]); err != nil {
		return nil, fmt.Errorf("invalid teardown commands: %w", err)
	}

	if v, ok := props["files"]; ok {
		files, ok := v.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("files must be a map of path to content")
		}
		for path, content := range files {
			s, ok := content.(string)
			if !ok {
				return nil, fmt.Errorf("file %s content must be a string", path)
			}
			spec.Files[path] = s
		}
	}

	return spec, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

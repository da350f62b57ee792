// Package linuxpkg provides the provisioner for "linux.pkg" resources:
// OS packages on a remote host, managed over SSH through whichever of
// apt, dnf, yum or zypper the host carries.
package linuxpkg

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/surgecd/surge/pkg/engine"
	"github.com/surgecd/surge/pkg/providers/sshconn"
	"github.com/surgecd/surge/pkg/state"
)

const (
	StatePresent = "present"
	StateAbsent  = "absent"
	StateLatest  = "latest"
)

// managerCommands is the command set for one package manager. Queries
// go through the manager's own database so the reported version is the
// installed one, not the candidate.
type managerCommands struct {
	bin     string
	refresh string
	install string
	upgrade string
	remove  string
	query   string
	pin     func(pkg, version string) string
}

var managers = map[string]managerCommands{
	"apt": {
		bin:     "apt-get",
		refresh: "apt-get update -q",
		install: "DEBIAN_FRONTEND=noninteractive apt-get install -y -q",
		upgrade: "DEBIAN_FRONTEND=noninteractive apt-get install -y -q --only-upgrade",
		remove:  "DEBIAN_FRONTEND=noninteractive apt-get remove -y -q",
		query:   "dpkg-query -W -f='${Version}'",
		pin:     func(pkg, version string) string { return pkg + "=" + version },
	},
	"dnf": {
		bin:     "dnf",
		refresh: "dnf makecache -q",
		install: "dnf install -y -q",
		upgrade: "dnf upgrade -y -q",
		remove:  "dnf remove -y -q",
		query:   "rpm -q --queryformat '%{VERSION}-%{RELEASE}'",
		pin:     func(pkg, version string) string { return pkg + "-" + version },
	},
	"yum": {
		bin:     "yum",
		refresh: "yum makecache -q",
		install: "yum install -y -q",
		upgrade: "yum upgrade -y -q",
		remove:  "yum remove -y -q",
		query:   "rpm -q --queryformat '%{VERSION}-%{RELEASE}'",
		pin:     func(pkg, version string) string { return pkg + "-" + version },
	},
	"zypper": {
		bin:     "zypper",
		refresh: "zypper --non-interactive refresh",
		install: "zypper --non-interactive install",
		upgrade: "zypper --non-interactive update",
		remove:  "zypper --non-interactive remove",
		query:   "rpm -q --queryformat '%{VERSION}-%{RELEASE}'",
		pin:     func(pkg, version string) string { return pkg + "=" + version },
	},
}

// detectOrder fixes the probe sequence so hosts carrying both dnf and
// yum resolve to dnf.
var detectOrder = []string{"apt", "dnf", "yum", "zypper"}

// Provisioner installs and removes OS packages over SSH.
type Provisioner struct {
	logger zerolog.Logger
	dial   sshconn.DialFunc
}

// NewProvisioner creates the linux.pkg provisioner.
func NewProvisioner(logger zerolog.Logger) *Provisioner {
	return &Provisioner{
		logger: logger.With().Str("component", "linuxpkg-provisioner").Logger(),
		dial:   sshconn.DefaultDial,
	}
}

// NewProvisionerWithDial creates a provisioner with a custom dialer.
func NewProvisionerWithDial(logger zerolog.Logger, dial sshconn.DialFunc) *Provisioner {
	p := NewProvisioner(logger)
	p.dial = dial
	return p
}

// Type returns the resource type this provisioner handles.
func (p *Provisioner) Type() string {
	return "linux.pkg"
}

// Provision brings the declared packages to the desired state. State
// "present" installs what is missing, "latest" also upgrades what is
// already there, "absent" removes what is installed. The returned
// properties record the installed version of each package so a later
// plan sees drift.
func (p *Provisioner) Provision(ctx context.Context, change *engine.ResourceChange) (*engine.ProvisionOutput, error) {
	res := change.Resource

	spec, err := parseSpec(res.Properties)
	if err != nil {
		return nil, engine.NewPermanentError("invalid linux.pkg properties", err).
			WithResource(res.ID).
			WithCode(engine.ErrCodeValidation)
	}

	conn, err := p.connect(ctx, res.ID, spec)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	mgr, name, err := p.resolveManager(ctx, conn, spec)
	if err != nil {
		return nil, sshconn.Classify(err, res.ID, "detect")
	}

	if spec.UpdateCache || spec.State == StateLatest {
		if _, _, err := p.run(ctx, conn, spec, mgr.refresh); err != nil {
			return nil, sshconn.Classify(err, res.ID, "refresh")
		}
	}

	switch spec.State {
	case StatePresent, StateLatest:
		cmd := mgr.install
		if spec.State == StateLatest {
			cmd = mgr.upgrade
			// upgrade-only commands skip packages that are not yet
			// installed, so install first.
			if _, _, err := p.run(ctx, conn, spec, mgr.install+" "+strings.Join(spec.Packages, " ")); err != nil {
				return nil, sshconn.Classify(err, res.ID, "install")
			}
		}
		args := make([]string, 0, len(spec.Packages))
		for _, pkg := range spec.Packages {
			if spec.Version != "" {
				args = append(args, mgr.pin(pkg, spec.Version))
			} else {
				args = append(args, pkg)
			}
		}
		if _, _, err := p.run(ctx, conn, spec, cmd+" "+strings.Join(args, " ")); err != nil {
			return nil, sshconn.Classify(err, res.ID, "install")
		}
	case StateAbsent:
		if err := p.removeInstalled(ctx, conn, spec, mgr, res.ID); err != nil {
			return nil, err
		}
	}

	versions := make(map[string]interface{}, len(spec.Packages))
	for _, pkg := range spec.Packages {
		out, _, err := conn.Run(ctx, mgr.query+" "+pkg)
		if err != nil {
			versions[pkg] = ""
			continue
		}
		versions[pkg] = strings.TrimSpace(out)
	}

	p.logger.Info().
		Str("resource", res.ID).
		Str("host", spec.Host).
		Str("manager", name).
		Str("state", spec.State).
		Strs("packages", spec.Packages).
		Msg("packages provisioned")

	return &engine.ProvisionOutput{
		PhysicalID: fmt.Sprintf("%s/%s", spec.Address(), strings.Join(spec.Packages, ",")),
		Properties: map[string]interface{}{
			"host":     spec.Host,
			"manager":  name,
			"state":    spec.State,
			"versions": versions,
		},
	}, nil
}

// Destroy removes the declared packages from the host. Packages that
// are already gone are skipped, so destroy is idempotent.
func (p *Provisioner) Destroy(ctx context.Context, resource *state.Resource) error {
	spec, err := parseSpec(resource.Properties)
	if err != nil {
		return engine.NewPermanentError("invalid linux.pkg properties", err).
			WithResource(resource.ID).
			WithCode(engine.ErrCodeValidation)
	}
	if spec.State == StateAbsent {
		return nil
	}

	conn, err := p.connect(ctx, resource.ID, spec)
	if err != nil {
		return err
	}
	defer conn.Close()

	mgr, name, err := p.resolveManager(ctx, conn, spec)
	if err != nil {
		return sshconn.Classify(err, resource.ID, "detect")
	}

	if err := p.removeInstalled(ctx, conn, spec, mgr, resource.ID); err != nil {
		return err
	}

	p.logger.Info().
		Str("resource", resource.ID).
		Str("host", spec.Host).
		Str("manager", name).
		Strs("packages", spec.Packages).
		Msg("packages removed")
	return nil
}

// removeInstalled removes only the packages the query reports as
// installed. A blanket remove would fail on hosts where some of the
// set was never installed.
func (p *Provisioner) removeInstalled(ctx context.Context, conn sshconn.Conn, spec *pkgSpec, mgr managerCommands, resourceID string) error {
	var installed []string
	for _, pkg := range spec.Packages {
		if _, _, err := conn.Run(ctx, mgr.query+" "+pkg); err == nil {
			installed = append(installed, pkg)
		}
	}
	if len(installed) == 0 {
		return nil
	}
	if _, _, err := p.run(ctx, conn, spec, mgr.remove+" "+strings.Join(installed, " ")); err != nil {
		return sshconn.Classify(err, resourceID, "remove")
	}
	return nil
}

func (p *Provisioner) connect(ctx context.Context, resourceID string, spec *pkgSpec) (sshconn.Conn, error) {
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

// resolveManager returns the declared manager, or probes the host for
// one when the resource leaves it unset.
func (p *Provisioner) resolveManager(ctx context.Context, conn sshconn.Conn, spec *pkgSpec) (managerCommands, string, error) {
	if spec.Manager != "" {
		return managers[spec.Manager], spec.Manager, nil
	}
	for _, name := range detectOrder {
		mgr := managers[name]
		if _, _, err := conn.Run(ctx, "command -v "+mgr.bin); err == nil {
			return mgr, name, nil
		}
	}
	return managerCommands{}, "", fmt.Errorf("no supported package manager found on host %s", spec.Host)
}

func (p *Provisioner) run(ctx context.Context, conn sshconn.Conn, spec *pkgSpec, cmd string) (string, string, error) {
	if spec.Sudo {
		return conn.RunSudo(ctx, cmd)
	}
	return conn.Run(ctx, cmd)
}

// pkgSpec is the parsed shape of a linux.pkg resource's properties.
type pkgSpec struct {
	sshconn.Spec

	Manager     string
	Packages    []string
	State       string
	Version     string
	UpdateCache bool
}

func parseSpec(props map[string]interface{}) (*pkgSpec, error) {
	conn, err := sshconn.ParseSpec(props)
	if err != nil {
		return nil, err
	}
	spec := &pkgSpec{
		Spec:  *conn,
		State: StatePresent,
	}

	// Package installs need root on any sane host, so sudo defaults
	// on here, unlike the server provisioner.
	if _, ok := props["sudo"]; !ok {
		spec.Sudo = true
	}

	if spec.Packages, err = sshconn.ToStringSlice(props["packages"]); err != nil {
		return nil, fmt.Errorf("invalid packages: %w", err)
	}
	if len(spec.Packages) == 0 {
		return nil, fmt.Errorf("property %q is required", "packages")
	}

	if v, ok := props["state"].(string); ok && v != "" {
		spec.State = v
	}
	switch spec.State {
	case StatePresent, StateAbsent, StateLatest:
	default:
		return nil, fmt.Errorf("invalid state %q (must be present, absent or latest)", spec.State)
	}

	spec.Manager, _ = props["manager"].(string)
	if spec.Manager != "" {
		if _, ok := managers[spec.Manager]; !ok {
			return nil, fmt.Errorf("invalid package manager %q", spec.Manager)
		}
	}

	spec.Version, _ = props["version"].(string)
	if spec.Version != "" && spec.State != StatePresent {
		return nil, fmt.Errorf("version can only be set when state is present")
	}
	if spec.Version != "" && len(spec.Packages) > 1 {
		return nil, fmt.Errorf("version requires a single package")
	}

	spec.UpdateCache, _ = props["update_cache"].(bool)

	return spec, nil
}

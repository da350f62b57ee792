package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Loader reads Rego policy files into Policy values. Policies live in
// .rego files; the leading comment block carries human metadata and
// optional directives:
//
//	# Deny production deploys outside business hours.
//	# severity: error
//	# tags: production, safety
//	package surge.policies.hours
//
// Unknown directives are kept as plain description text.
type Loader struct {
	logger zerolog.Logger
}

// NewLoader creates a policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
	}
}

// LoadFromPaths loads policies from files and directories. Directories
// are walked recursively; non-.rego files are skipped. A path that
// does not exist is an error, a broken policy file inside a directory
// is skipped with a warning so one bad file does not take down the
// whole policy set.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var policies []Policy

	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to stat policy path %s: %w", path, err)
		}

		if !info.IsDir() {
			p, err := l.loadFile(path)
			if err != nil {
				return nil, err
			}
			policies = append(policies, *p)
			continue
		}

		files, err := regoFiles(path)
		if err != nil {
			return nil, fmt.Errorf("failed to walk policy directory %s: %w", path, err)
		}
		for _, file := range files {
			p, err := l.loadFile(file)
			if err != nil {
				l.logger.Warn().Err(err).Str("path", file).Msg("skipping unreadable policy file")
				continue
			}
			policies = append(policies, *p)
		}
	}

	l.logger.Info().
		Int("policies", len(policies)).
		Int("sources", len(paths)).
		Msg("policies loaded")

	return policies, nil
}

func (l *Loader) loadFile(path string) (*Policy, error) {
	if !strings.HasSuffix(path, ".rego") {
		return nil, fmt.Errorf("unsupported policy file %s: only .rego is accepted", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	now := time.Now()
	p := &Policy{
		Name:     strings.TrimSuffix(filepath.Base(path), ".rego"),
		Rego:     string(data),
		Severity: SeverityWarning,
		Enabled:  true,
		Metadata: map[string]interface{}{
			"source": path,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	parseHeader(p, string(data))

	l.logger.Debug().
		Str("policy", p.Name).
		Str("severity", string(p.Severity)).
		Msg("policy loaded")

	return p, nil
}

// parseHeader fills description, severity and tags from the comment
// block above the package declaration.
func parseHeader(p *Policy, src string) {
	var desc []string
	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if !strings.HasPrefix(trimmed, "#") {
			break
		}

		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		switch {
		case comment == "":
		case strings.HasPrefix(comment, "severity:"):
			sev := Severity(strings.TrimSpace(strings.TrimPrefix(comment, "severity:")))
			switch sev {
			case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
				p.Severity = sev
			}
		case strings.HasPrefix(comment, "tags:"):
			for _, tag := range strings.Split(strings.TrimPrefix(comment, "tags:"), ",") {
				if tag = strings.TrimSpace(tag); tag != "" {
					p.Tags = append(p.Tags, tag)
				}
			}
		default:
			desc = append(desc, comment)
		}
	}
	p.Description = strings.Join(desc, " ")
}

// regoFiles returns the .rego files under dir, sorted so load order is
// stable across runs.
func regoFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(path, ".rego") {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

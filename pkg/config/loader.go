package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/surgecd/surge/pkg/engine"
	"github.com/surgecd/surge/pkg/state"
)

// Parser parses and validates deployment manifests.
type Parser struct {
	validator *validator.Validate
}

// NewParser creates a new manifest parser.
func NewParser() *Parser {
	return &Parser{
		validator: validator.New(),
	}
}

// Parse decodes a single manifest document. Unknown fields are rejected so
// typos in manifests surface as errors instead of silently dropped keys.
func (p *Parser) Parse(data []byte) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}

	if err := p.validator.Struct(&m); err != nil {
		return nil, fmt.Errorf("manifest validation failed: %w", err)
	}

	if err := checkResourceIDs(&m); err != nil {
		return nil, err
	}

	return &m, nil
}

// LoadFile parses a manifest from a YAML file.
func (p *Parser) LoadFile(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}

	m, err := p.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return m, nil
}

// LoadDir parses and merges every .yaml/.yml file in a directory. All files
// must declare the same environment; stacks are concatenated in file-name
// order and resource IDs must stay unique across the merged result.
func (p *Parser) LoadDir(dir string) (*Manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest directory %s: %w", dir, err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".yaml" || ext == ".yml" {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)

	if len(paths) == 0 {
		return nil, fmt.Errorf("no manifest files found in %s", dir)
	}

	var merged *Manifest
	for _, path := range paths {
		m, err := p.LoadFile(path)
		if err != nil {
			return nil, err
		}

		if merged == nil {
			merged = m
			continue
		}

		if m.Environment != merged.Environment {
			return nil, fmt.Errorf("%s: environment %q conflicts with %q",
				path, m.Environment, merged.Environment)
		}

		if m.Defaults != nil {
			if merged.Defaults == nil {
				merged.Defaults = &Defaults{}
			}
			if merged.Defaults.Tags == nil {
				merged.Defaults.Tags = make(map[string]string)
			}
			for k, v := range m.Defaults.Tags {
				merged.Defaults.Tags[k] = v
			}
		}

		merged.Stacks = append(merged.Stacks, m.Stacks...)
	}

	if err := checkResourceIDs(merged); err != nil {
		return nil, err
	}

	return merged, nil
}

// checkResourceIDs rejects manifests with duplicate resource IDs and
// dependencies on IDs the manifest never declares.
func checkResourceIDs(m *Manifest) error {
	seen := make(map[string]string)
	for _, stack := range m.Stacks {
		for _, rc := range stack.Resources {
			if prev, ok := seen[rc.ID]; ok {
				return fmt.Errorf("duplicate resource id %q in stacks %q and %q",
					rc.ID, prev, stack.Name)
			}
			seen[rc.ID] = stack.Name
		}
	}

	for _, stack := range m.Stacks {
		for _, rc := range stack.Resources {
			for _, dep := range rc.DependsOn {
				if _, ok := seen[dep]; !ok {
					return fmt.Errorf("resource %q depends on undeclared resource %q",
						rc.ID, dep)
				}
			}
		}
	}

	return nil
}

// ToDesired converts a manifest into the desired resources handed to the
// planner. Default tags merge under resource tags, and protected resources
// get the protected tag the policy guard keys on.
func ToDesired(m *Manifest) []engine.Desired {
	var desired []engine.Desired
	for _, stack := range m.Stacks {
		for _, rc := range stack.Resources {
			tags := make(map[string]string)
			if m.Defaults != nil {
				for k, v := range m.Defaults.Tags {
					tags[k] = v
				}
			}
			for k, v := range rc.Tags {
				tags[k] = v
			}
			if rc.Protected {
				tags["protected"] = "true"
			}

			res := &state.Resource{
				ID:           rc.ID,
				Type:         rc.Type,
				Properties:   rc.Properties,
				Dependencies: append([]string(nil), rc.DependsOn...),
				Tags:         tags,
			}

			desired = append(desired, engine.Desired{
				Stack:    stack.Name,
				Resource: res,
			})
		}
	}
	return desired
}

// LoadSettings reads operator settings from a YAML file. A missing file is
// not an error: defaults apply until the operator writes one.
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			s := DefaultSettings()
			return &s, nil
		}
		return nil, fmt.Errorf("failed to read settings %s: %w", path, err)
	}

	s := DefaultSettings()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse settings %s: %w", path, err)
	}

	if err := validator.New().Struct(&s); err != nil {
		return nil, fmt.Errorf("settings validation failed: %w", err)
	}

	return &s, nil
}

// RetryConfig converts retry settings into the executor's retry policy,
// falling back to engine defaults for unset fields.
func (s *Settings) RetryConfig() engine.RetryConfig {
	cfg := engine.DefaultRetryConfig()
	if s.Retry.MaxRetries > 0 {
		cfg.MaxRetries = s.Retry.MaxRetries
	}
	if s.Retry.BaseDelay > 0 {
		cfg.BaseDelay = s.Retry.BaseDelay.Duration()
	}
	if s.Retry.MaxDelay > 0 {
		cfg.MaxDelay = s.Retry.MaxDelay.Duration()
	}
	return cfg
}

// BreakerConfig converts breaker settings into the executor's circuit
// breaker configuration.
func (s *Settings) BreakerConfig() engine.BreakerConfig {
	cfg := engine.DefaultBreakerConfig()
	if s.Breaker.FailureThreshold > 0 {
		cfg.FailureThreshold = s.Breaker.FailureThreshold
	}
	if s.Breaker.RecoveryTimeout > 0 {
		cfg.RecoveryTimeout = s.Breaker.RecoveryTimeout.Duration()
	}
	return cfg
}

// expandPath resolves a leading ~/ against the user home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// ResolvePaths expands ~ in all path-valued settings.
func (s *Settings) ResolvePaths() {
	s.StatePath = expandPath(s.StatePath)
	s.CheckpointDir = expandPath(s.CheckpointDir)
	s.HistoryPath = expandPath(s.HistoryPath)
	for i, p := range s.PolicyPaths {
		s.PolicyPaths[i] = expandPath(p)
	}
}

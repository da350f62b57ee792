package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validManifest = `
version: 1
environment: staging
defaults:
  tags:
    team: platform
stacks:
  - name: network
    resources:
      - id: vpc-main
        type: network
        properties:
          cidr: 10.0.0.0/16
  - name: compute
    resources:
      - id: web-1
        type: server
        depends_on: [vpc-main]
        tags:
          team: web
      - id: db-1
        type: database
        protected: true
        depends_on: [vpc-main]
`

func TestParseValidManifest(t *testing.T) {
	p := NewParser()

	m, err := p.Parse([]byte(validManifest))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if m.Version != 1 {
		t.Errorf("expected version 1, got %d", m.Version)
	}
	if m.Environment != "staging" {
		t.Errorf("expected environment staging, got %s", m.Environment)
	}
	if len(m.Stacks) != 2 {
		t.Fatalf("expected 2 stacks, got %d", len(m.Stacks))
	}
	if m.Stacks[1].Resources[1].Protected != true {
		t.Error("expected db-1 to be protected")
	}
}

func TestParseRejectsInvalidManifests(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
		wantErr  string
	}{
		{
			name: "missing version",
			manifest: `
environment: staging
stacks:
  - name: compute
    resources:
      - id: web-1
        type: server
`,
			wantErr: "validation failed",
		},
		{
			name: "unsupported version",
			manifest: `
version: 2
environment: staging
stacks:
  - name: compute
    resources:
      - id: web-1
        type: server
`,
			wantErr: "validation failed",
		},
		{
			name: "missing environment",
			manifest: `
version: 1
stacks:
  - name: compute
    resources:
      - id: web-1
        type: server
`,
			wantErr: "validation failed",
		},
		{
			name: "no stacks",
			manifest: `
version: 1
environment: staging
stacks: []
`,
			wantErr: "validation failed",
		},
		{
			name: "resource without type",
			manifest: `
version: 1
environment: staging
stacks:
  - name: compute
    resources:
      - id: web-1
`,
			wantErr: "validation failed",
		},
		{
			name: "unknown field",
			manifest: `
version: 1
environment: staging
staks:
  - name: compute
`,
			wantErr: "failed to parse",
		},
		{
			name: "duplicate resource id",
			manifest: `
version: 1
environment: staging
stacks:
  - name: compute
    resources:
      - id: web-1
        type: server
  - name: other
    resources:
      - id: web-1
        type: server
`,
			wantErr: "duplicate resource id",
		},
		{
			name: "undeclared dependency",
			manifest: `
version: 1
environment: staging
stacks:
  - name: compute
    resources:
      - id: web-1
        type: server
        depends_on: [vpc-main]
`,
			wantErr: "undeclared resource",
		},
	}

	p := NewParser()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Parse([]byte(tt.manifest))
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deploy.yaml")
	if err := os.WriteFile(path, []byte(validManifest), 0o644); err != nil {
		t.Fatalf("failed to write manifest: %v", err)
	}

	p := NewParser()
	m, err := p.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if len(m.Stacks) != 2 {
		t.Errorf("expected 2 stacks, got %d", len(m.Stacks))
	}

	if _, err := p.LoadFile(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadDirMergesManifests(t *testing.T) {
	dir := t.TempDir()

	first := `
version: 1
environment: staging
stacks:
  - name: network
    resources:
      - id: vpc-main
        type: network
`
	second := `
version: 1
environment: staging
defaults:
  tags:
    team: platform
stacks:
  - name: compute
    resources:
      - id: web-1
        type: server
`
	writeManifest(t, dir, "01-network.yaml", first)
	writeManifest(t, dir, "02-compute.yml", second)

	p := NewParser()
	m, err := p.LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir failed: %v", err)
	}

	if len(m.Stacks) != 2 {
		t.Fatalf("expected 2 merged stacks, got %d", len(m.Stacks))
	}
	if m.Stacks[0].Name != "network" || m.Stacks[1].Name != "compute" {
		t.Errorf("unexpected stack order: %s, %s", m.Stacks[0].Name, m.Stacks[1].Name)
	}
	if m.Defaults == nil || m.Defaults.Tags["team"] != "platform" {
		t.Error("expected merged defaults from second manifest")
	}
}

func TestLoadDirRejectsConflicts(t *testing.T) {
	t.Run("environment mismatch", func(t *testing.T) {
		dir := t.TempDir()
		writeManifest(t, dir, "a.yaml", `
version: 1
environment: staging
stacks:
  - name: network
    resources:
      - id: vpc-main
        type: network
`)
		writeManifest(t, dir, "b.yaml", `
version: 1
environment: production
stacks:
  - name: compute
    resources:
      - id: web-1
        type: server
`)

		_, err := NewParser().LoadDir(dir)
		if err == nil || !strings.Contains(err.Error(), "conflicts") {
			t.Errorf("expected environment conflict error, got: %v", err)
		}
	})

	t.Run("duplicate id across files", func(t *testing.T) {
		dir := t.TempDir()
		single := `
version: 1
environment: staging
stacks:
  - name: compute
    resources:
      - id: web-1
        type: server
`
		writeManifest(t, dir, "a.yaml", single)
		writeManifest(t, dir, "b.yaml", `
version: 1
environment: staging
stacks:
  - name: other
    resources:
      - id: web-1
        type: server
`)

		_, err := NewParser().LoadDir(dir)
		if err == nil || !strings.Contains(err.Error(), "duplicate resource id") {
			t.Errorf("expected duplicate id error, got: %v", err)
		}
	})

	t.Run("empty directory", func(t *testing.T) {
		_, err := NewParser().LoadDir(t.TempDir())
		if err == nil || !strings.Contains(err.Error(), "no manifest files") {
			t.Errorf("expected empty directory error, got: %v", err)
		}
	})
}

func TestToDesired(t *testing.T) {
	p := NewParser()
	m, err := p.Parse([]byte(validManifest))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	desired := ToDesired(m)
	if len(desired) != 3 {
		t.Fatalf("expected 3 desired resources, got %d", len(desired))
	}

	byID := make(map[string]int)
	for i, d := range desired {
		byID[d.Resource.ID] = i
	}

	vpc := desired[byID["vpc-main"]]
	if vpc.Stack != "network" {
		t.Errorf("expected vpc-main in stack network, got %s", vpc.Stack)
	}
	if vpc.Resource.Tags["team"] != "platform" {
		t.Errorf("expected default tag on vpc-main, got %v", vpc.Resource.Tags)
	}
	if vpc.Resource.Properties["cidr"] != "10.0.0.0/16" {
		t.Errorf("unexpected properties: %v", vpc.Resource.Properties)
	}

	web := desired[byID["web-1"]]
	if web.Resource.Tags["team"] != "web" {
		t.Errorf("resource tag should override default, got %v", web.Resource.Tags)
	}
	if len(web.Resource.Dependencies) != 1 || web.Resource.Dependencies[0] != "vpc-main" {
		t.Errorf("unexpected dependencies: %v", web.Resource.Dependencies)
	}

	db := desired[byID["db-1"]]
	if db.Resource.Tags["protected"] != "true" {
		t.Errorf("expected protected tag on db-1, got %v", db.Resource.Tags)
	}
}

func TestLoadSettings(t *testing.T) {
	t.Run("missing file yields defaults", func(t *testing.T) {
		s, err := LoadSettings(filepath.Join(t.TempDir(), "surge.yaml"))
		if err != nil {
			t.Fatalf("LoadSettings failed: %v", err)
		}
		def := DefaultSettings()
		if s.StatePath != def.StatePath || s.Concurrency != def.Concurrency {
			t.Errorf("expected defaults, got %+v", s)
		}
	})

	t.Run("file overrides defaults", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "surge.yaml")
		content := `
state_path: /var/lib/surge/state.json
concurrency: 8
retry:
  max_retries: 2
  base_delay: 500ms
`
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("failed to write settings: %v", err)
		}

		s, err := LoadSettings(path)
		if err != nil {
			t.Fatalf("LoadSettings failed: %v", err)
		}
		if s.StatePath != "/var/lib/surge/state.json" {
			t.Errorf("unexpected state path: %s", s.StatePath)
		}
		if s.Concurrency != 8 {
			t.Errorf("unexpected concurrency: %d", s.Concurrency)
		}
		if s.Retry.MaxRetries != 2 || s.Retry.BaseDelay.Duration() != 500*time.Millisecond {
			t.Errorf("unexpected retry settings: %+v", s.Retry)
		}
		// Unset fields keep their defaults.
		if s.HistoryKeep != DefaultSettings().HistoryKeep {
			t.Errorf("unexpected history keep: %d", s.HistoryKeep)
		}
	})

	t.Run("invalid settings rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "surge.yaml")
		if err := os.WriteFile(path, []byte("concurrency: -1\n"), 0o644); err != nil {
			t.Fatalf("failed to write settings: %v", err)
		}
		if _, err := LoadSettings(path); err == nil {
			t.Error("expected validation error for negative concurrency")
		}
	})
}

func TestSettingsEngineConfigs(t *testing.T) {
	s := DefaultSettings()
	s.Retry.MaxRetries = 3
	s.Breaker.FailureThreshold = 10

	rc := s.RetryConfig()
	if rc.MaxRetries != 3 {
		t.Errorf("expected max retries 3, got %d", rc.MaxRetries)
	}
	if rc.BaseDelay != s.Retry.BaseDelay.Duration() {
		t.Errorf("unexpected base delay: %v", rc.BaseDelay)
	}

	bc := s.BreakerConfig()
	if bc.FailureThreshold != 10 {
		t.Errorf("expected failure threshold 10, got %d", bc.FailureThreshold)
	}
}

func writeManifest(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
}

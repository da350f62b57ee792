package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/surgecd/surge/pkg/state"
)

// Desired is one resource specification handed to the planner by the
// configuration loader, together with the stack that owns it.
type Desired struct {
	// Stack is the stack the resource belongs to.
	Stack string `json:"stack"`

	// Resource is the desired specification.
	Resource *state.Resource `json:"resource"`
}

// Filter restricts planning to a subset of resources for selective
// deployment. A nil filter selects everything. Excluded resources are
// neither planned nor touched.
type Filter struct {
	// Stacks limits planning to resources in these stacks.
	Stacks []string `json:"stacks,omitempty"`

	// Tags limits planning to resources carrying all of these tags.
	Tags map[string]string `json:"tags,omitempty"`
}

// Matches reports whether the resource in the given stack is selected.
func (f *Filter) Matches(stack string, r *state.Resource) bool {
	if f == nil {
		return true
	}
	if len(f.Stacks) > 0 {
		found := false
		for _, s := range f.Stacks {
			if s == stack {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for k, v := range f.Tags {
		if r.Tags[k] != v {
			return false
		}
	}
	return true
}

// volatileKeys are auto-generated property and tag keys excluded from
// the diff so that re-deploying an unchanged specification yields NOOP.
var volatileKeys = map[string]struct{}{
	"deployed_at":   {},
	"last_modified": {},
	"updated_at":    {},
}

// Planner diffs desired resource specifications against the state
// store and produces wave-grouped deployment plans. It is a read-only
// consumer of state.
type Planner struct {
	logger zerolog.Logger
}

// NewPlanner creates a planner.
func NewPlanner(logger zerolog.Logger) *Planner {
	return &Planner{
		logger: logger.With().Str("component", "planner").Logger(),
	}
}

// Plan classifies every desired resource against the current state,
// builds the dependency graph over the non-NOOP subset, and returns
// the wave-ordered deployment plan. Cycle detection and
// dangling-dependency checks happen here, before any side effect.
func (p *Planner) Plan(desired []Desired, current *state.State, filter *Filter) (*DeploymentPlan, error) {
	if current == nil {
		current = state.NewState("")
	}

	if err := validateDesired(desired); err != nil {
		return nil, err
	}

	// Partition the desired set by the filter.
	selected := make(map[string]Desired)
	excluded := make(map[string]struct{})
	for _, d := range desired {
		if filter.Matches(d.Stack, d.Resource) {
			selected[d.Resource.ID] = d
		} else {
			excluded[d.Resource.ID] = struct{}{}
		}
	}

	// Classify each selected resource.
	changes := make(map[string]*ResourceChange)
	summary := PlanSummary{Total: len(selected)}
	var noops []string

	for id, d := range selected {
		recorded, exists := current.Resource(id)
		switch {
		case !exists:
			changes[id] = &ResourceChange{
				Resource: d.Resource.Clone(),
				Stack:    d.Stack,
				Action:   ActionCreate,
			}
			summary.ToCreate++
		case resourceUnchanged(d.Resource, recorded):
			noops = append(noops, id)
			summary.NoChange++
		default:
			changes[id] = &ResourceChange{
				Resource:         d.Resource.Clone(),
				Stack:            d.Stack,
				Action:           ActionUpdate,
				PreviousSnapshot: recorded.Clone(),
			}
			summary.ToUpdate++
		}
	}

	// Resources present in state but absent from the desired set are
	// deleted. Filtered-out and excluded resources are left alone.
	desiredIDs := make(map[string]struct{}, len(desired))
	for _, d := range desired {
		desiredIDs[d.Resource.ID] = struct{}{}
	}
	var deletes []string
	for stackName, stack := range current.Stacks {
		for id, recorded := range stack.Resources {
			if _, ok := desiredIDs[id]; ok {
				continue
			}
			if !filter.Matches(stackName, recorded) {
				continue
			}
			changes[id] = &ResourceChange{
				Resource:         recorded.Clone(),
				Stack:            stackName,
				Action:           ActionDelete,
				PreviousSnapshot: recorded.Clone(),
			}
			deletes = append(deletes, id)
			summary.ToDelete++
			summary.Total++
		}
	}

	// Every dependency must resolve to a planned change, a NOOP
	// anchor, or a resource already recorded in state. Anything else
	// is a dangling reference.
	noopSet := make(map[string]struct{}, len(noops))
	for _, id := range noops {
		noopSet[id] = struct{}{}
	}
	for id, change := range changes {
		if change.Action == ActionDelete {
			continue
		}
		for _, dep := range change.Resource.Dependencies {
			if err := p.resolveDependency(id, dep, changes, noopSet, excluded, current); err != nil {
				return nil, err
			}
		}
	}

	waves, err := p.buildWaves(changes)
	if err != nil {
		return nil, err
	}

	sort.Strings(noops)
	plan := &DeploymentPlan{
		ID:          planIdentity(selected, deletes),
		Environment: current.Environment,
		CreatedAt:   time.Now().UTC(),
		Waves:       waves,
		Noops:       noops,
		Summary:     summary,
	}

	p.logger.Info().
		Str("plan_id", plan.ID).
		Int("create", summary.ToCreate).
		Int("update", summary.ToUpdate).
		Int("delete", summary.ToDelete).
		Int("noop", summary.NoChange).
		Int("waves", len(waves)).
		Msg("plan computed")

	return plan, nil
}

// PlanDestroy builds a plan that deletes every selected resource in
// the current state, ordered so dependents are destroyed before their
// dependencies.
func (p *Planner) PlanDestroy(current *state.State, filter *Filter) (*DeploymentPlan, error) {
	if current == nil {
		return nil, NewPermanentError("no state to destroy", nil).
			WithCode(ErrCodeValidation)
	}

	changes := make(map[string]*ResourceChange)
	summary := PlanSummary{}
	var deletes []string
	for stackName, stack := range current.Stacks {
		for id, recorded := range stack.Resources {
			if !filter.Matches(stackName, recorded) {
				continue
			}
			changes[id] = &ResourceChange{
				Resource:         recorded.Clone(),
				Stack:            stackName,
				Action:           ActionDelete,
				PreviousSnapshot: recorded.Clone(),
			}
			deletes = append(deletes, id)
			summary.ToDelete++
			summary.Total++
		}
	}

	waves, err := p.buildWaves(changes)
	if err != nil {
		return nil, err
	}

	return &DeploymentPlan{
		ID:          planIdentity(nil, deletes),
		Environment: current.Environment,
		CreatedAt:   time.Now().UTC(),
		Waves:       waves,
		Summary:     summary,
	}, nil
}

// resolveDependency checks that a dependency of a planned resource is
// satisfiable.
func (p *Planner) resolveDependency(
	id, dep string,
	changes map[string]*ResourceChange,
	noops map[string]struct{},
	excluded map[string]struct{},
	current *state.State,
) error {
	if target, ok := changes[dep]; ok {
		if target.Action == ActionDelete {
			return NewPermanentError(
				fmt.Sprintf("resource %s depends on %s, which is planned for deletion", id, dep), nil).
				WithCode(ErrCodeMissingDependency).WithResource(id)
		}
		return nil
	}
	if _, ok := noops[dep]; ok {
		return nil
	}
	if _, ok := current.Resource(dep); ok {
		// Already provisioned; a filtered-out but existing dependency
		// is a valid anchor.
		return nil
	}
	if _, ok := excluded[dep]; ok {
		return NewPermanentError(
			fmt.Sprintf("resource %s depends on %s, which is excluded by the filter and not yet deployed", id, dep), nil).
			WithCode(ErrCodeMissingDependency).WithResource(id)
	}
	return NewPermanentError(
		fmt.Sprintf("resource %s depends on unknown resource %s", id, dep), nil).
		WithCode(ErrCodeMissingDependency).WithResource(id)
}

// buildWaves constructs the dependency graph over the non-NOOP changes
// and partitions it into waves. Dependency edges between deleted
// resources are reversed so dependents are destroyed first.
func (p *Planner) buildWaves(changes map[string]*ResourceChange) ([]Wave, error) {
	graph := NewDependencyGraph()
	for id := range changes {
		graph.AddNode(id)
	}

	for id, change := range changes {
		for _, dep := range change.Resource.Dependencies {
			target, ok := changes[dep]
			if !ok {
				// Satisfied outside the plan (NOOP or already in
				// state); not an edge in the execution graph.
				continue
			}
			var err error
			if change.Action == ActionDelete && target.Action == ActionDelete {
				err = graph.AddEdge(dep, id)
			} else {
				err = graph.AddEdge(id, dep)
			}
			if err != nil {
				return nil, err
			}
		}
	}

	if err := graph.Validate(); err != nil {
		return nil, err
	}

	ids, err := graph.Waves()
	if err != nil {
		return nil, err
	}

	waves := make([]Wave, 0, len(ids))
	for i, waveIDs := range ids {
		wave := Wave{Index: i, Changes: make([]ResourceChange, 0, len(waveIDs))}
		for _, id := range waveIDs {
			wave.Changes = append(wave.Changes, *changes[id])
		}
		waves = append(waves, wave)
	}
	return waves, nil
}

// validateDesired rejects malformed or duplicated specifications.
func validateDesired(desired []Desired) error {
	seen := make(map[string]struct{}, len(desired))
	for _, d := range desired {
		if d.Resource == nil || d.Resource.ID == "" {
			return NewPermanentError("desired resource has empty ID", nil).
				WithCode(ErrCodeValidation)
		}
		if d.Resource.Type == "" {
			return NewPermanentError("desired resource has empty type", nil).
				WithCode(ErrCodeValidation).WithResource(d.Resource.ID)
		}
		if _, dup := seen[d.Resource.ID]; dup {
			return NewPermanentError(
				fmt.Sprintf("duplicate resource ID: %s", d.Resource.ID), nil).
				WithCode(ErrCodeValidation).WithResource(d.Resource.ID)
		}
		seen[d.Resource.ID] = struct{}{}
	}
	return nil
}

// resourceUnchanged reports whether the desired resource matches the
// recorded one in every dimension that requires re-provisioning: type,
// dependency set, non-volatile tags, and normalized properties. An
// UPDATE on any of them also refreshes the state store's recorded
// edges and tags.
func resourceUnchanged(desired, recorded *state.Resource) bool {
	if desired.Type != recorded.Type {
		return false
	}
	if !dependenciesEqual(desired.Dependencies, recorded.Dependencies) {
		return false
	}
	if !tagsEqual(desired.Tags, recorded.Tags) {
		return false
	}
	return propertiesEqual(desired.Properties, recorded.Properties)
}

// dependenciesEqual compares dependency lists as sets; declaration
// order does not matter.
func dependenciesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

// tagsEqual compares tag maps, ignoring volatile auto-applied keys.
func tagsEqual(a, b map[string]string) bool {
	na, nb := normalizeTags(a), normalizeTags(b)
	if len(na) != len(nb) {
		return false
	}
	for k, v := range na {
		if w, ok := nb[k]; !ok || w != v {
			return false
		}
	}
	return true
}

// normalizeTags strips volatile keys from a tag map.
func normalizeTags(tags map[string]string) map[string]string {
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		if _, volatile := volatileKeys[k]; volatile {
			continue
		}
		out[k] = v
	}
	return out
}

// propertiesEqual compares normalized property maps, ignoring volatile
// auto-generated fields.
func propertiesEqual(a, b map[string]interface{}) bool {
	return reflect.DeepEqual(normalizeProperties(a), normalizeProperties(b))
}

// normalizeProperties strips volatile fields and round-trips the map
// through JSON, so values loaded from the state file compare equal to
// freshly-built specifications (numbers decode as float64 either way).
func normalizeProperties(props map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(props))
	for k, v := range props {
		if _, volatile := volatileKeys[k]; volatile {
			continue
		}
		out[k] = v
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return out
	}
	normalized := make(map[string]interface{}, len(out))
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return out
	}
	return normalized
}

// planIdentity derives a stable plan ID from the requested intent: the
// selected desired specifications plus the IDs slated for deletion.
// Re-planning the same input against a partially-applied state yields
// the same ID even though completed changes have collapsed into NOOPs,
// which is how a resumed run locates its checkpoint.
func planIdentity(selected map[string]Desired, deletes []string) string {
	lines := make([]string, 0, len(selected)+len(deletes))
	for id, d := range selected {
		lines = append(lines, id+"="+resourceDigest(d.Resource))
	}
	for _, id := range deletes {
		lines = append(lines, id+"=-")
	}
	sort.Strings(lines)

	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:])[:16]
}

// resourceDigest hashes the diff-relevant surface of one desired
// resource (type, dependency set, non-volatile tags, normalized
// properties). JSON marshaling sorts map keys, so the digest is
// stable.
func resourceDigest(r *state.Resource) string {
	deps := append([]string(nil), r.Dependencies...)
	sort.Strings(deps)
	raw, err := json.Marshal(map[string]interface{}{
		"type":         r.Type,
		"dependencies": deps,
		"tags":         normalizeTags(r.Tags),
		"properties":   normalizeProperties(r.Properties),
	})
	if err != nil {
		return "unencodable"
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:8])
}

package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/surgecd/surge/pkg/state"
)

// fakeProvisioner records calls and fails on demand. Failures are
// keyed by resource ID with a countdown, so a resource can fail N
// times before succeeding.
type fakeProvisioner struct {
	typ string

	mu         sync.Mutex
	provisions []string
	destroys   []string
	failures   map[string]int
	permanent  map[string]bool
}

func newFakeProvisioner(typ string) *fakeProvisioner {
	return &fakeProvisioner{
		typ:       typ,
		failures:  make(map[string]int),
		permanent: make(map[string]bool),
	}
}

func (p *fakeProvisioner) Type() string { return p.typ }

func (p *fakeProvisioner) failWith(id string) error {
	if p.failures[id] > 0 {
		p.failures[id]--
		if p.permanent[id] {
			return NewPermanentError("rejected", nil)
		}
		return NewTransientError("unavailable", nil)
	}
	return nil
}

func (p *fakeProvisioner) Provision(ctx context.Context, change *ResourceChange) (*ProvisionOutput, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failWith(change.Resource.ID); err != nil {
		return nil, err
	}
	p.provisions = append(p.provisions, change.Resource.ID)
	return &ProvisionOutput{PhysicalID: "phys-" + change.Resource.ID}, nil
}

func (p *fakeProvisioner) Destroy(ctx context.Context, r *state.Resource) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.failWith(r.ID); err != nil {
		return err
	}
	p.destroys = append(p.destroys, r.ID)
	return nil
}

func (p *fakeProvisioner) provisionOrder() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.provisions))
	copy(out, p.provisions)
	return out
}

func (p *fakeProvisioner) destroyOrder() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.destroys))
	copy(out, p.destroys)
	return out
}

// harness wires an executor against a temp-dir state store and a fake
// provisioner.
type harness struct {
	executor    *Executor
	stateMgr    *state.Manager
	checkpoints *state.CheckpointManager
	prov        *fakeProvisioner
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	stateMgr := state.NewManager(filepath.Join(dir, "state.json"), "test", zerolog.Nop())
	checkpoints := state.NewCheckpointManager(dir)
	prov := newFakeProvisioner("null")

	registry := NewProvisionerRegistry()
	if err := registry.Register(prov); err != nil {
		t.Fatalf("Register: %v", err)
	}

	retryer := NewRetryer(fastRetryConfig(2), zerolog.Nop())
	breakers := NewBreakerRegistry(BreakerConfig{FailureThreshold: 100, RecoveryTimeout: time.Minute})

	return &harness{
		executor:    NewExecutor(registry, stateMgr, checkpoints, retryer, breakers, zerolog.Nop()),
		stateMgr:    stateMgr,
		checkpoints: checkpoints,
		prov:        prov,
	}
}

func (h *harness) plan(t *testing.T, desired []Desired) *DeploymentPlan {
	t.Helper()
	current, err := h.stateMgr.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	plan, err := testPlanner().Plan(desired, current, nil)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	return plan
}

func TestExecutor_HappyPath(t *testing.T) {
	h := newHarness(t)

	desired := []Desired{
		desiredResource("net", nil),
		desiredResource("db", nil, "net"),
		desiredResource("app", nil, "db"),
	}
	plan := h.plan(t, desired)

	result, err := h.executor.Execute(context.Background(), plan, ExecOptions{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success || result.Status != RunStatusSucceeded {
		t.Fatalf("result = %s success=%v, want succeeded", result.Status, result.Success)
	}

	order := h.prov.provisionOrder()
	want := []string{"net", "db", "app"}
	if len(order) != 3 {
		t.Fatalf("provision order = %v, want %v", order, want)
	}
	for i, id := range want {
		if order[i] != id {
			t.Errorf("provision order = %v, want %v", order, want)
			break
		}
	}

	// Each success was persisted with the provider-assigned identity.
	for _, id := range want {
		r, err := h.stateMgr.GetResource(id)
		if err != nil {
			t.Fatalf("GetResource(%s): %v", id, err)
		}
		if r.PhysicalID != "phys-"+id {
			t.Errorf("%s physical ID = %q, want phys-%s", id, r.PhysicalID, id)
		}
	}

	// A clean run leaves no checkpoint behind.
	cp, err := h.checkpoints.Load(plan.ID)
	if err != nil {
		t.Fatalf("Load checkpoint: %v", err)
	}
	if cp != nil {
		t.Error("checkpoint should be deleted after a successful run")
	}
}

func TestExecutor_FailureSkipsLaterWaves(t *testing.T) {
	h := newHarness(t)
	h.prov.failures["db"] = 100 // exhausts all retries
	h.prov.permanent["db"] = true

	desired := []Desired{
		desiredResource("net", nil),
		desiredResource("db", nil, "net"),
		desiredResource("cache", nil, "net"),
		desiredResource("app", nil, "db"),
	}
	plan := h.plan(t, desired)

	result, err := h.executor.Execute(context.Background(), plan, ExecOptions{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Success || result.Status != RunStatusFailed {
		t.Fatalf("result = %s, want failed", result.Status)
	}

	if got := result.Resources["net"].Status; got != StatusSuccess {
		t.Errorf("net = %s, want success", got)
	}
	if got := result.Resources["db"].Status; got != StatusFailed {
		t.Errorf("db = %s, want failed", got)
	}
	// The sibling in the same wave still finishes.
	if got := result.Resources["cache"].Status; got != StatusSuccess {
		t.Errorf("cache = %s, want success (siblings are not cancelled)", got)
	}
	// The next wave never starts.
	if got := result.Resources["app"].Status; got != StatusSkipped {
		t.Errorf("app = %s, want skipped", got)
	}

	if _, err := h.stateMgr.GetResource("net"); err != nil {
		t.Errorf("net should be persisted despite the failed run: %v", err)
	}
	if _, err := h.stateMgr.GetResource("app"); err == nil {
		t.Error("app was skipped and must not appear in state")
	}

	// The checkpoint survives for a later resume.
	cp, err := h.checkpoints.Load(plan.ID)
	if err != nil {
		t.Fatalf("Load checkpoint: %v", err)
	}
	if cp == nil {
		t.Fatal("expected a checkpoint after a failed run")
	}
	sort.Strings(cp.Completed)
	if len(cp.Completed) != 2 || cp.Completed[0] != "cache" || cp.Completed[1] != "net" {
		t.Errorf("checkpoint completed = %v, want [cache net]", cp.Completed)
	}
	if len(cp.Failed) != 1 || cp.Failed[0] != "db" {
		t.Errorf("checkpoint failed = %v, want [db]", cp.Failed)
	}
}

func TestExecutor_TransientFailureRetriedWithinRun(t *testing.T) {
	h := newHarness(t)
	h.prov.failures["db"] = 2 // two transient failures, then success

	plan := h.plan(t, []Desired{desiredResource("db", nil)})

	result, err := h.executor.Execute(context.Background(), plan, ExecOptions{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("result = %s, want succeeded", result.Status)
	}
	if got := result.Resources["db"].Attempts; got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestExecutor_ResumeSkipsCompleted(t *testing.T) {
	h := newHarness(t)
	h.prov.failures["app"] = 100
	h.prov.permanent["app"] = true

	desired := []Desired{
		desiredResource("net", nil),
		desiredResource("app", nil, "net"),
	}
	plan := h.plan(t, desired)

	// First run: wave 0 succeeds, wave 1 fails.
	result, err := h.executor.Execute(context.Background(), plan, ExecOptions{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Success {
		t.Fatal("first run should fail")
	}
	if got := len(h.prov.provisionOrder()); got != 1 {
		t.Fatalf("first run provisioned %d resources, want 1", got)
	}

	// Second run of the same plan: the checkpoint marks net done, so
	// only app is re-executed.
	h.prov.mu.Lock()
	h.prov.failures["app"] = 0
	h.prov.mu.Unlock()

	result, err = h.executor.Execute(context.Background(), plan, ExecOptions{})
	if err != nil {
		t.Fatalf("Execute (resume): %v", err)
	}
	if !result.Success {
		t.Fatalf("resume = %s, want succeeded", result.Status)
	}

	order := h.prov.provisionOrder()
	if len(order) != 2 || order[1] != "app" {
		t.Errorf("provision calls = %v, want net provisioned once and app on resume", order)
	}

	// The resumed resource reports success without new attempts.
	if got := result.Resources["net"].Attempts; got != 0 {
		t.Errorf("net attempts on resume = %d, want 0", got)
	}
	if got := result.Resources["net"].Status; got != StatusSuccess {
		t.Errorf("net status on resume = %s, want success", got)
	}

	// The carried-over resource is counted exactly once; wave totals
	// must not exceed the wave size.
	if len(result.Waves) != 2 {
		t.Fatalf("waves = %d, want 2", len(result.Waves))
	}
	w0 := result.Waves[0]
	if w0.Succeeded != 1 || w0.Resumed != 1 || w0.Failed != 0 || w0.Skipped != 0 {
		t.Errorf("wave 0 totals = %+v, want 1 succeeded (resumed), 0 failed, 0 skipped", w0)
	}
	if w0.Succeeded+w0.Failed+w0.Skipped != 1 {
		t.Errorf("wave 0 counts %d changes, wave size is 1", w0.Succeeded+w0.Failed+w0.Skipped)
	}
}

func TestExecutor_CancellationBetweenWaves(t *testing.T) {
	h := newHarness(t)

	desired := []Desired{
		desiredResource("net", nil),
		desiredResource("app", nil, "net"),
	}
	plan := h.plan(t, desired)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	opts := ExecOptions{
		Progress: func(ev ProgressEvent) {
			// Cancel as soon as the first wave's resource confirms, so
			// the cancellation lands on the wave boundary.
			if ev.ResourceID == "net" && ev.Status == StatusSuccess {
				cancel()
			}
		},
	}

	result, err := h.executor.Execute(ctx, plan, opts)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Status != RunStatusCancelled {
		t.Fatalf("result = %s, want cancelled", result.Status)
	}

	// The in-flight resource finished and was persisted; the next wave
	// never started.
	if got := result.Resources["net"].Status; got != StatusSuccess {
		t.Errorf("net = %s, want success (in-flight work completes)", got)
	}
	if got := result.Resources["app"].Status; got != StatusSkipped {
		t.Errorf("app = %s, want skipped", got)
	}
	if _, err := h.stateMgr.GetResource("net"); err != nil {
		t.Errorf("net should be persisted: %v", err)
	}
}

func TestExecutor_DeletePersistsRemoval(t *testing.T) {
	h := newHarness(t)

	st := stateWith(&state.Resource{ID: "old", Type: "null", PhysicalID: "p-old"})
	if err := h.stateMgr.Save(st); err != nil {
		t.Fatalf("Save: %v", err)
	}

	plan := h.plan(t, nil)
	if plan.Summary.ToDelete != 1 {
		t.Fatalf("summary = %+v, want one delete", plan.Summary)
	}

	result, err := h.executor.Execute(context.Background(), plan, ExecOptions{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("result = %s, want succeeded", result.Status)
	}
	if got := h.prov.destroyOrder(); len(got) != 1 || got[0] != "old" {
		t.Errorf("destroy calls = %v, want [old]", got)
	}
	if _, err := h.stateMgr.GetResource("old"); err == nil {
		t.Error("deleted resource must be removed from state")
	}
}

func TestExecutor_UnknownProvisionerFailsResource(t *testing.T) {
	h := newHarness(t)

	desired := []Desired{{
		Stack:    "main",
		Resource: &state.Resource{ID: "odd", Type: "does-not-exist"},
	}}
	plan := h.plan(t, desired)

	result, err := h.executor.Execute(context.Background(), plan, ExecOptions{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Success {
		t.Fatal("run must fail when no provisioner handles the type")
	}
	res := result.Resources["odd"]
	if res.Status != StatusFailed || res.Error == nil {
		t.Fatalf("odd = %+v, want failed with error", res)
	}
}

func TestExecutor_WideWaveBoundedConcurrency(t *testing.T) {
	h := newHarness(t)

	var desired []Desired
	for i := 0; i < 20; i++ {
		desired = append(desired, desiredResource(fmt.Sprintf("r%02d", i), nil))
	}
	plan := h.plan(t, desired)
	if len(plan.Waves) != 1 {
		t.Fatalf("waves = %d, want 1", len(plan.Waves))
	}

	result, err := h.executor.Execute(context.Background(), plan, ExecOptions{Concurrency: 3})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Success {
		t.Fatalf("result = %s, want succeeded", result.Status)
	}
	if got := len(h.prov.provisionOrder()); got != 20 {
		t.Errorf("provisioned %d resources, want 20", got)
	}
	if got := result.Waves[0].Succeeded; got != 20 {
		t.Errorf("wave succeeded = %d, want 20", got)
	}
}

package heartbeat

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lzjever/mbos-fleet/internal/core"
	"github.com/lzjever/mbos-fleet/internal/provider"
	"github.com/lzjever/mbos-fleet/internal/store"
)

type fixture struct {
	store *store.MemStore
	api   *provider.MockProvider
	ext   *Extender
	now   time.Time
}

func newFixture() *fixture {
	f := &fixture{
		store: store.NewMemStore(),
		api:   provider.NewMockProvider(),
		now:   time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC),
	}
	f.ext = NewExtender(f.store, f.api, DefaultConfig(), zap.NewNop())
	f.ext.Now = func() time.Time { return f.now }

	inst := "sbx-1"
	f.api.AddSandbox(provider.Sandbox{ID: inst, Status: provider.StatusRunning, Timeout: 45 * time.Minute, CreatedAt: f.now})
	f.store.PutWorkspace(core.Workspace{ID: "ws-1", Status: core.WorkspaceActive, InstanceID: &inst})
	return f
}

func (f *fixture) beat(t *testing.T) Outcome {
	t.Helper()
	o, err := f.ext.Beat(context.Background(), "ws-1")
	if err != nil {
		t.Fatalf("beat: %s", err)
	}
	return o
}

func (f *fixture) extendCalls() int { return len(f.api.CallsFor("ExtendTimeout")) }

func TestBeatExtends(t *testing.T) {
	f := newFixture()
	if o := f.beat(t); o != OutcomeExtended {
		t.Fatalf("expected extended, got %s", o)
	}
	sb, _ := f.api.Lookup("sbx-1")
	if sb.Timeout != 60*time.Minute {
		t.Errorf("expected timeout extended by 15m, got %s", sb.Timeout)
	}
}

func TestBeatRateLimitBackoff(t *testing.T) {
	f := newFixture()
	f.api.SetInstanceError("ExtendTimeout", "sbx-1", provider.ErrRateLimited)

	if o := f.beat(t); o != OutcomeRateLimited {
		t.Fatalf("expected rate_limited, got %s", o)
	}
	f.api.SetInstanceError("ExtendTimeout", "sbx-1", nil)

	f.now = f.now.Add(30 * time.Second)
	if o := f.beat(t); o != OutcomeBackoff {
		t.Fatalf("expected backoff within 60s, got %s", o)
	}
	f.now = f.now.Add(29 * time.Second)
	if o := f.beat(t); o != OutcomeBackoff {
		t.Fatalf("expected backoff at 59s, got %s", o)
	}
	if n := f.extendCalls(); n != 1 {
		t.Fatalf("expected no API calls during backoff, got %d", n)
	}

	f.now = f.now.Add(time.Second)
	if o := f.beat(t); o != OutcomeExtended {
		t.Fatalf("expected extend once backoff elapsed, got %s", o)
	}
	if n := f.extendCalls(); n != 2 {
		t.Errorf("expected 2 API calls, got %d", n)
	}
}

func TestBeatMaxLifetimeIsSticky(t *testing.T) {
	f := newFixture()
	f.api.SetInstanceError("ExtendTimeout", "sbx-1", &provider.APIError{StatusCode: 400, Code: "sandbox_max_lifetime", Message: "limit"})

	if o := f.beat(t); o != OutcomeMaxLifetime {
		t.Fatalf("expected max_lifetime, got %s", o)
	}
	f.now = f.now.Add(time.Hour)
	if o := f.beat(t); o != OutcomeMaxLifetime {
		t.Fatalf("expected max_lifetime again, got %s", o)
	}
	if n := f.extendCalls(); n != 1 {
		t.Errorf("expected a single extend attempt, got %d", n)
	}
}

func TestBeatInstanceLostKeepsStatus(t *testing.T) {
	f := newFixture()
	f.api.SetInstanceError("ExtendTimeout", "sbx-1", provider.ErrNotFound)

	if o := f.beat(t); o != OutcomeInstanceLost {
		t.Fatalf("expected instance_lost, got %s", o)
	}
	ws, _ := f.store.GetWorkspace(context.Background(), "ws-1")
	if ws.Status != core.WorkspaceActive || ws.HasInstance() {
		t.Errorf("expected active workspace without instance, got %+v", ws)
	}
	if o := f.beat(t); o != OutcomeInactive {
		t.Errorf("expected inactive after loss, got %s", o)
	}
}

func TestBeatInactiveWorkspace(t *testing.T) {
	f := newFixture()
	f.store.PutWorkspace(core.Workspace{ID: "ws-1", Status: core.WorkspaceStopped})
	if o := f.beat(t); o != OutcomeInactive {
		t.Errorf("expected inactive, got %s", o)
	}
	o, err := f.ext.Beat(context.Background(), "missing")
	if err != nil || o != OutcomeInactive {
		t.Errorf("expected inactive for unknown workspace, got %s (%v)", o, err)
	}
	if f.extendCalls() != 0 {
		t.Error("inactive workspaces must not be extended")
	}
}

func TestBeatOtherErrorsPropagate(t *testing.T) {
	f := newFixture()
	f.api.SetInstanceError("ExtendTimeout", "sbx-1", &provider.APIError{StatusCode: 502, Message: "bad gateway"})
	if _, err := f.ext.Beat(context.Background(), "ws-1"); err == nil {
		t.Fatal("expected error")
	}
}

func TestRunLoopStopsOnTerminalOutcome(t *testing.T) {
	script := []Outcome{OutcomeExtended, OutcomeRateLimited, OutcomeBackoff, OutcomeExtended, OutcomeInstanceLost, OutcomeExtended}
	calls := 0
	beat := func(ctx context.Context) (Outcome, error) {
		o := script[calls]
		calls++
		if calls == 2 {
			return "", errors.New("transient")
		}
		return o, nil
	}

	o, err := RunLoop(context.Background(), time.Millisecond, beat, zap.NewNop())
	if err != nil {
		t.Fatalf("run loop: %s", err)
	}
	if o != OutcomeInstanceLost || calls != 5 {
		t.Errorf("expected instance_lost after 5 beats, got %s after %d", o, calls)
	}
}

// With the clock frozen inside the backoff window, a fast loop must not hit
// the API again after the first rate-limited call.
func TestRunLoopHonorsBackoff(t *testing.T) {
	f := newFixture()
	f.api.SetInstanceError("ExtendTimeout", "sbx-1", provider.ErrRateLimited)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	beats := 0
	beat := func(ctx context.Context) (Outcome, error) {
		beats++
		if beats == 20 {
			cancel()
		}
		return f.ext.Beat(ctx, "ws-1")
	}

	_, err := RunLoop(ctx, time.Millisecond, beat, zap.NewNop())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if n := f.extendCalls(); n != 1 {
		t.Errorf("expected exactly 1 extend call, got %d", n)
	}
}

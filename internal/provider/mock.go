package provider

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MockProvider is an in-memory API used by tests and by the mock:// dev mode.
type MockProvider struct {
	mu sync.Mutex

	Sandboxes map[string]*Sandbox
	Images    map[string]*Snapshot
	Files     map[string][]File

	// Errors injects a failure for every call of a method ("Create", "Stop"...).
	Errors map[string]error
	// InstanceErrors injects a failure for one method on one sandbox.
	InstanceErrors map[string]error

	// CommandHook, when set, answers RunCommand. It runs without the lock held.
	CommandHook func(ctx context.Context, id string, cmd Command) (*CommandResult, error)

	CallLog []MockCall

	Now            func() time.Time
	DefaultTimeout time.Duration

	seq int
}

type MockCall struct {
	Method string
	Args   []any
}

func NewMockProvider() *MockProvider {
	return &MockProvider{
		Sandboxes:      make(map[string]*Sandbox),
		Images:         make(map[string]*Snapshot),
		Files:          make(map[string][]File),
		Errors:         make(map[string]error),
		InstanceErrors: make(map[string]error),
		Now:            time.Now,
		DefaultTimeout: 45 * time.Minute,
	}
}

func (m *MockProvider) record(method string, args ...any) {
	m.CallLog = append(m.CallLog, MockCall{Method: method, Args: args})
}

func (m *MockProvider) injected(method, id string) error {
	if err, ok := m.Errors[method]; ok {
		return err
	}
	if err, ok := m.InstanceErrors[method+"/"+id]; ok {
		return err
	}
	return nil
}

func (m *MockProvider) SetError(method string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.Errors, method)
		return
	}
	m.Errors[method] = err
}

func (m *MockProvider) SetInstanceError(method, id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.InstanceErrors, method+"/"+id)
		return
	}
	m.InstanceErrors[method+"/"+id] = err
}

// AddSandbox registers an existing sandbox.
func (m *MockProvider) AddSandbox(sb Sandbox) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Sandboxes[sb.ID] = &sb
}

// AddImage registers an image that Create can boot from.
func (m *MockProvider) AddImage(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.Now()
	m.Images[id] = &Snapshot{ID: id, Status: "created", CreatedAt: now, ExpiresAt: now.Add(7 * 24 * time.Hour)}
}

func (m *MockProvider) RemoveImage(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Images, id)
}

// Lookup returns a copy of the sandbox state.
func (m *MockProvider) Lookup(id string) (Sandbox, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb, ok := m.Sandboxes[id]
	if !ok {
		return Sandbox{}, false
	}
	return *sb, true
}

func (m *MockProvider) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	calls := make([]MockCall, len(m.CallLog))
	copy(calls, m.CallLog)
	return calls
}

// CallsFor returns the recorded calls of one method.
func (m *MockProvider) CallsFor(method string) []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var calls []MockCall
	for _, call := range m.CallLog {
		if call.Method == method {
			calls = append(calls, call)
		}
	}
	return calls
}

func (m *MockProvider) Create(ctx context.Context, req CreateRequest) (*Sandbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Create", req)

	if err := m.injected("Create", req.Source.ImageID); err != nil {
		return nil, err
	}
	if req.Source.Type == SourceImage {
		if _, ok := m.Images[req.Source.ImageID]; !ok {
			return nil, fmt.Errorf("create sandbox: %w", &APIError{StatusCode: 404, Code: "snapshot_not_found", Message: req.Source.ImageID})
		}
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = m.DefaultTimeout
	}
	m.seq++
	sb := &Sandbox{
		ID:            fmt.Sprintf("sbx-%04d", m.seq),
		Status:        StatusRunning,
		Timeout:       timeout,
		CreatedAt:     m.Now(),
		SourceImageID: req.Source.ImageID,
	}
	m.Sandboxes[sb.ID] = sb
	out := *sb
	return &out, nil
}

func (m *MockProvider) Get(ctx context.Context, id string) (*Sandbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Get", id)

	if err := m.injected("Get", id); err != nil {
		return nil, err
	}
	sb, ok := m.Sandboxes[id]
	if !ok {
		return nil, fmt.Errorf("get sandbox %s: %w", id, ErrNotFound)
	}
	out := *sb
	return &out, nil
}

func (m *MockProvider) Stop(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Stop", id)

	if err := m.injected("Stop", id); err != nil {
		return err
	}
	sb, ok := m.Sandboxes[id]
	if !ok {
		return fmt.Errorf("stop sandbox %s: %w", id, ErrNotFound)
	}
	sb.Status = StatusStopped
	return nil
}

func (m *MockProvider) Snapshot(ctx context.Context, id string) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Snapshot", id)

	if err := m.injected("Snapshot", id); err != nil {
		return nil, err
	}
	sb, ok := m.Sandboxes[id]
	if !ok {
		return nil, fmt.Errorf("snapshot sandbox %s: %w", id, ErrNotFound)
	}
	if sb.Status != StatusRunning {
		return nil, &APIError{StatusCode: 400, Code: "sandbox_not_running", Message: id}
	}
	sb.Status = StatusStopped

	m.seq++
	now := m.Now()
	snap := &Snapshot{
		ID:              fmt.Sprintf("img-%04d", m.seq),
		SourceSandboxID: id,
		Status:          "created",
		SizeBytes:       2 << 30,
		CreatedAt:       now,
		ExpiresAt:       now.Add(7 * 24 * time.Hour),
	}
	m.Images[snap.ID] = snap
	out := *snap
	return &out, nil
}

func (m *MockProvider) ExtendTimeout(ctx context.Context, id string, d time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("ExtendTimeout", id, d)

	if err := m.injected("ExtendTimeout", id); err != nil {
		return err
	}
	sb, ok := m.Sandboxes[id]
	if !ok || sb.Status != StatusRunning {
		return fmt.Errorf("extend sandbox %s: %w", id, ErrNotFound)
	}
	sb.Timeout += d
	return nil
}

func (m *MockProvider) List(ctx context.Context) ([]Sandbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("List")

	if err := m.injected("List", ""); err != nil {
		return nil, err
	}
	out := make([]Sandbox, 0, len(m.Sandboxes))
	for _, sb := range m.Sandboxes {
		out = append(out, *sb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MockProvider) RunCommand(ctx context.Context, id string, cmd Command) (*CommandResult, error) {
	m.mu.Lock()
	m.record("RunCommand", id, cmd)
	if err := m.injected("RunCommand", id); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	sb, ok := m.Sandboxes[id]
	if !ok || sb.Status != StatusRunning {
		m.mu.Unlock()
		return nil, fmt.Errorf("run in %s: %w", id, ErrNotFound)
	}
	hook := m.CommandHook
	m.mu.Unlock()

	if hook != nil {
		return hook(ctx, id, cmd)
	}
	return &CommandResult{}, nil
}

func (m *MockProvider) WriteFiles(ctx context.Context, id string, files []File) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("WriteFiles", id, files)

	if err := m.injected("WriteFiles", id); err != nil {
		return err
	}
	if _, ok := m.Sandboxes[id]; !ok {
		return fmt.Errorf("write files to %s: %w", id, ErrNotFound)
	}
	m.Files[id] = append(m.Files[id], files...)
	return nil
}

var _ API = (*MockProvider)(nil)
var _ API = (*Client)(nil)

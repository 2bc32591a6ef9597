package provider

import (
	"context"
	"time"
)

type Status string

const (
	StatusPending      Status = "pending"
	StatusRunning      Status = "running"
	StatusStopping     Status = "stopping"
	StatusStopped      Status = "stopped"
	StatusFailed       Status = "failed"
	StatusSnapshotting Status = "snapshotting"
)

// Sandbox is a live (or recently live) instance as reported by the API.
type Sandbox struct {
	ID            string        `json:"id"`
	Status        Status        `json:"status"`
	Timeout       time.Duration `json:"timeout"`
	CreatedAt     time.Time     `json:"created_at"`
	SourceImageID string        `json:"source_image_id,omitempty"`
}

// ExpiresAt is when the provider will kill the instance unless extended.
func (s Sandbox) ExpiresAt() time.Time {
	return s.CreatedAt.Add(s.Timeout)
}

// Remaining returns the time left before ExpiresAt.
func (s Sandbox) Remaining(now time.Time) time.Duration {
	return s.ExpiresAt().Sub(now)
}

type SourceType string

const (
	SourceScratch SourceType = "scratch"
	SourceImage   SourceType = "snapshot"
)

type Source struct {
	Type    SourceType
	ImageID string
}

func FromImage(imageID string) Source { return Source{Type: SourceImage, ImageID: imageID} }

func FromScratch() Source { return Source{Type: SourceScratch} }

type CreateRequest struct {
	Source  Source
	Timeout time.Duration
	Runtime string
	Ports   []int
}

// Snapshot is a reusable disk image produced from a sandbox. Taking a
// snapshot stops the source sandbox.
type Snapshot struct {
	ID              string    `json:"id"`
	SourceSandboxID string    `json:"source_sandbox_id"`
	Status          string    `json:"status"`
	SizeBytes       int64     `json:"size_bytes"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
}

type Command struct {
	Cmd  string
	Args []string
	Cwd  string
	Env  map[string]string
	Sudo bool
}

type CommandResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

type File struct {
	Path    string
	Content []byte
	Mode    int64
}

// API is the hosted provisioning service consumed by the fleet.
type API interface {
	Create(ctx context.Context, req CreateRequest) (*Sandbox, error)
	Get(ctx context.Context, id string) (*Sandbox, error)
	Stop(ctx context.Context, id string) error
	Snapshot(ctx context.Context, id string) (*Snapshot, error)
	ExtendTimeout(ctx context.Context, id string, d time.Duration) error
	List(ctx context.Context) ([]Sandbox, error)
	RunCommand(ctx context.Context, id string, cmd Command) (*CommandResult, error)
	WriteFiles(ctx context.Context, id string, files []File) error
}

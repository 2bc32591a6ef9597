package core

import (
	"errors"
	"fmt"
	"time"
)

// WorkspaceStatus is the persisted lifecycle state of a workspace.
// WorkspaceError is part of the model but no event produces it; rows in
// that state can still be resumed.
type WorkspaceStatus string

const (
	WorkspaceCreating    WorkspaceStatus = "creating"
	WorkspaceActive      WorkspaceStatus = "active"
	WorkspaceStopped     WorkspaceStatus = "stopped"
	WorkspaceSnapshotted WorkspaceStatus = "snapshotted"
	WorkspaceError       WorkspaceStatus = "error"
)

// Valid reports whether s is a known workspace status.
func (s WorkspaceStatus) Valid() bool {
	switch s {
	case WorkspaceCreating, WorkspaceActive, WorkspaceStopped, WorkspaceSnapshotted, WorkspaceError:
		return true
	}
	return false
}

type Workspace struct {
	ID         string          `json:"id"`
	OwnerID    string          `json:"owner_id"`
	Name       string          `json:"name"`
	Status     WorkspaceStatus `json:"status"`
	InstanceID *string         `json:"instance_id,omitempty"`
	ImageID    *string         `json:"image_id,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// WorkspaceEvent is an input to the workspace state machine.
type WorkspaceEvent string

const (
	EventAttach       WorkspaceEvent = "attach"
	EventSnapshot     WorkspaceEvent = "snapshot"
	EventStop         WorkspaceEvent = "stop"
	EventResume       WorkspaceEvent = "resume"
	EventAbort        WorkspaceEvent = "abort"
	EventLoseInstance WorkspaceEvent = "lose_instance"
)

var ErrIllegalTransition = errors.New("illegal workspace transition")

type transitionKey struct {
	from  WorkspaceStatus
	event WorkspaceEvent
}

var transitions = map[transitionKey]WorkspaceStatus{
	{WorkspaceCreating, EventAttach}:     WorkspaceActive,
	{WorkspaceActive, EventSnapshot}:     WorkspaceSnapshotted,
	{WorkspaceActive, EventStop}:         WorkspaceStopped,
	{WorkspaceStopped, EventResume}:      WorkspaceCreating,
	{WorkspaceSnapshotted, EventResume}:  WorkspaceCreating,
	{WorkspaceError, EventResume}:        WorkspaceCreating,
	{WorkspaceCreating, EventAbort}:      WorkspaceStopped,
	{WorkspaceActive, EventLoseInstance}: WorkspaceActive,
}

// Transition returns the status reached by applying event in state from.
func Transition(from WorkspaceStatus, event WorkspaceEvent) (WorkspaceStatus, error) {
	to, ok := transitions[transitionKey{from, event}]
	if !ok {
		return "", fmt.Errorf("%w: %s on %s", ErrIllegalTransition, event, from)
	}
	return to, nil
}

// Apply returns a copy of w with event applied. instanceID is required by
// attach and ignored otherwise; imageID replaces the image reference when
// non-nil (snapshot requires it).
func (w Workspace) Apply(event WorkspaceEvent, instanceID, imageID *string) (Workspace, error) {
	to, err := Transition(w.Status, event)
	if err != nil {
		return Workspace{}, err
	}
	next := w
	next.Status = to

	switch event {
	case EventAttach:
		if instanceID == nil || *instanceID == "" {
			return Workspace{}, fmt.Errorf("%w: attach without instance", ErrIllegalTransition)
		}
		next.InstanceID = instanceID
	case EventSnapshot:
		if imageID == nil || *imageID == "" {
			return Workspace{}, fmt.Errorf("%w: snapshot without image", ErrIllegalTransition)
		}
		next.InstanceID = nil
	default:
		next.InstanceID = nil
	}
	if imageID != nil {
		next.ImageID = imageID
	}
	return next, nil
}

// HasInstance reports whether the workspace currently has an attached instance.
func (w Workspace) HasInstance() bool {
	return w.InstanceID != nil && *w.InstanceID != ""
}

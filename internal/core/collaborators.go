package core

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/chap-sh/chap/internal/model"
)

// The deployment state machine consults these collaborators at Create time.
// Their failures are precondition errors, not system faults.

// ResourceRequest is one application's resource allocation.
type ResourceRequest struct {
	CPUMillis int64
	MemoryMB  int64
}

// ResourceValidator checks a new allocation against the parent's effective
// caps and the sibling applications already allocated under it.
type ResourceValidator interface {
	Fits(caps ResourceRequest, siblings map[string]ResourceRequest, req ResourceRequest) error
}

// PortAllocator reserves host ports on a node for one reservation id. A
// failed allocation releases any partially reserved ports before returning.
type PortAllocator interface {
	Allocate(ctx context.Context, reservationID string, nodeID int64, count int) ([]int, error)
	Release(ctx context.Context, reservationID string) error
}

// HookDecision is a pre-deploy hook's verdict.
type HookDecision int

const (
	// HookProceed lets deployment creation continue.
	HookProceed HookDecision = iota
	// HookWaiting halts creation and surfaces a prompt to the operator.
	HookWaiting
	// HookStopped fails creation with a validation error.
	HookStopped
)

// PredeployHook runs template scripting before a deployment is created.
// The second return value is the operator-facing prompt or reason.
type PredeployHook interface {
	Run(ctx context.Context, app *model.Application, payload json.RawMessage) (HookDecision, string, error)
}

// LivePusher is the "current process's node registry, possibly empty"
// abstraction: it delivers a task over a live session if this process holds
// one, and returns ErrNoSession otherwise.
type LivePusher interface {
	Push(ctx context.Context, nodeID int64, taskType string, payload json.RawMessage) error
}

// NoLive is the pusher for processes that hold no sessions at all.
type NoLive struct{}

func (NoLive) Push(context.Context, int64, string, json.RawMessage) error {
	return ErrNoSession
}

// NopHook is a PredeployHook that always proceeds.
type NopHook struct{}

func (NopHook) Run(context.Context, *model.Application, json.RawMessage) (HookDecision, string, error) {
	return HookProceed, "", nil
}

// OpenResources is a ResourceValidator that accepts any allocation.
type OpenResources struct{}

func (OpenResources) Fits(ResourceRequest, map[string]ResourceRequest, ResourceRequest) error {
	return nil
}

// NoPorts is the allocator for processes that never create deployments. It
// refuses any non-empty allocation instead of silently handing out nothing.
type NoPorts struct{}

func (NoPorts) Allocate(_ context.Context, _ string, _ int64, count int) ([]int, error) {
	if count <= 0 {
		return nil, nil
	}
	return nil, errors.New("no port allocator configured")
}

func (NoPorts) Release(context.Context, string) error { return nil }

// Copyright 2026 The buildfarm Authors
// SPDX-License-Identifier: MIT

package scheduler

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/oakmere/buildfarm/internal/agentrpc"
	"zombiezen.com/go/log"
)

// A BuilderRef describes one remote build agent known to the scheduler.
type BuilderRef struct {
	// ID names the builder in logs and registry operations.
	ID string
	// Socket is the path of the agent's RPC Unix socket.
	Socket string
}

// A BuilderBusyError reports an assignment to a builder
// that already has a job.
type BuilderBusyError struct {
	BuilderID string
	// JobID is the job already occupying the builder.
	JobID string
}

func (e *BuilderBusyError) Error() string {
	return fmt.Sprintf("builder %s busy with job %s", e.BuilderID, e.JobID)
}

type builderSlot struct {
	ref     BuilderRef
	jobID   string
	buildID string
}

// A Registry tracks the known builders,
// which job occupies each of them,
// and the mapping from in-flight build IDs to jobs.
// Methods on Registry are safe to call from multiple goroutines concurrently.
type Registry struct {
	mu      sync.Mutex
	slots   map[string]*builderSlot
	byBuild map[string]string // build ID → builder ID
}

// NewRegistry returns a [Registry] holding the given builders, all idle.
func NewRegistry(builders []BuilderRef) *Registry {
	r := &Registry{
		slots:   make(map[string]*builderSlot),
		byBuild: make(map[string]string),
	}
	for _, ref := range builders {
		r.slots[ref.ID] = &builderSlot{ref: ref}
	}
	return r
}

// Builders returns the registered builders sorted by ID.
func (r *Registry) Builders() []BuilderRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	refs := make([]BuilderRef, 0, len(r.slots))
	for _, id := range slices.Sorted(maps.Keys(r.slots)) {
		refs = append(refs, r.slots[id].ref)
	}
	return refs
}

// Assign gives the builder to a job.
// It fails with a [*BuilderBusyError] if the builder already has one.
func (r *Registry) Assign(jobID, builderID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot := r.slots[builderID]
	if slot == nil {
		return fmt.Errorf("assign job %s: unknown builder %s", jobID, builderID)
	}
	if slot.jobID != "" {
		return &BuilderBusyError{BuilderID: builderID, JobID: slot.jobID}
	}
	slot.jobID = jobID
	return nil
}

// AssignIdle gives some idle builder to a job and returns its reference.
// It fails with a [*BuilderBusyError] naming no builder if none is idle.
func (r *Registry) AssignIdle(jobID string) (BuilderRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range slices.Sorted(maps.Keys(r.slots)) {
		if slot := r.slots[id]; slot.jobID == "" {
			slot.jobID = jobID
			return slot.ref, nil
		}
	}
	return BuilderRef{}, &BuilderBusyError{}
}

// Bind records the build ID minted for the builder's current job.
func (r *Registry) Bind(builderID, buildID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot := r.slots[builderID]
	if slot == nil || slot.jobID == "" {
		return
	}
	slot.buildID = buildID
	r.byBuild[buildID] = builderID
}

// Lookup returns the job bound to a build ID.
func (r *Registry) Lookup(buildID string) (jobID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	builderID, ok := r.byBuild[buildID]
	if !ok {
		return "", false
	}
	return r.slots[builderID].jobID, true
}

// Release returns a builder to the idle pool after its job completes.
// Releasing an idle or unknown builder is a no-op.
func (r *Registry) Release(builderID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot := r.slots[builderID]
	if slot == nil {
		return
	}
	if slot.buildID != "" {
		delete(r.byBuild, slot.buildID)
	}
	slot.jobID = ""
	slot.buildID = ""
}

// RescueIfLost resets an agent whose self-reported build
// is not one the registry assigned,
// such as after a scheduler restart.
// A building agent is aborted before being cleaned;
// an agent reporting a recognized build (or none) is left alone.
func (r *Registry) RescueIfLost(ctx context.Context, builderID string, client *agentrpc.Client) error {
	st, err := client.Status(ctx)
	if err != nil {
		return fmt.Errorf("rescue builder %s: %w", builderID, err)
	}
	if st.BuilderStatus == agentrpc.StatusIdle {
		return nil
	}
	if _, ok := r.Lookup(st.BuildID); ok {
		return nil
	}
	log.Infof(ctx, "Rescuing builder %s from unrecognized build %q", builderID, st.BuildID)
	if st.BuilderStatus == agentrpc.StatusBuilding {
		if _, err := client.Abort(ctx); err != nil {
			return fmt.Errorf("rescue builder %s: %w", builderID, err)
		}
	}
	if _, err := client.Clean(ctx); err != nil {
		return fmt.Errorf("rescue builder %s: %w", builderID, err)
	}
	return nil
}

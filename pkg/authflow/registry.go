package authflow

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/entrhq/authkeeper/pkg/autherr"
)

// DefaultTTL is how long a flow is kept after it starts.
const DefaultTTL = 2 * time.Hour

// FlowStatus is the overall state of a flow.
type FlowStatus string

const (
	FlowInProgress FlowStatus = "in_progress"
	FlowCancelled  FlowStatus = "cancelled"
)

// PlatformStatus is one platform's position in the login state machine.
type PlatformStatus string

const (
	StatusPending    PlatformStatus = "pending"
	StatusInProgress PlatformStatus = "in_progress"
	StatusCompleted  PlatformStatus = "completed"
	StatusFailed     PlatformStatus = "failed"
)

// Terminal reports whether no further transition happens without a restart.
func (s PlatformStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// PlatformState tracks one platform within a flow.
type PlatformState struct {
	Platform  string         `json:"platform"`
	Status    PlatformStatus `json:"status"`
	Error     string         `json:"error,omitempty"`
	ErrorCode autherr.Code   `json:"error_code,omitempty"`
	Username  string         `json:"username,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Flow is one user-initiated, multi-platform authorization attempt.
type Flow struct {
	ID        string          `json:"auth_session_id"`
	UserID    int64           `json:"user_id"`
	ProjectID int64           `json:"project_id"`
	Platforms []PlatformState `json:"platforms"`
	StartedAt time.Time       `json:"started_at"`
	Status    FlowStatus      `json:"status"`
}

// Platform returns the state for id.
func (f *Flow) Platform(id string) (*PlatformState, bool) {
	for i := range f.Platforms {
		if f.Platforms[i].Platform == id {
			return &f.Platforms[i], true
		}
	}
	return nil, false
}

func (f *Flow) clone() *Flow {
	c := *f
	c.Platforms = append([]PlatformState(nil), f.Platforms...)
	return &c
}

// Registry holds in-memory flows. It is not persisted.
type Registry struct {
	mu    sync.Mutex
	flows map[string]*Flow
	ttl   time.Duration
	now   func() time.Time
}

// NewRegistry creates a registry expiring flows ttl after they start.
// A nil now uses time.Now.
func NewRegistry(ttl time.Duration, now func() time.Time) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Registry{flows: make(map[string]*Flow), ttl: ttl, now: now}
}

// Create registers a new flow with every platform pending.
func (r *Registry) Create(userID, projectID int64, platforms []string) *Flow {
	now := r.now()
	f := &Flow{
		ID:        uuid.New().String(),
		UserID:    userID,
		ProjectID: projectID,
		StartedAt: now,
		Status:    FlowInProgress,
	}
	for _, p := range platforms {
		f.Platforms = append(f.Platforms, PlatformState{Platform: p, Status: StatusPending, UpdatedAt: now})
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.flows[f.ID] = f
	return f.clone()
}

// Get returns a copy of the flow.
func (r *Registry) Get(id string) (*Flow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.flows[id]
	if !ok {
		return nil, autherr.Newf(autherr.CodeFlowNotFound, "auth flow %s not found", id)
	}
	return f.clone(), nil
}

// Update applies fn to one platform's state and stamps it.
func (r *Registry) Update(id, platform string, fn func(*PlatformState)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.flows[id]
	if !ok {
		return autherr.Newf(autherr.CodeFlowNotFound, "auth flow %s not found", id)
	}
	ps, ok := f.Platform(platform)
	if !ok {
		return autherr.Newf(autherr.CodePlatformNotInList, "platform %s is not part of auth flow %s", platform, id)
	}
	fn(ps)
	ps.UpdatedAt = r.now()
	return nil
}

// SetStatus changes the flow's overall status.
func (r *Registry) SetStatus(id string, status FlowStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.flows[id]
	if !ok {
		return autherr.Newf(autherr.CodeFlowNotFound, "auth flow %s not found", id)
	}
	f.Status = status
	return nil
}

// Remove forgets a flow.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.flows, id)
}

// Expired lists flows started more than the TTL ago, oldest first.
func (r *Registry) Expired() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.ttl)
	var ids []string
	for id, f := range r.flows {
		if f.StartedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		return r.flows[ids[i]].StartedAt.Before(r.flows[ids[j]].StartedAt)
	})
	return ids
}

// Sweep removes expired flows and returns their IDs. When set, evict runs
// for each flow before it is removed, without the registry lock held.
func (r *Registry) Sweep(evict func(id string)) []string {
	ids := r.Expired()
	for _, id := range ids {
		if evict != nil {
			evict(id)
		}
		r.Remove(id)
	}
	return ids
}

// Len returns the number of tracked flows.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.flows)
}

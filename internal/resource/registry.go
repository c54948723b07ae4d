package resource

import (
	"sort"
	"time"

	"github.com/kylemclaren/taskfab/internal/model"
)

// Registry is the authoritative store of resources and their runtime status.
// It is the only place that decides whether a resource is reserved.
//
// Registry is not safe for concurrent use; the engine serialises access.
type Registry struct {
	resources map[string]*Resource
	byType    map[string]map[string]struct{}
	byCap     map[string]map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		resources: make(map[string]*Resource),
		byType:    make(map[string]map[string]struct{}),
		byCap:     make(map[string]map[string]struct{}),
	}
}

// Register adds r. New resources start with status unknown unless r says otherwise.
func (g *Registry) Register(r Resource) error {
	if r.ID == "" {
		return model.InvalidRequest("resource id is required")
	}
	if r.Type == "" {
		return model.InvalidRequest("resource %q has no type", r.ID)
	}
	if _, ok := g.resources[r.ID]; ok {
		return &model.DuplicateIDError{Kind: "resource", ID: r.ID}
	}
	r = r.Clone()
	r.Capabilities = NewCapabilities(r.Capabilities...)
	if r.Status == "" {
		r.Status = StatusUnknown
	}
	g.resources[r.ID] = &r
	g.index(&r)
	return nil
}

// Lookup returns a copy of the resource.
func (g *Registry) Lookup(id string) (Resource, error) {
	r, ok := g.resources[id]
	if !ok {
		return Resource{}, model.NotFound("resource", id)
	}
	return r.Clone(), nil
}

// Has reports whether id is registered.
func (g *Registry) Has(id string) bool {
	_, ok := g.resources[id]
	return ok
}

// Update replaces the capabilities and description of a resource, keeping
// the indexes current.
func (g *Registry) Update(id string, caps Capabilities, description string) error {
	r, ok := g.resources[id]
	if !ok {
		return model.NotFound("resource", id)
	}
	g.unindex(r)
	r.Capabilities = NewCapabilities(caps...)
	r.Description = description
	g.index(r)
	return nil
}

// Remove deletes a resource that no task or job holds.
func (g *Registry) Remove(id string) error {
	r, ok := g.resources[id]
	if !ok {
		return model.NotFound("resource", id)
	}
	if r.Holder != nil {
		kind := "task"
		if r.Holder.TaskName == "" {
			kind = "job"
		}
		return &model.RecordInUseError{Kind: "resource", ID: id, RefKind: kind, RefIDs: []string{r.Holder.String()}}
	}
	g.unindex(r)
	delete(g.resources, id)
	return nil
}

// OfType lists the ids of all resources of typeID in ascending order.
func (g *Registry) OfType(typeID string) []string {
	return sortedKeys(g.byType[typeID])
}

// WithCapability lists the ids of all resources declaring token.
func (g *Registry) WithCapability(token string) []string {
	return sortedKeys(g.byCap[token])
}

// List returns copies of every resource ordered by id.
func (g *Registry) List() []Resource {
	out := make([]Resource, 0, len(g.resources))
	for _, r := range g.resources {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len is the number of registered resources.
func (g *Registry) Len() int {
	return len(g.resources)
}

// SetSuspend suspends or resumes a resource, recording the acting user.
func (g *Registry) SetSuspend(id string, suspended bool, user string) error {
	r, ok := g.resources[id]
	if !ok {
		return model.NotFound("resource", id)
	}
	r.Suspended = suspended
	if suspended {
		r.SuspendedBy = user
	} else {
		r.SuspendedBy = ""
	}
	return nil
}

// SetConnectionStatus moves a resource to status. Entering StatusLost drops
// the reservation on the resource and returns it so the caller can put the
// holder back in line.
func (g *Registry) SetConnectionStatus(id string, status ConnectionStatus) (*Reservation, error) {
	r, ok := g.resources[id]
	if !ok {
		return nil, model.NotFound("resource", id)
	}
	if !isAllowedStatusTransition(r.Status, status) {
		return nil, model.InvalidRequest("resource %q cannot go from %s to %s", id, r.Status, status)
	}
	r.Status = status
	if status != StatusLost || r.Holder == nil {
		return nil, nil
	}
	released := *r.Holder
	r.Holder = nil
	return &released, nil
}

// RequestExit flags a resource so its agent shuts down after the current task.
func (g *Registry) RequestExit(id string) error {
	r, ok := g.resources[id]
	if !ok {
		return model.NotFound("resource", id)
	}
	r.ExitRequested = true
	return nil
}

// Touch records a sync from the resource's agent.
func (g *Registry) Touch(id string, now time.Time) error {
	r, ok := g.resources[id]
	if !ok {
		return model.NotFound("resource", id)
	}
	r.LastSync = now
	return nil
}

// Reserve gives holder every resource in ids, or none of them. A resource
// already held by the same holder may be reserved again.
func (g *Registry) Reserve(holder Reservation, ids ...string) error {
	for _, id := range ids {
		r, ok := g.resources[id]
		if !ok {
			return model.NotFound("resource", id)
		}
		if r.Status != StatusConnected {
			return model.InvalidRequest("resource %q is %s", id, r.Status)
		}
		if r.Suspended {
			return model.InvalidRequest("resource %q is suspended", id)
		}
		if r.Holder != nil && *r.Holder != holder {
			return model.InvalidRequest("resource %q is held by %s", id, r.Holder)
		}
	}
	for _, id := range ids {
		h := holder
		g.resources[id].Holder = &h
	}
	return nil
}

// Release frees the resources in ids that holder holds and returns their ids.
func (g *Registry) Release(holder Reservation, ids ...string) []string {
	var released []string
	for _, id := range ids {
		r, ok := g.resources[id]
		if !ok || r.Holder == nil || *r.Holder != holder {
			continue
		}
		r.Holder = nil
		released = append(released, id)
	}
	return released
}

// ReleaseJob frees every resource reserved for the whole of jobID.
func (g *Registry) ReleaseJob(jobID string) []string {
	var released []string
	for id, r := range g.resources {
		if r.Holder != nil && r.Holder.JobID == jobID && r.Holder.TaskName == "" {
			r.Holder = nil
			released = append(released, id)
		}
	}
	sort.Strings(released)
	return released
}

// HeldBy lists the ids of resources reserved by holder.
func (g *Registry) HeldBy(holder Reservation) []string {
	var out []string
	for id, r := range g.resources {
		if r.Holder != nil && *r.Holder == holder {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Candidates returns the resources of typeID that may be offered to the
// scheduler: connected, not suspended and not asked to exit. Reserved
// resources are included; the caller decides whether a holder may share.
// The order is ascending by id.
func (g *Registry) Candidates(typeID string) []Resource {
	ids := g.OfType(typeID)
	out := make([]Resource, 0, len(ids))
	for _, id := range ids {
		r := g.resources[id]
		if r.Status != StatusConnected || r.Suspended || r.ExitRequested {
			continue
		}
		out = append(out, r.Clone())
	}
	return out
}

func (g *Registry) index(r *Resource) {
	addTo(g.byType, r.Type, r.ID)
	for _, tok := range r.Capabilities {
		addTo(g.byCap, tok, r.ID)
	}
}

func (g *Registry) unindex(r *Resource) {
	removeFrom(g.byType, r.Type, r.ID)
	for _, tok := range r.Capabilities {
		removeFrom(g.byCap, tok, r.ID)
	}
}

func addTo(idx map[string]map[string]struct{}, key, id string) {
	set, ok := idx[key]
	if !ok {
		set = make(map[string]struct{})
		idx[key] = set
	}
	set[id] = struct{}{}
}

func removeFrom(idx map[string]map[string]struct{}, key, id string) {
	set, ok := idx[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(idx, key)
	}
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

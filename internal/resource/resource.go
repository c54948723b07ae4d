package resource

import (
	"fmt"
	"slices"
	"time"
)

// TaskRunnerType is the reserved resource type of Task Runner agents. Every
// task claims exactly one of them and holds it exclusively while running.
const TaskRunnerType = "taskrunner"

// Type describes a class of resources.
type Type struct {
	ID          string `json:"id" yaml:"id"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	// PerTask resources are held exclusively while one task runs.
	PerTask bool `json:"per_task,omitempty" yaml:"per_task,omitempty"`
	// PerJob resources are held exclusively by one job until it is final.
	PerJob bool `json:"per_job,omitempty" yaml:"per_job,omitempty"`
}

// Exclusive reports whether resources of this type are reserved by their users.
func (t Type) Exclusive() bool {
	return t.PerTask || t.PerJob || t.ID == TaskRunnerType
}

// ConnectionStatus is the liveness of a resource as seen by the engine.
type ConnectionStatus string

const (
	StatusUnknown   ConnectionStatus = "unknown"
	StatusConnected ConnectionStatus = "connected"
	StatusWarning   ConnectionStatus = "warning"
	StatusLost      ConnectionStatus = "lost"
)

// ParseConnectionStatus validates s.
func ParseConnectionStatus(s string) (ConnectionStatus, error) {
	switch st := ConnectionStatus(s); st {
	case StatusUnknown, StatusConnected, StatusWarning, StatusLost:
		return st, nil
	}
	return "", fmt.Errorf("unknown connection status %q", s)
}

func isAllowedStatusTransition(from, to ConnectionStatus) bool {
	if from == to || to == StatusConnected {
		return true
	}
	switch from {
	case StatusConnected, StatusWarning:
		return to == StatusWarning || to == StatusLost
	case StatusUnknown:
		return to == StatusLost
	}
	return false
}

// Reservation names the holder of an exclusive resource. An empty TaskName
// means the resource is held for the whole job.
type Reservation struct {
	JobID    string `json:"job_id"`
	TaskName string `json:"task_name,omitempty"`
}

func (r Reservation) String() string {
	if r.TaskName == "" {
		return r.JobID
	}
	return r.JobID + "/" + r.TaskName
}

// Resource is anything a task may claim, Task Runners included.
type Resource struct {
	ID            string           `json:"id" yaml:"id"`
	Type          string           `json:"type" yaml:"type"`
	Capabilities  Capabilities     `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Description   string           `json:"description,omitempty" yaml:"description,omitempty"`
	Status        ConnectionStatus `json:"status" yaml:"-"`
	Suspended     bool             `json:"suspended" yaml:"suspended,omitempty"`
	SuspendedBy   string           `json:"suspended_by,omitempty" yaml:"-"`
	ExitRequested bool             `json:"exit_requested,omitempty" yaml:"-"`
	LastSync      time.Time        `json:"last_sync,omitzero" yaml:"-"`
	Holder        *Reservation     `json:"holder,omitempty" yaml:"-"`
}

// IsTaskRunner reports whether r is a Task Runner agent.
func (r Resource) IsTaskRunner() bool {
	return r.Type == TaskRunnerType
}

// Clone returns a deep copy.
func (r Resource) Clone() Resource {
	r.Capabilities = slices.Clone(r.Capabilities)
	if r.Holder != nil {
		h := *r.Holder
		r.Holder = &h
	}
	return r
}

package template

import (
	"time"

	"github.com/kylemclaren/taskfab/internal/resource"
)

// LocatorType says how a product value should be interpreted.
type LocatorType string

const (
	LocatorString LocatorType = "string"
	LocatorURL    LocatorType = "url"
	LocatorToken  LocatorType = "token"
)

// Product is an artifact passed between tasks.
type Product struct {
	ID          string      `json:"id" yaml:"id"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Locator     LocatorType `json:"locator" yaml:"locator"`
	// Local products are only visible to the Task Runner that produced them.
	Local bool `json:"local,omitempty" yaml:"local,omitempty"`
	// Combined products collect the outputs of every producer.
	Combined bool `json:"combined,omitempty" yaml:"combined,omitempty"`
}

// Node is a template that carries a resource claim.
type Node interface {
	ResourceClaim() resource.Claim
}

// Framework is the parent template of task definitions. It fixes the products
// a task consumes and produces.
type Framework struct {
	ID          string         `json:"id" yaml:"id"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Inputs      []string       `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs     []string       `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Claim       resource.Claim `json:"claim,omitempty" yaml:"claim,omitempty"`
	// Inspect holds reported results until an operator reviews them.
	Inspect bool `json:"inspect,omitempty" yaml:"inspect,omitempty"`
	// Extract queues a shadow run that extracts data after completion.
	Extract bool `json:"extract,omitempty" yaml:"extract,omitempty"`
}

func (f Framework) ResourceClaim() resource.Claim {
	return resource.NewClaim(f.Claim...)
}

// TaskDefinition specialises one Framework.
type TaskDefinition struct {
	ID          string         `json:"id" yaml:"id"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Framework   string         `json:"framework" yaml:"framework"`
	Claim       resource.Claim `json:"claim,omitempty" yaml:"claim,omitempty"`
	// Timeout in minutes; zero disables it.
	Timeout int `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	// Params are defaults; an empty value marks a parameter that must be
	// supplied by the configuration or at job creation.
	Params map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
}

func (d TaskDefinition) ResourceClaim() resource.Claim {
	return resource.NewClaim(d.Claim...)
}

// TimeoutDuration converts Timeout to a duration.
func (d TaskDefinition) TimeoutDuration() time.Duration {
	return time.Duration(d.Timeout) * time.Minute
}

// ConfigTask selects a task definition for a configuration.
type ConfigTask struct {
	Name   string            `json:"name" yaml:"name"`
	Params map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
}

// Configuration is a stored recipe from which jobs are created.
type Configuration struct {
	ID      string `json:"id" yaml:"id"`
	Owner   string `json:"owner,omitempty" yaml:"owner,omitempty"`
	Comment string `json:"comment,omitempty" yaml:"comment,omitempty"`
	// Targets fan a configuration out: one job per target.
	Targets  []string          `json:"targets,omitempty" yaml:"targets,omitempty"`
	Tasks    []ConfigTask      `json:"tasks" yaml:"tasks"`
	Products map[string]string `json:"products,omitempty" yaml:"products,omitempty"`
	Params   map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
}

package engine

import (
	"context"

	"github.com/kylemclaren/taskfab/internal/model"
)

// DeleteResourceType removes a resource type that no framework, task
// definition or resource refers to.
func (s *State) DeleteResourceType(_ context.Context, id string) error {
	if err := s.graph.CheckDeleteResourceType(id); err != nil {
		return err
	}
	if ids := s.registry.OfType(id); len(ids) > 0 {
		return &model.RecordInUseError{Kind: "resource type", ID: id, RefKind: "resource", RefIDs: ids}
	}
	return s.graph.DeleteResourceType(id)
}

// DeleteProduct removes a product no framework uses.
func (s *State) DeleteProduct(_ context.Context, id string) error {
	return s.graph.DeleteProduct(id)
}

// DeleteFramework removes a framework no task definition inherits from.
func (s *State) DeleteFramework(_ context.Context, id string) error {
	return s.graph.DeleteFramework(id)
}

// DeleteTaskDefinition removes a task definition no configuration uses.
func (s *State) DeleteTaskDefinition(_ context.Context, id string) error {
	return s.graph.DeleteTaskDefinition(id)
}

// DeleteConfiguration removes a configuration. Schedules that still name it
// fail when they next fire.
func (s *State) DeleteConfiguration(_ context.Context, id string) error {
	return s.graph.DeleteConfiguration(id)
}

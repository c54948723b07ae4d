package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/kylemclaren/taskfab/internal/engine"
	"github.com/kylemclaren/taskfab/internal/model"
	"github.com/kylemclaren/taskfab/internal/resource"
	"github.com/kylemclaren/taskfab/internal/schedule"
	"github.com/kylemclaren/taskfab/internal/template"

	"gopkg.in/yaml.v3"
)

// Definitions is the document describing the execution templates plus the
// resources and schedules to create when they do not exist yet.
type Definitions struct {
	ResourceTypes   []resource.Type           `yaml:"resource_types"`
	Products        []template.Product        `yaml:"products"`
	Frameworks      []template.Framework      `yaml:"frameworks"`
	TaskDefinitions []template.TaskDefinition `yaml:"task_definitions"`
	Configurations  []template.Configuration  `yaml:"configurations"`
	Resources       []resource.Resource       `yaml:"resources"`
	Schedules       []schedule.Schedule       `yaml:"schedules"`
}

// ReadDefinitions decodes the definitions file at path.
func ReadDefinitions(path string) (*Definitions, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening definitions: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	defs, err := DecodeDefinitions(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return defs, nil
}

// DecodeDefinitions decodes a definitions document. Unknown keys are errors;
// an empty document yields empty definitions.
func DecodeDefinitions(r io.Reader) (*Definitions, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var defs Definitions
	if err := dec.Decode(&defs); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decoding definitions: %w", err)
	}
	return &defs, nil
}

// Graph builds the template graph. Records are added in dependency order, so
// every reference must name a record defined in the document.
func (d *Definitions) Graph() (*template.Graph, error) {
	g := template.NewGraph()
	for _, t := range d.ResourceTypes {
		if err := g.AddResourceType(t); err != nil {
			return nil, fmt.Errorf("resource type %q: %w", t.ID, err)
		}
	}
	for _, p := range d.Products {
		if err := g.AddProduct(p); err != nil {
			return nil, fmt.Errorf("product %q: %w", p.ID, err)
		}
	}
	for _, f := range d.Frameworks {
		if err := g.AddFramework(f); err != nil {
			return nil, fmt.Errorf("framework %q: %w", f.ID, err)
		}
	}
	for _, td := range d.TaskDefinitions {
		if err := g.AddTaskDefinition(td); err != nil {
			return nil, fmt.Errorf("task definition %q: %w", td.ID, err)
		}
	}
	for _, c := range d.Configurations {
		if err := g.AddConfiguration(c); err != nil {
			return nil, fmt.Errorf("configuration %q: %w", c.ID, err)
		}
	}
	for _, sc := range d.Schedules {
		if err := sc.Validate(); err != nil {
			return nil, err
		}
		if _, ok := g.Configuration(sc.ConfigID); !ok {
			return nil, fmt.Errorf("schedule %q: configuration %q does not exist", sc.ID, sc.ConfigID)
		}
	}
	return g, nil
}

// Seed registers the listed resources and schedules that s does not know
// yet. Records restored from the database win over the document.
func (d *Definitions) Seed(ctx context.Context, s *engine.State) error {
	for _, r := range d.Resources {
		err := s.RegisterResource(ctx, r)
		switch {
		case errors.Is(err, model.ErrDuplicateID):
			slog.DebugContext(ctx, "resource already known", "resource", r.ID)
		case err != nil:
			return fmt.Errorf("seeding resource %q: %w", r.ID, err)
		}
	}
	for _, sc := range d.Schedules {
		err := s.AddSchedule(ctx, sc)
		switch {
		case errors.Is(err, model.ErrDuplicateID):
			slog.DebugContext(ctx, "schedule already known", "schedule", sc.ID)
		case err != nil:
			return fmt.Errorf("seeding schedule %q: %w", sc.ID, err)
		}
	}
	return nil
}

package template

import (
	"sort"

	"github.com/kylemclaren/taskfab/internal/model"
	"github.com/kylemclaren/taskfab/internal/resource"
)

type refIndex map[string]map[string]struct{}

func (idx refIndex) add(target, user string) {
	set, ok := idx[target]
	if !ok {
		set = make(map[string]struct{})
		idx[target] = set
	}
	set[user] = struct{}{}
}

func (idx refIndex) remove(target, user string) {
	if set, ok := idx[target]; ok {
		delete(set, user)
		if len(set) == 0 {
			delete(idx, target)
		}
	}
}

func (idx refIndex) users(target string) []string {
	set := idx[target]
	out := make([]string, 0, len(set))
	for u := range set {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Graph stores the execution templates and keeps reverse reference indexes
// so deletes can be refused while a record is still referenced.
//
// Graph is not safe for concurrent use.
type Graph struct {
	types      map[string]resource.Type
	products   map[string]Product
	frameworks map[string]Framework
	defs       map[string]TaskDefinition
	configs    map[string]Configuration

	typeByFramework refIndex
	typeByDef       refIndex
	productByFw     refIndex
	fwByDef         refIndex
	defByConfig     refIndex
}

// NewGraph returns a graph holding only the Task Runner resource type.
func NewGraph() *Graph {
	g := &Graph{
		types:           make(map[string]resource.Type),
		products:        make(map[string]Product),
		frameworks:      make(map[string]Framework),
		defs:            make(map[string]TaskDefinition),
		configs:         make(map[string]Configuration),
		typeByFramework: make(refIndex),
		typeByDef:       make(refIndex),
		productByFw:     make(refIndex),
		fwByDef:         make(refIndex),
		defByConfig:     make(refIndex),
	}
	g.types[resource.TaskRunnerType] = resource.Type{
		ID:          resource.TaskRunnerType,
		Description: "Task Runner agent",
		PerTask:     true,
	}
	return g
}

// AddResourceType registers a resource type.
func (g *Graph) AddResourceType(t resource.Type) error {
	if t.ID == "" {
		return model.InvalidRequest("resource type id is required")
	}
	if _, ok := g.types[t.ID]; ok {
		return &model.DuplicateIDError{Kind: "resource type", ID: t.ID}
	}
	if t.PerTask && t.PerJob {
		return model.InvalidRequest("resource type %q cannot be both per task and per job", t.ID)
	}
	g.types[t.ID] = t
	return nil
}

// ResourceType looks up a resource type.
func (g *Graph) ResourceType(id string) (resource.Type, bool) {
	t, ok := g.types[id]
	return t, ok
}

// ResourceTypes lists all resource types ordered by id.
func (g *Graph) ResourceTypes() []resource.Type {
	out := make([]resource.Type, 0, len(g.types))
	for _, t := range g.types {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// CheckDeleteResourceType reports why id cannot be deleted, if anything.
func (g *Graph) CheckDeleteResourceType(id string) error {
	if id == resource.TaskRunnerType {
		return model.InvalidRequest("resource type %q is reserved", id)
	}
	if _, ok := g.types[id]; !ok {
		return model.NotFound("resource type", id)
	}
	if users := g.typeByFramework.users(id); len(users) > 0 {
		return &model.RecordInUseError{Kind: "resource type", ID: id, RefKind: "framework", RefIDs: users}
	}
	if users := g.typeByDef.users(id); len(users) > 0 {
		return &model.RecordInUseError{Kind: "resource type", ID: id, RefKind: "task definition", RefIDs: users}
	}
	return nil
}

// DeleteResourceType removes a type no framework or task definition claims.
// Resources of the type are checked by the caller, which owns the registry.
func (g *Graph) DeleteResourceType(id string) error {
	if err := g.CheckDeleteResourceType(id); err != nil {
		return err
	}
	delete(g.types, id)
	return nil
}

// AddProduct registers a product.
func (g *Graph) AddProduct(p Product) error {
	if p.ID == "" {
		return model.InvalidRequest("product id is required")
	}
	if _, ok := g.products[p.ID]; ok {
		return &model.DuplicateIDError{Kind: "product", ID: p.ID}
	}
	switch p.Locator {
	case "":
		p.Locator = LocatorString
	case LocatorString, LocatorURL, LocatorToken:
	default:
		return model.InvalidRequest("product %q has unknown locator type %q", p.ID, p.Locator)
	}
	g.products[p.ID] = p
	return nil
}

// Product looks up a product.
func (g *Graph) Product(id string) (Product, bool) {
	p, ok := g.products[id]
	return p, ok
}

// DeleteProduct removes a product no framework uses.
func (g *Graph) DeleteProduct(id string) error {
	if _, ok := g.products[id]; !ok {
		return model.NotFound("product", id)
	}
	if users := g.productByFw.users(id); len(users) > 0 {
		return &model.RecordInUseError{Kind: "product", ID: id, RefKind: "framework", RefIDs: users}
	}
	delete(g.products, id)
	return nil
}

func (g *Graph) checkClaim(owner string, c resource.Claim) error {
	for _, s := range c {
		if _, ok := g.types[s.Type]; !ok {
			return model.InvalidRequest("%s claims unknown resource type %q", owner, s.Type)
		}
	}
	return nil
}

// AddFramework registers a framework whose products and claimed types exist.
func (g *Graph) AddFramework(f Framework) error {
	if f.ID == "" {
		return model.InvalidRequest("framework id is required")
	}
	if _, ok := g.frameworks[f.ID]; ok {
		return &model.DuplicateIDError{Kind: "framework", ID: f.ID}
	}
	for _, p := range append(append([]string(nil), f.Inputs...), f.Outputs...) {
		if _, ok := g.products[p]; !ok {
			return model.InvalidRequest("framework %q uses unknown product %q", f.ID, p)
		}
	}
	for _, in := range f.Inputs {
		for _, out := range f.Outputs {
			if in == out {
				return model.InvalidRequest("framework %q both consumes and produces %q", f.ID, in)
			}
		}
	}
	f.Claim = resource.NewClaim(f.Claim...)
	if err := g.checkClaim("framework "+f.ID, f.Claim); err != nil {
		return err
	}
	g.frameworks[f.ID] = f
	for _, s := range f.Claim {
		g.typeByFramework.add(s.Type, f.ID)
	}
	for _, p := range f.Inputs {
		g.productByFw.add(p, f.ID)
	}
	for _, p := range f.Outputs {
		g.productByFw.add(p, f.ID)
	}
	return nil
}

// Framework looks up a framework.
func (g *Graph) Framework(id string) (Framework, bool) {
	f, ok := g.frameworks[id]
	return f, ok
}

// DeleteFramework removes a framework that no task definition inherits from.
func (g *Graph) DeleteFramework(id string) error {
	f, ok := g.frameworks[id]
	if !ok {
		return model.NotFound("framework", id)
	}
	if users := g.fwByDef.users(id); len(users) > 0 {
		return &model.RecordInUseError{Kind: "framework", ID: id, RefKind: "task definition", RefIDs: users}
	}
	for _, s := range f.Claim {
		g.typeByFramework.remove(s.Type, id)
	}
	for _, p := range f.Inputs {
		g.productByFw.remove(p, id)
	}
	for _, p := range f.Outputs {
		g.productByFw.remove(p, id)
	}
	delete(g.frameworks, id)
	return nil
}

// AddTaskDefinition registers a task definition under an existing framework.
func (g *Graph) AddTaskDefinition(d TaskDefinition) error {
	if d.ID == "" {
		return model.InvalidRequest("task definition id is required")
	}
	if _, ok := g.defs[d.ID]; ok {
		return &model.DuplicateIDError{Kind: "task definition", ID: d.ID}
	}
	if _, ok := g.frameworks[d.Framework]; !ok {
		return model.InvalidRequest("task definition %q inherits from unknown framework %q", d.ID, d.Framework)
	}
	if d.Timeout < 0 {
		return model.InvalidRequest("task definition %q has a negative timeout", d.ID)
	}
	d.Claim = resource.NewClaim(d.Claim...)
	if err := g.checkClaim("task definition "+d.ID, d.Claim); err != nil {
		return err
	}
	g.defs[d.ID] = d
	g.fwByDef.add(d.Framework, d.ID)
	for _, s := range d.Claim {
		g.typeByDef.add(s.Type, d.ID)
	}
	return nil
}

// TaskDefinition looks up a task definition.
func (g *Graph) TaskDefinition(id string) (TaskDefinition, bool) {
	d, ok := g.defs[id]
	return d, ok
}

// DeleteTaskDefinition removes a task definition no configuration uses.
func (g *Graph) DeleteTaskDefinition(id string) error {
	d, ok := g.defs[id]
	if !ok {
		return model.NotFound("task definition", id)
	}
	if users := g.defByConfig.users(id); len(users) > 0 {
		return &model.RecordInUseError{Kind: "task definition", ID: id, RefKind: "configuration", RefIDs: users}
	}
	g.fwByDef.remove(d.Framework, id)
	for _, s := range d.Claim {
		g.typeByDef.remove(s.Type, id)
	}
	delete(g.defs, id)
	return nil
}

// EffectiveClaim merges a task definition's claim over its framework's.
func (g *Graph) EffectiveClaim(defID string) (resource.Claim, error) {
	d, ok := g.defs[defID]
	if !ok {
		return nil, model.NotFound("task definition", defID)
	}
	f, ok := g.frameworks[d.Framework]
	if !ok {
		return nil, model.Internalf("task definition %q lost its framework %q", defID, d.Framework)
	}
	return mergeClaims(f, d), nil
}

func mergeClaims(nodes ...Node) resource.Claim {
	var out resource.Claim
	for _, n := range nodes {
		out = out.Merge(n.ResourceClaim())
	}
	return out
}

// AddConfiguration registers a configuration whose tasks all exist.
func (g *Graph) AddConfiguration(c Configuration) error {
	if c.ID == "" {
		return model.InvalidRequest("configuration id is required")
	}
	if _, ok := g.configs[c.ID]; ok {
		return &model.DuplicateIDError{Kind: "configuration", ID: c.ID}
	}
	if len(c.Tasks) == 0 {
		return model.InvalidRequest("configuration %q has no tasks", c.ID)
	}
	seen := make(map[string]struct{}, len(c.Tasks))
	for _, t := range c.Tasks {
		if _, ok := g.defs[t.Name]; !ok {
			return model.InvalidRequest("configuration %q uses unknown task definition %q", c.ID, t.Name)
		}
		if _, dup := seen[t.Name]; dup {
			return model.InvalidRequest("configuration %q lists task %q twice", c.ID, t.Name)
		}
		seen[t.Name] = struct{}{}
	}
	for p := range c.Products {
		if _, ok := g.products[p]; !ok {
			return model.InvalidRequest("configuration %q binds unknown product %q", c.ID, p)
		}
	}
	g.configs[c.ID] = c
	for _, t := range c.Tasks {
		g.defByConfig.add(t.Name, c.ID)
	}
	return nil
}

// Configuration looks up a configuration.
func (g *Graph) Configuration(id string) (Configuration, bool) {
	c, ok := g.configs[id]
	return c, ok
}

// Configurations lists all configurations ordered by id.
func (g *Graph) Configurations() []Configuration {
	out := make([]Configuration, 0, len(g.configs))
	for _, c := range g.configs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DeleteConfiguration removes a configuration. Schedules referring to it
// fail validation when they next trigger.
func (g *Graph) DeleteConfiguration(id string) error {
	c, ok := g.configs[id]
	if !ok {
		return model.NotFound("configuration", id)
	}
	for _, t := range c.Tasks {
		g.defByConfig.remove(t.Name, id)
	}
	delete(g.configs, id)
	return nil
}

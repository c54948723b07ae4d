package resource

import (
	"slices"
	"sort"
	"strings"
)

// Capabilities is a normalised set of capability tokens: sorted, without
// duplicates or blanks. Build it with NewCapabilities.
type Capabilities []string

// NewCapabilities normalises tokens into a Capabilities set.
func NewCapabilities(tokens ...string) Capabilities {
	seen := make(map[string]struct{}, len(tokens))
	out := make(Capabilities, 0, len(tokens))
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if _, ok := seen[tok]; ok {
			continue
		}
		seen[tok] = struct{}{}
		out = append(out, tok)
	}
	sort.Strings(out)
	return out
}

// Covers is the superset test: every required token is present in c.
// Neither side needs to be normalised.
func (c Capabilities) Covers(required Capabilities) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(c))
	for _, tok := range c {
		have[tok] = struct{}{}
	}
	for _, tok := range required {
		if _, ok := have[tok]; !ok {
			return false
		}
	}
	return true
}

// Union returns the normalised union of both sets.
func (c Capabilities) Union(other Capabilities) Capabilities {
	all := make([]string, 0, len(c)+len(other))
	all = append(all, c...)
	all = append(all, other...)
	return NewCapabilities(all...)
}

// Spec requires Count resources of Type, each covering Capabilities.
// An empty capability set means any resource of the type.
type Spec struct {
	Type         string       `json:"type" yaml:"type"`
	Capabilities Capabilities `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Count        int          `json:"count,omitempty" yaml:"count,omitempty"`
}

// Quantity is Count with the default of one applied.
func (s Spec) Quantity() int {
	if s.Count <= 0 {
		return 1
	}
	return s.Count
}

// Claim is an immutable resource requirement: at most one Spec per resource
// type, ordered by type. Methods never modify the receiver.
type Claim []Spec

// NewClaim normalises specs; specs naming the same type are merged.
func NewClaim(specs ...Spec) Claim {
	var c Claim
	for _, s := range specs {
		c = c.with(s)
	}
	return c
}

func (c Claim) with(s Spec) Claim {
	s.Capabilities = NewCapabilities(s.Capabilities...)
	s.Count = s.Quantity()
	out := slices.Clone(c)
	for i, cur := range out {
		if cur.Type == s.Type {
			out[i] = Spec{
				Type:         s.Type,
				Capabilities: cur.Capabilities.Union(s.Capabilities),
				Count:        max(cur.Quantity(), s.Quantity()),
			}
			return out
		}
	}
	out = append(out, s)
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Merge composes two claims. Requirements on the same type are additive:
// capability sets are united and the larger cardinality wins, so neither
// side can relax the other.
func (c Claim) Merge(other Claim) Claim {
	out := NewClaim(c...)
	for _, s := range other {
		out = out.with(s)
	}
	return out
}

// Spec returns the requirement for typeID.
func (c Claim) Spec(typeID string) (Spec, bool) {
	for _, s := range c {
		if s.Type == typeID {
			return s, true
		}
	}
	return Spec{}, false
}

// Types lists the claimed type ids in order.
func (c Claim) Types() []string {
	out := make([]string, 0, len(c))
	for _, s := range c {
		out = append(out, s.Type)
	}
	return out
}

// Matches reports whether r can serve one unit of spec.
func Matches(r Resource, spec Spec) bool {
	return r.Type == spec.Type && r.Capabilities.Covers(spec.Capabilities)
}

package logparser

import "strings"

// MetaTarget is the metadata key holding the build target of a test.
const MetaTarget = "target"

// TargetResolver maps a test module name printed by the runner to the
// package name used in test identity. Empty means keep the module name.
type TargetResolver interface {
	TargetOf(module string) string
}

// IdentityResolver keeps module names unchanged.
type IdentityResolver struct{}

func (IdentityResolver) TargetOf(module string) string { return module }

// MappingResolver rewrites module names by substring, e.g. "-" printed as "_"
// by xcodebuild. Exact entries win over substring entries.
type MappingResolver struct {
	Exact    map[string]string
	Replacer *strings.Replacer
}

// NewMappingResolver builds a resolver from exact names and old/new substring pairs.
// A trailing old without its new is ignored.
func NewMappingResolver(exact map[string]string, oldnew ...string) *MappingResolver {
	r := &MappingResolver{Exact: exact}
	oldnew = oldnew[:len(oldnew)&^1]
	if len(oldnew) > 0 {
		r.Replacer = strings.NewReplacer(oldnew...)
	}
	return r
}

func (r *MappingResolver) TargetOf(module string) string {
	if v, ok := r.Exact[module]; ok {
		return v
	}
	if r.Replacer != nil {
		return r.Replacer.Replace(module)
	}
	return module
}

func resolveTarget(r TargetResolver, module string) string {
	if r == nil || module == "" {
		return module
	}
	if target := r.TargetOf(module); target != "" {
		return target
	}
	return module
}

package model

import (
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// MetaProperty is a named vendor property attached to a test without
// becoming part of its identity (e.g. the build target of an iOS test).
type MetaProperty struct {
	Key   string
	Value string
}

// Test identifies a single test method.
type Test struct {
	Pkg    string
	Clazz  string
	Method string
	Meta   []MetaProperty
}

// ID returns the identity used to match tests across batches and results.
// Metadata is deliberately excluded.
func (t Test) ID() string {
	var b strings.Builder
	if t.Pkg != "" {
		b.WriteString(t.Pkg)
		b.WriteByte('.')
	}
	b.WriteString(t.Clazz)
	b.WriteByte('#')
	b.WriteString(t.Method)
	return b.String()
}

func (t Test) String() string { return t.ID() }

// MetaValue returns the value stored under key.
func (t Test) MetaValue(key string) (string, bool) {
	for _, p := range t.Meta {
		if p.Key == key {
			return p.Value, true
		}
	}
	return "", false
}

// WithMeta returns a copy of t with key set to value, preserving insertion order.
func (t Test) WithMeta(key, value string) Test {
	meta := make([]MetaProperty, 0, len(t.Meta)+1)
	replaced := false
	for _, p := range t.Meta {
		if p.Key == key {
			p.Value = value
			replaced = true
		}
		meta = append(meta, p)
	}
	if !replaced {
		meta = append(meta, MetaProperty{Key: key, Value: value})
	}
	t.Meta = meta
	return t
}

// ParseTest accepts `target/Class/method` or `pkg.Class#method` (pkg optional).
func ParseTest(raw string) (Test, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Test{}, errors.New("empty test name")
	}
	if idx := strings.LastIndex(raw, "#"); idx >= 0 {
		method := strings.TrimSpace(raw[idx+1:])
		qualified := strings.TrimSpace(raw[:idx])
		if method == "" || qualified == "" {
			return Test{}, errors.Errorf("malformed test name %q", raw)
		}
		pkg, clazz := "", qualified
		if dot := strings.LastIndex(qualified, "."); dot >= 0 {
			pkg, clazz = qualified[:dot], qualified[dot+1:]
		}
		if clazz == "" {
			return Test{}, errors.Errorf("malformed test name %q", raw)
		}
		return Test{Pkg: pkg, Clazz: clazz, Method: method}, nil
	}
	parts := strings.Split(raw, "/")
	if len(parts) != 3 {
		return Test{}, errors.Errorf("malformed test name %q", raw)
	}
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			return Test{}, errors.Errorf("malformed test name %q", raw)
		}
	}
	return Test{Pkg: parts[0], Clazz: parts[1], Method: parts[2]}, nil
}

// TestBatch is an immutable ordered set of tests assigned to one device attempt.
type TestBatch struct {
	id    string
	tests []Test
}

// NewBatch copies tests into a new batch with a fresh identifier.
func NewBatch(tests []Test) *TestBatch {
	copied := make([]Test, len(tests))
	copy(copied, tests)
	return &TestBatch{id: uuid.NewString(), tests: copied}
}

// ID returns the unique attempt identifier of the batch.
func (b *TestBatch) ID() string { return b.id }

// Tests returns a copy of the batch contents.
func (b *TestBatch) Tests() []Test {
	out := make([]Test, len(b.tests))
	copy(out, b.tests)
	return out
}

// Len returns the number of tests in the batch.
func (b *TestBatch) Len() int { return len(b.tests) }

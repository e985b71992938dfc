// Package transform maps raw provider records onto normalized entities using
// declarative field mappings.
package transform

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/tallyhq/tally/internal/entity"
)

// FieldMapping copies one source path into one target field.
type FieldMapping struct {
	Source  string   `yaml:"source" json:"source"`
	Target  string   `yaml:"target" json:"target"`
	Type    Coercion `yaml:"type,omitempty" json:"type,omitempty"`
	Default any      `yaml:"default,omitempty" json:"default,omitempty"`
}

// Definition is the full mapping for one entity type.
type Definition struct {
	EntityType entity.Kind    `yaml:"entityType" json:"entityType"`
	Fields     []FieldMapping `yaml:"fields" json:"fields"`
}

// Engine applies Definitions. Custom coercions are registered by name and
// may be referenced from any mapping's type.
type Engine struct {
	mu     sync.RWMutex
	custom map[Coercion]Func
}

// NewEngine returns an Engine with only the built-in coercions.
func NewEngine() *Engine {
	return &Engine{custom: make(map[Coercion]Func)}
}

// Register adds a named coercion. Built-in names cannot be replaced.
func (e *Engine) Register(name string, fn Func) error {
	key := Coercion(strings.TrimSpace(name))
	if key == CoerceNone {
		return errors.New("coercion name cannot be empty")
	}
	if fn == nil {
		return fmt.Errorf("coercion %q: function is nil", key)
	}
	if _, ok := builtins[key]; ok {
		return fmt.Errorf("coercion %q is built in", key)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.custom[key]; ok {
		return fmt.Errorf("coercion %q already registered", key)
	}
	e.custom[key] = fn
	return nil
}

func (e *Engine) lookup(c Coercion) (Func, bool) {
	if c == CoerceNone {
		return func(v any) (any, bool) { return v, true }, true
	}
	if fn, ok := builtins[c]; ok {
		return fn, true
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	fn, ok := e.custom[c]
	return fn, ok
}

// Validate checks that every mapping has a parseable source, a target and a
// known coercion.
func (e *Engine) Validate(def Definition) error {
	if _, err := entity.New(def.EntityType); err != nil {
		return err
	}
	var errs []error
	hasID := false
	for i, m := range def.Fields {
		if _, err := parsePath(m.Source); err != nil {
			errs = append(errs, fmt.Errorf("fields[%d]: %w", i, err))
		}
		if strings.TrimSpace(m.Target) == "" {
			errs = append(errs, fmt.Errorf("fields[%d]: target is required", i))
		}
		if m.Target == "externalId" {
			hasID = true
		}
		if _, ok := e.lookup(m.Type); !ok {
			errs = append(errs, fmt.Errorf("fields[%d]: unknown coercion %q", i, m.Type))
		}
	}
	if !hasID {
		errs = append(errs, fmt.Errorf("%s: no mapping targets externalId", def.EntityType))
	}
	return errors.Join(errs...)
}

// Apply evaluates every mapping against src and returns the target fields.
// Targets whose source is absent and have no default are omitted.
func (e *Engine) Apply(src any, def Definition) (map[string]any, error) {
	out := make(map[string]any, len(def.Fields))
	for _, m := range def.Fields {
		steps, err := parsePath(m.Source)
		if err != nil {
			return nil, err
		}
		fn, ok := e.lookup(m.Type)
		if !ok {
			return nil, fmt.Errorf("unknown coercion %q", m.Type)
		}

		var (
			value   any
			present bool
		)
		if raw, found := resolve(src, steps); found {
			value, present = fn(raw)
		}
		if !present {
			if m.Default == nil {
				continue
			}
			value = m.Default
		}
		assign(out, m.Target, value)
	}
	return out, nil
}

// Transform decodes a raw JSON record and builds the normalized entity.
func (e *Engine) Transform(raw []byte, def Definition) (entity.Entity, error) {
	src, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	return e.TransformValue(src, def)
}

// TransformValue is Transform for an already decoded record.
func (e *Engine) TransformValue(src any, def Definition) (entity.Entity, error) {
	fields, err := e.Apply(src, def)
	if err != nil {
		return nil, err
	}
	return entity.FromFields(def.EntityType, fields)
}

// Decode parses a JSON record keeping numbers as json.Number so large
// identifiers survive string coercion unchanged.
func Decode(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return v, nil
}

// RecordID returns the external id a record would map to, or "" when it
// cannot be determined. Used to label per-record failures.
func RecordID(raw []byte, def Definition) string {
	src, err := Decode(raw)
	if err != nil {
		return ""
	}
	for _, m := range def.Fields {
		if m.Target != "externalId" {
			continue
		}
		steps, err := parsePath(m.Source)
		if err != nil {
			return ""
		}
		v, ok := resolve(src, steps)
		if !ok {
			return ""
		}
		s, _ := toString(v)
		id, _ := s.(string)
		return id
	}
	return ""
}

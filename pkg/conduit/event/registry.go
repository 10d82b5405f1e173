package event

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"

	cerrors "github.com/randalmurphal/conduit/pkg/conduit/errors"
)

// Schema defines the contract for one version of an event type.
type Schema struct {
	// Type is the event type (e.g., "mlm.ModelDeployed").
	Type string

	// Version is the schema version number.
	Version int

	// Description explains the event's purpose.
	Description string

	// Validator is an optional payload check.
	Validator func(Event) error

	// Compatible lists older versions this schema can still read.
	Compatible []int

	// Deprecated marks the schema as deprecated.
	Deprecated bool
}

// IsCompatibleWith returns true if this schema can read events at the given version.
func (s *Schema) IsCompatibleWith(version int) bool {
	return version == s.Version || slices.Contains(s.Compatible, version)
}

// Validate checks if an event conforms to this schema.
func (s *Schema) Validate(evt Event) error {
	if evt.Type() != s.Type {
		return fmt.Errorf("event type mismatch: expected %s, got %s", s.Type, evt.Type())
	}

	if !s.IsCompatibleWith(evt.SchemaVersion()) {
		return fmt.Errorf("incompatible version: schema %d, event %d", s.Version, evt.SchemaVersion())
	}

	if s.Validator != nil {
		if err := s.Validator(evt); err != nil {
			return fmt.Errorf("validation failed: %w", err)
		}
	}

	return nil
}

// JSONFieldsValidator returns a validator that requires the payload to be a
// JSON object containing every named field with a non-null value.
func JSONFieldsValidator(required ...string) func(Event) error {
	return func(evt Event) error {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(evt.payload, &fields); err != nil {
			return fmt.Errorf("payload is not a JSON object: %w", err)
		}
		if fields == nil {
			return fmt.Errorf("payload is not a JSON object")
		}
		for _, name := range required {
			v, ok := fields[name]
			if !ok || string(v) == "null" {
				return fmt.Errorf("missing required field %q", name)
			}
		}
		return nil
	}
}

// SchemaRegistry manages event schemas with version support.
// It is populated at startup and read concurrently afterwards.
type SchemaRegistry struct {
	mu sync.RWMutex

	// latest maps event type -> highest registered schema
	latest map[string]*Schema

	// versions maps event type -> version -> schema
	versions map[string]map[int]*Schema
}

// NewSchemaRegistry creates an empty registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{
		latest:   make(map[string]*Schema),
		versions: make(map[string]map[int]*Schema),
	}
}

// Register adds a schema. A schema with the same type and version is replaced.
func (r *SchemaRegistry) Register(schema Schema) error {
	if schema.Type == "" {
		return fmt.Errorf("event type is required")
	}
	if schema.Version <= 0 {
		return fmt.Errorf("schema %s: version must be positive", schema.Type)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.versions[schema.Type] == nil {
		r.versions[schema.Type] = make(map[int]*Schema)
	}
	s := schema
	s.Compatible = slices.Clone(schema.Compatible)
	r.versions[schema.Type][schema.Version] = &s

	if current, ok := r.latest[schema.Type]; !ok || s.Version > current.Version {
		r.latest[schema.Type] = &s
	}

	return nil
}

// MustRegister is like Register but panics on error.
func (r *SchemaRegistry) MustRegister(schemas ...Schema) *SchemaRegistry {
	for _, s := range schemas {
		if err := r.Register(s); err != nil {
			panic(fmt.Sprintf("register event schema: %v", err))
		}
	}
	return r
}

// Get returns the latest schema for an event type.
func (r *SchemaRegistry) Get(eventType string) (Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.latest[eventType]
	if !ok {
		return Schema{}, false
	}
	return *s, true
}

// Has returns true if a schema exists for the event type.
func (r *SchemaRegistry) Has(eventType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.latest[eventType]
	return ok
}

// Types returns all registered event types, sorted.
func (r *SchemaRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.latest))
	for t := range r.latest {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Versions returns all registered versions for an event type, ascending.
func (r *SchemaRegistry) Versions(eventType string) []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := make([]int, 0, len(r.versions[eventType]))
	for v := range r.versions[eventType] {
		versions = append(versions, v)
	}
	sort.Ints(versions)
	return versions
}

// Validate checks an event against the registered schemas. The schema
// registered at the event's exact version is preferred; otherwise the latest
// schema must list the version as compatible. Every failure is a schema
// violation.
func (r *SchemaRegistry) Validate(evt Event) error {
	r.mu.RLock()
	schema, ok := r.versions[evt.Type()][evt.SchemaVersion()]
	if !ok {
		schema, ok = r.latest[evt.Type()]
	}
	r.mu.RUnlock()

	if !ok {
		return cerrors.SchemaViolation(fmt.Errorf("unknown event type: %s", evt.Type()), evt.ID())
	}
	if err := schema.Validate(evt); err != nil {
		return cerrors.SchemaViolation(err, evt.ID())
	}
	return nil
}

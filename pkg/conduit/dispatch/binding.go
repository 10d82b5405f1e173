// Package dispatch fans domain events out to the handlers of interested
// bounded contexts.
//
// Bindings are assembled once with a Builder (or loaded from YAML) and are
// immutable afterwards. The Dispatcher runs every matching binding
// concurrently and independently; each invocation is guarded by the dedup
// store so redeliveries never repeat a resolved delivery.
package dispatch

import (
	"errors"
	"fmt"
	"slices"
	"time"

	cerrors "github.com/randalmurphal/conduit/pkg/conduit/errors"
	"github.com/randalmurphal/conduit/pkg/conduit/event"
)

// Binding routes events matching Pattern to one handler of one context.
type Binding struct {
	Pattern event.Pattern
	Context string
	Name    string
	Handler event.Handler

	// Timeout bounds one invocation. Zero uses the dispatcher default.
	Timeout time.Duration

	// Retry overrides the dispatcher's in-process retry policy when
	// MaxAttempts is set.
	Retry cerrors.RetryConfig
}

// ConsumerID identifies the consumer in the dedup store: "context/handler".
func (b Binding) ConsumerID() string {
	return b.Context + "/" + b.Name
}

// BindingOption configures a binding.
type BindingOption func(*Binding)

// WithTimeout sets the per-invocation timeout.
func WithTimeout(d time.Duration) BindingOption {
	return func(b *Binding) {
		b.Timeout = d
	}
}

// WithRetry sets the in-process retry policy.
func WithRetry(cfg cerrors.RetryConfig) BindingOption {
	return func(b *Binding) {
		b.Retry = cfg
	}
}

// Builder collects bindings. It is not safe for concurrent use.
type Builder struct {
	bindings []Binding
	errs     []error
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Register binds handler, named name within contextID, to pattern. Errors
// are collected and reported by Build.
func (b *Builder) Register(pattern, contextID, name string, handler event.Handler, opts ...BindingOption) *Builder {
	p, err := event.ParsePattern(pattern)
	if err != nil {
		b.errs = append(b.errs, err)
		return b
	}
	switch {
	case contextID == "":
		b.errs = append(b.errs, fmt.Errorf("binding %s: context is required", pattern))
		return b
	case name == "":
		b.errs = append(b.errs, fmt.Errorf("binding %s: handler name is required", pattern))
		return b
	case handler == nil:
		b.errs = append(b.errs, fmt.Errorf("binding %s %s/%s: nil handler", pattern, contextID, name))
		return b
	}

	binding := Binding{
		Pattern: p,
		Context: contextID,
		Name:    name,
		Handler: handler,
	}
	for _, opt := range opts {
		opt(&binding)
	}
	for _, existing := range b.bindings {
		if existing.ConsumerID() == binding.ConsumerID() && existing.Pattern.String() == pattern {
			b.errs = append(b.errs, fmt.Errorf("binding %s %s registered twice", pattern, binding.ConsumerID()))
			return b
		}
	}
	b.bindings = append(b.bindings, binding)
	return b
}

// Build returns the immutable binding set.
func (b *Builder) Build() (*Bindings, error) {
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}
	return &Bindings{all: slices.Clone(b.bindings)}, nil
}

// Bindings is an immutable set of bindings.
type Bindings struct {
	all []Binding
}

// All returns every binding in registration order.
func (bs *Bindings) All() []Binding {
	return slices.Clone(bs.all)
}

// Len returns the number of bindings.
func (bs *Bindings) Len() int {
	return len(bs.all)
}

// Match returns the bindings that fire for eventType, in registration order.
// For each consumer only its most specific matching bindings fire; bindings
// of different consumers all fire.
func (bs *Bindings) Match(eventType string) []Binding {
	best := make(map[string]int)
	var matched []Binding
	for _, b := range bs.all {
		if !b.Pattern.Matches(eventType) {
			continue
		}
		matched = append(matched, b)
		consumer := b.ConsumerID()
		if s, ok := best[consumer]; !ok || b.Pattern.Specificity() > s {
			best[consumer] = b.Pattern.Specificity()
		}
	}

	out := matched[:0]
	for _, b := range matched {
		if b.Pattern.Specificity() == best[b.ConsumerID()] {
			out = append(out, b)
		}
	}
	return out
}

// Contexts returns the distinct bounded contexts with at least one binding,
// sorted.
func (bs *Bindings) Contexts() []string {
	var out []string
	for _, b := range bs.all {
		if !slices.Contains(out, b.Context) {
			out = append(out, b.Context)
		}
	}
	slices.Sort(out)
	return out
}

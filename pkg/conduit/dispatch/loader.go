package dispatch

import (
	"fmt"

	"github.com/randalmurphal/conduit/pkg/conduit/config"
	cerrors "github.com/randalmurphal/conduit/pkg/conduit/errors"
	"github.com/randalmurphal/conduit/pkg/conduit/event"
	"github.com/randalmurphal/conduit/pkg/conduit/registry"
)

// Catalog resolves the handler names used in a bindings file.
type Catalog = registry.Registry[string, event.Handler]

// NewCatalog creates an empty handler catalog.
func NewCatalog() *Catalog {
	return registry.New[string, event.Handler]()
}

// LoadBindings builds bindings from a YAML document:
//
//	defaults:
//	  timeout: 10s
//	  max_attempts: 3
//	bindings:
//	  - pattern: mlm.ModelDeployed
//	    context: inference
//	    handler: provisionEndpoint
//	    options:
//	      timeout: 5s
//	      max_attempts: 5
//	      initial_backoff: 50ms
//	      max_backoff: 2s
//
// Handler names are looked up in catalog. Options fall back to defaults,
// then to the dispatcher's own configuration.
func LoadBindings(data []byte, catalog *Catalog) (*Bindings, error) {
	cfg, err := config.FromYAML(data)
	if err != nil {
		return nil, fmt.Errorf("load bindings: %w", err)
	}
	return bindingsFromConfig(cfg, catalog)
}

// LoadBindingsFile is LoadBindings for a YAML or JSON file.
func LoadBindingsFile(path string, catalog *Catalog) (*Bindings, error) {
	cfg, err := config.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("load bindings: %w", err)
	}
	return bindingsFromConfig(cfg, catalog)
}

func bindingsFromConfig(cfg config.Config, catalog *Catalog) (*Bindings, error) {
	raw, ok := cfg.Any("bindings", nil).([]any)
	if !ok {
		return nil, fmt.Errorf("load bindings: missing bindings list")
	}
	defaults := cfg.Sub("defaults")

	b := NewBuilder()
	for i, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("load bindings: entry %d is not a mapping", i)
		}
		entry := config.New(m)
		name := entry.String("handler", "")
		handler, ok := catalog.Get(name)
		if !ok {
			return nil, fmt.Errorf("load bindings: entry %d: unknown handler %q", i, name)
		}
		b.Register(entry.String("pattern", ""), entry.String("context", ""), name, handler,
			bindingOptions(entry.Sub("options"), defaults)...)
	}
	return b.Build()
}

func bindingOptions(opts, defaults config.Config) []BindingOption {
	var out []BindingOption
	if d := opts.Duration("timeout", defaults.Duration("timeout", 0)); d > 0 {
		out = append(out, WithTimeout(d))
	}
	if opts.Has("max_attempts") || defaults.Has("max_attempts") {
		retry := RetryFromConfig(opts, RetryFromConfig(defaults, DefaultConfig.Retry))
		out = append(out, WithRetry(retry))
	}
	return out
}

// RetryFromConfig builds a retry policy from an option map, using base for
// missing keys.
func RetryFromConfig(cfg config.Config, base cerrors.RetryConfig) cerrors.RetryConfig {
	base.MaxAttempts = cfg.Int("max_attempts", base.MaxAttempts)
	base.InitialBackoff = cfg.Duration("initial_backoff", base.InitialBackoff)
	base.MaxBackoff = cfg.Duration("max_backoff", base.MaxBackoff)
	base.BackoffFactor = cfg.Float("backoff_factor", base.BackoffFactor)
	base.Jitter = cfg.Float("jitter", base.Jitter)
	return base
}

/*
Package config reads loosely typed option maps, such as the per-binding
options of a bindings file.

Accessors never fail: a missing key or a value of the wrong type yields the
supplied default.

	opts := config.New(map[string]any{
	    "timeout":      "5s",
	    "max_attempts": 3,
	})

	timeout := opts.Duration("timeout", 30*time.Second) // 5s
	attempts := opts.Int("max_attempts", 1)             // 3

Durations accept a time.ParseDuration string, a time.Duration, or a number of
seconds. Nested maps are reached with Sub.

Decode turns a YAML or JSON mapping into a Config; FromFile picks the format
from the extension and expands ${VAR} references first. A Config is safe for
concurrent reads as long as the map it wraps is not modified.
*/
package config

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format is a document encoding understood by Decode.
type Format string

const (
	YAML Format = "yaml"
	JSON Format = "json"
)

// FormatOf maps a file extension (.yaml, .yml, .json) to its Format.
func FormatOf(path string) (Format, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return YAML, nil
	case ".json":
		return JSON, nil
	default:
		return "", fmt.Errorf("unsupported config file extension: %q", ext)
	}
}

// FromFile reads and decodes the file at path. ${VAR} references in the file
// are replaced with environment values before decoding, so one bindings file
// can serve several deployments.
func FromFile(path string) (Config, error) {
	format, err := FormatOf(path)
	if err != nil {
		return Config{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return Decode([]byte(os.ExpandEnv(string(data))), format)
}

// FromYAML decodes a YAML mapping.
func FromYAML(data []byte) (Config, error) { return Decode(data, YAML) }

// FromJSON decodes a JSON object.
func FromJSON(data []byte) (Config, error) { return Decode(data, JSON) }

// Decode decodes a mapping document. An empty document yields an empty Config.
func Decode(data []byte, format Format) (Config, error) {
	var (
		m   map[string]any
		err error
	)
	switch format {
	case YAML:
		err = yaml.Unmarshal(data, &m)
	case JSON:
		err = json.Unmarshal(data, &m)
	default:
		return Config{}, fmt.Errorf("unsupported config format %q", format)
	}
	if err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", format, err)
	}
	return New(m), nil
}

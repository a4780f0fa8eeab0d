package precache

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Entry is an asset of the precache manifest.
type Entry struct {
	URL string `json:"url" yaml:"url"`
	// Empty if the URL is content-addressed, e.g. already fingerprinted.
	Revision string `json:"revision,omitempty" yaml:"revision,omitempty"`
	// Subresource integrity ("sha384-...") or digest ("sha256:...") of the body.
	Integrity string `json:"integrity,omitempty" yaml:"integrity,omitempty"`
}

type entryFields struct {
	URL       string  `json:"url" yaml:"url"`
	Revision  *string `json:"revision" yaml:"revision"`
	Integrity string  `json:"integrity" yaml:"integrity"`
}

func (e *Entry) set(f entryFields) error {
	if f.URL == "" {
		return fmt.Errorf("manifest entry without url")
	}
	e.URL = f.URL
	e.Revision = ""
	if f.Revision != nil {
		e.Revision = *f.Revision
	}
	e.Integrity = f.Integrity
	return nil
}

// UnmarshalJSON accepts a bare URL string or an object.
func (e *Entry) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var url string
		if err := json.Unmarshal(b, &url); err != nil {
			return err
		}
		return e.set(entryFields{URL: url})
	}
	var f entryFields
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	return e.set(f)
}

// UnmarshalYAML accepts a bare URL string or a mapping.
func (e *Entry) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return e.set(entryFields{URL: node.Value})
	}
	var f entryFields
	if err := node.Decode(&f); err != nil {
		return err
	}
	return e.set(f)
}

// ParseManifest decodes a JSON manifest, as written by build tooling.
func ParseManifest(b []byte) ([]Entry, error) {
	var entries []Entry
	if err := json.Unmarshal(b, &entries); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return entries, nil
}

// LoadManifest reads a JSON or YAML manifest file, chosen by extension.
func LoadManifest(filename string) ([]Entry, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		var entries []Entry
		if err := yaml.Unmarshal(b, &entries); err != nil {
			return nil, fmt.Errorf("invalid manifest %s: %w", filename, err)
		}
		return entries, nil
	default:
		return ParseManifest(b)
	}
}

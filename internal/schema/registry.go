// Package schema enforces versioned JSON Schema contracts on every event
// crossing the pipeline boundary, on the publish and consume paths alike.
package schema

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

//go:embed schemas/*.json schemas/manifest.yaml
var schemaFS embed.FS

// ErrUnknownSchema is returned for (event type, version) pairs with no
// registered descriptor. The gate fails closed: unknown contracts never pass.
var ErrUnknownSchema = errors.New("unknown schema")

type ViolationError struct {
	EventType string
	Version   string
	Details   string
	cause     error
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("schema violation: %s %s: %s", e.EventType, e.Version, e.Details)
}

func (e *ViolationError) Unwrap() error { return e.cause }

type manifest struct {
	Schemas []manifestEntry `yaml:"schemas"`
}

type manifestEntry struct {
	EventType string `yaml:"event_type"`
	Version   string `yaml:"version"`
	File      string `yaml:"file"`
}

type descriptorKey struct {
	eventType string
	version   string
}

// Registry holds compiled schema descriptors. Built once at startup and
// treated as read-only afterwards; a new payload shape requires registering
// a new version, never editing an existing descriptor.
type Registry struct {
	descriptors map[descriptorKey]*jsonschema.Schema
}

// Load compiles every descriptor listed in the embedded manifest.
func Load() (*Registry, error) {
	raw, err := schemaFS.ReadFile("schemas/manifest.yaml")
	if err != nil {
		return nil, fmt.Errorf("schema registry: read manifest: %w", err)
	}

	var m manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("schema registry: parse manifest: %w", err)
	}
	if len(m.Schemas) == 0 {
		return nil, fmt.Errorf("schema registry: manifest lists no schemas")
	}

	compiler := jsonschema.NewCompiler()
	compiled := make(map[string]*jsonschema.Schema)
	descriptors := make(map[descriptorKey]*jsonschema.Schema, len(m.Schemas))

	for _, entry := range m.Schemas {
		eventType := strings.TrimSpace(entry.EventType)
		version := strings.TrimSpace(entry.Version)
		file := strings.TrimSpace(entry.File)
		if eventType == "" || version == "" || file == "" {
			return nil, fmt.Errorf("schema registry: incomplete manifest entry %+v", entry)
		}

		key := descriptorKey{eventType: eventType, version: version}
		if _, dup := descriptors[key]; dup {
			return nil, fmt.Errorf("schema registry: duplicate descriptor %s %s", eventType, version)
		}

		sch, ok := compiled[file]
		if !ok {
			data, err := schemaFS.ReadFile("schemas/" + file)
			if err != nil {
				return nil, fmt.Errorf("schema registry: read %s: %w", file, err)
			}
			doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
			if err != nil {
				return nil, fmt.Errorf("schema registry: parse %s: %w", file, err)
			}
			if err := compiler.AddResource(file, doc); err != nil {
				return nil, fmt.Errorf("schema registry: add %s: %w", file, err)
			}
			sch, err = compiler.Compile(file)
			if err != nil {
				return nil, fmt.Errorf("schema registry: compile %s: %w", file, err)
			}
			compiled[file] = sch
		}
		descriptors[key] = sch
	}

	return &Registry{descriptors: descriptors}, nil
}

// Validate checks payload against the descriptor registered for the
// (eventType, version) pair. Returns ErrUnknownSchema for unregistered pairs
// and *ViolationError for structural mismatches.
func (r *Registry) Validate(eventType, version string, payload []byte) error {
	sch, ok := r.descriptors[descriptorKey{eventType: eventType, version: version}]
	if !ok {
		return fmt.Errorf("%w: %s %s", ErrUnknownSchema, eventType, version)
	}

	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return &ViolationError{EventType: eventType, Version: version, Details: "payload is not valid JSON", cause: err}
	}

	if err := sch.Validate(inst); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			return &ViolationError{EventType: eventType, Version: version, Details: ve.Error(), cause: ve}
		}
		return &ViolationError{EventType: eventType, Version: version, Details: err.Error(), cause: err}
	}
	return nil
}

// Known reports whether a descriptor is registered for the pair.
func (r *Registry) Known(eventType, version string) bool {
	_, ok := r.descriptors[descriptorKey{eventType: eventType, version: version}]
	return ok
}

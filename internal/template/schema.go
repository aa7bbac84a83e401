package template

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// TemplateSchemaConflict reports two templates declaring the same field with
// incompatible definitions. Artifacts for one job share a single refinement
// pass, so their field sets must agree.
type TemplateSchemaConflict struct {
	Field  string
	First  string // plugin/name of the template seen first
	Second string
}

func (e *TemplateSchemaConflict) Error() string {
	return fmt.Sprintf("templates %s and %s declare field %q with conflicting definitions",
		e.First, e.Second, e.Field)
}

// Schema is the merged field set a refinement pass must produce.
type Schema struct {
	Fields map[string]FieldSpec
	// owner tracks which template introduced each field, for conflict
	// reporting.
	owner map[string]string
}

// DefaultSchema returns the base fields every refinement produces
// regardless of which templates a job renders.
func DefaultSchema() *Schema {
	s := &Schema{Fields: map[string]FieldSpec{}, owner: map[string]string{}}
	base := map[string]FieldSpec{
		"clean_text": {
			Description: "The transcript rewritten as clean readable prose, with filler words and false starts removed",
		},
		"summary": {
			Description: "A concise summary of the content, a few sentences at most",
		},
		"key_takeaways": {
			Description: "The most important points as a list",
			Structure:   arrayOfStrings(),
		},
		"participants": {
			Description: "Names or roles of the people speaking",
			Structure:   arrayOfStrings(),
		},
		"quotes": {
			Description: "Notable verbatim quotes worth preserving",
			Structure:   arrayOfStrings(),
		},
		"action_items": {
			Description: "Concrete follow-up actions mentioned in the content",
			Structure:   arrayOfStrings(),
		},
	}
	for name, spec := range base {
		s.Fields[name] = spec
		s.owner[name] = "builtin"
	}
	return s
}

func arrayOfStrings() map[string]any {
	return map[string]any{
		"type":  "array",
		"items": map[string]any{"type": "string"},
	}
}

// Merge folds a template's declared fields into the schema. Re-declaring a
// field with an identical definition is allowed; a differing definition is
// a TemplateSchemaConflict.
func (s *Schema) Merge(tmpl *Template) error {
	id := tmpl.Plugin + "/" + tmpl.Name
	names := make([]string, 0, len(tmpl.Fields))
	for name := range tmpl.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		spec := tmpl.Fields[name]
		existing, ok := s.Fields[name]
		if !ok {
			s.Fields[name] = spec
			s.owner[name] = id
			continue
		}
		if !reflect.DeepEqual(existing, spec) {
			return &TemplateSchemaConflict{Field: name, First: s.owner[name], Second: id}
		}
	}
	return nil
}

// CollectSchema builds the schema for a job: the default fields plus every
// field declared by the job's templates. Merge order does not affect the
// result, only which template a conflict error names first.
func CollectSchema(templates []*Template) (*Schema, error) {
	s := DefaultSchema()
	for _, tmpl := range templates {
		if tmpl == nil {
			continue
		}
		if err := s.Merge(tmpl); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// FieldNames returns the schema's field names, sorted.
func (s *Schema) FieldNames() []string {
	names := make([]string, 0, len(s.Fields))
	for name := range s.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Document renders the schema as a JSON Schema object. Fields without an
// explicit structure default to plain strings.
func (s *Schema) Document() map[string]any {
	props := make(map[string]any, len(s.Fields))
	for name, spec := range s.Fields {
		prop := map[string]any{}
		for k, v := range spec.Structure {
			prop[k] = v
		}
		if _, ok := prop["type"]; !ok {
			prop["type"] = "string"
		}
		if spec.Description != "" {
			prop["description"] = spec.Description
		}
		props[name] = prop
	}
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             s.FieldNames(),
		"additionalProperties": true,
	}
}

// Compile turns the schema into a validator for refinement output.
func (s *Schema) Compile() (*jsonschema.Schema, error) {
	doc, err := json.Marshal(s.Document())
	if err != nil {
		return nil, fmt.Errorf("encoding schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("refinement.json", bytes.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("adding schema resource: %w", err)
	}
	compiled, err := compiler.Compile("refinement.json")
	if err != nil {
		return nil, fmt.Errorf("compiling schema: %w", err)
	}
	return compiled, nil
}

// ValidateOutput checks a decoded refinement result against the schema.
// The value must come from encoding/json so numbers are float64.
func (s *Schema) ValidateOutput(value any) error {
	compiled, err := s.Compile()
	if err != nil {
		return err
	}
	if err := compiled.Validate(value); err != nil {
		return fmt.Errorf("refinement output does not match schema: %w", err)
	}
	return nil
}

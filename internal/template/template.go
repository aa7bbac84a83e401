// Package template loads artifact templates and assembles the refinement
// schema they declare. A template is a text/template body with an optional
// YAML front matter block declaring the structured fields it consumes.
package template

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const frontMatterFence = "---"

// FieldSpec describes one structured field a template expects the
// refinement stage to produce.
type FieldSpec struct {
	Description string         `yaml:"description" json:"description"`
	Structure   map[string]any `yaml:"structure,omitempty" json:"structure,omitempty"`
}

// frontMatter is the parsed YAML header of a template file.
type frontMatter struct {
	Description  string               `yaml:"description"`
	CustomFields map[string]FieldSpec `yaml:"custom_fields"`
}

// Template is one loaded artifact template.
type Template struct {
	Plugin      string
	Name        string
	Description string
	Fields      map[string]FieldSpec
	Body        string
}

// Registry holds the templates discovered under the templates directory,
// keyed by plugin then name.
type Registry struct {
	templates map[string]map[string]*Template
}

// LoadRegistry scans <dir>/<plugin>/<name>.tmpl. A missing directory yields
// an empty registry: plugins carry built-in templates for that case.
func LoadRegistry(dir string) (*Registry, error) {
	reg := &Registry{templates: make(map[string]map[string]*Template)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return reg, nil
		}
		return nil, fmt.Errorf("reading templates dir %s: %w", dir, err)
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		plugin := entry.Name()
		files, err := os.ReadDir(filepath.Join(dir, plugin))
		if err != nil {
			return nil, fmt.Errorf("reading templates for plugin %s: %w", plugin, err)
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".tmpl") {
				continue
			}
			path := filepath.Join(dir, plugin, f.Name())
			tmpl, err := loadTemplate(plugin, path)
			if err != nil {
				return nil, err
			}
			if reg.templates[plugin] == nil {
				reg.templates[plugin] = make(map[string]*Template)
			}
			reg.templates[plugin][tmpl.Name] = tmpl
		}
	}

	return reg, nil
}

// loadTemplate reads one template file and splits front matter from body.
func loadTemplate(plugin, path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading template %s: %w", path, err)
	}

	name := strings.TrimSuffix(filepath.Base(path), ".tmpl")
	tmpl := &Template{Plugin: plugin, Name: name, Fields: map[string]FieldSpec{}}

	body, fm, err := splitFrontMatter(string(data))
	if err != nil {
		return nil, fmt.Errorf("template %s/%s: %w", plugin, name, err)
	}
	tmpl.Body = body
	if fm != nil {
		tmpl.Description = fm.Description
		for field, spec := range fm.CustomFields {
			tmpl.Fields[field] = spec
		}
	}

	return tmpl, nil
}

// splitFrontMatter separates an optional leading YAML block fenced by "---"
// lines from the template body. Templates without a fence are all body.
func splitFrontMatter(content string) (body string, fm *frontMatter, err error) {
	trimmed := strings.TrimLeft(content, "\n\r")
	if !strings.HasPrefix(trimmed, frontMatterFence+"\n") {
		return content, nil, nil
	}

	rest := trimmed[len(frontMatterFence)+1:]
	end := strings.Index(rest, "\n"+frontMatterFence)
	if end < 0 {
		return "", nil, fmt.Errorf("unterminated front matter")
	}

	var parsed frontMatter
	if err := yaml.Unmarshal([]byte(rest[:end]), &parsed); err != nil {
		return "", nil, fmt.Errorf("parsing front matter: %w", err)
	}

	body = rest[end+1+len(frontMatterFence):]
	body = strings.TrimPrefix(body, "\n")
	return body, &parsed, nil
}

// Lookup returns the template for a plugin/name pair.
func (r *Registry) Lookup(plugin, name string) (*Template, bool) {
	tmpl, ok := r.templates[plugin][name]
	return tmpl, ok
}

// Names lists the template names available for a plugin, sorted.
func (r *Registry) Names(plugin string) []string {
	names := make([]string, 0, len(r.templates[plugin]))
	for name := range r.templates[plugin] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

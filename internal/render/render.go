// Package render turns refined context and transcripts into output
// artifacts. Each format is a plugin; markdown, text, and subtitle are
// built in, and template files can override a plugin's default layout.
package render

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/scrivohq/scrivo/internal/models"
	"github.com/scrivohq/scrivo/internal/template"
)

// ErrNoTranscript is returned when a plugin needs transcript segments and
// the job produced none, as with direct-mode refinement. Callers treat it
// as a per-artifact skip, not a stage failure.
var ErrNoTranscript = errors.New("no transcript available for this format")

// Input carries everything a plugin may render.
type Input struct {
	JobID    string
	Title    string
	Date     time.Time
	Language string
	Context  models.EnrichedContext
	Segments []models.TranscriptSegment
}

// Plugin renders one output format.
type Plugin interface {
	// Name is the identifier used in artifact configuration.
	Name() string
	// Extension is the file extension including the dot.
	Extension() string
	// Render produces the artifact bytes. A nil tmpl uses the plugin's
	// built-in layout.
	Render(in Input, tmpl *template.Template) ([]byte, error)
}

// Registry holds the available plugins.
type Registry struct {
	plugins map[string]Plugin
}

// NewRegistry returns a registry with the built-in plugins installed.
func NewRegistry() *Registry {
	r := &Registry{plugins: make(map[string]Plugin)}
	r.Register(&markdownPlugin{})
	r.Register(&textPlugin{})
	r.Register(&subtitlePlugin{})
	return r
}

// Register adds a plugin, replacing any existing plugin with the same name.
func (r *Registry) Register(p Plugin) {
	r.plugins[p.Name()] = p
}

// Lookup returns the plugin for a name.
func (r *Registry) Lookup(name string) (Plugin, error) {
	p, ok := r.plugins[name]
	if !ok {
		return nil, fmt.Errorf("unknown artifact plugin %q", name)
	}
	return p, nil
}

// Names lists registered plugin names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// executeBody runs a template body against the render input.
func executeBody(pluginName string, body string, in Input) ([]byte, error) {
	tmpl, err := texttemplate.New(pluginName).Option("missingkey=zero").Parse(body)
	if err != nil {
		return nil, fmt.Errorf("parsing %s template: %w", pluginName, err)
	}

	data := map[string]any{
		"JobID":    in.JobID,
		"Title":    in.Title,
		"Date":     in.Date,
		"Language": in.Language,
		"Context":  map[string]any(in.Context),
	}

	var buf strings.Builder
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("rendering %s template: %w", pluginName, err)
	}
	return []byte(buf.String()), nil
}

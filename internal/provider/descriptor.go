package provider

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/scrivohq/scrivo/internal/models"
)

// ModelSpec describes one model a provider exposes, with its list price.
// Costs are USD per million tokens.
type ModelSpec struct {
	Name              string  `yaml:"name"`
	InputCostPerMTok  float64 `yaml:"input_cost_per_mtok"`
	OutputCostPerMTok float64 `yaml:"output_cost_per_mtok"`
}

// Descriptor is the parsed defaults.yaml of one configured provider.
// Credentials never appear here: APIKeyEnv names the environment variable
// holding the key, which is read at call time and never written to disk.
type Descriptor struct {
	Name         string         `yaml:"name"`
	DisplayName  string         `yaml:"display_name"`
	Type         string         `yaml:"type"`    // cloud, local, hybrid
	Runtime      string         `yaml:"runtime"` // selects the backend implementation
	Capabilities []Capability   `yaml:"capabilities"`
	APIKeyEnv    string         `yaml:"api_key_env"`
	BaseURL      string         `yaml:"base_url"`
	DefaultModel string         `yaml:"default_model"`
	Models       []ModelSpec    `yaml:"models"`
	Options      map[string]any `yaml:"options"`
}

// LoadDescriptor reads and validates one defaults.yaml.
func LoadDescriptor(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading provider descriptor %s: %w", path, err)
	}

	var desc Descriptor
	if err := yaml.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("parsing provider descriptor %s: %w", path, err)
	}
	if err := desc.Validate(); err != nil {
		return nil, fmt.Errorf("provider descriptor %s: %w", path, err)
	}
	return &desc, nil
}

// Validate checks the descriptor for structural errors.
func (d *Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("name is required")
	}
	if d.Runtime == "" {
		return fmt.Errorf("runtime is required")
	}
	switch d.Type {
	case "cloud", "local", "hybrid":
	default:
		return fmt.Errorf("type must be one of: cloud, local, hybrid")
	}
	if len(d.Capabilities) == 0 {
		return fmt.Errorf("at least one capability is required")
	}
	for _, c := range d.Capabilities {
		switch c {
		case CapabilityTranscribe, CapabilityRefine:
		default:
			return fmt.Errorf("unknown capability %q", c)
		}
	}
	return nil
}

// Has reports whether the descriptor declares a capability.
func (d *Descriptor) Has(cap Capability) bool {
	for _, c := range d.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Model looks up a model spec by name.
func (d *Descriptor) Model(name string) (ModelSpec, bool) {
	for _, m := range d.Models {
		if m.Name == name {
			return m, true
		}
	}
	return ModelSpec{}, false
}

// APIKey reads the provider credential from the environment. When the
// descriptor names no variable, cloud and hybrid providers default to
// <NAME>_API_KEY; local providers need no credential.
func (d *Descriptor) APIKey() (string, error) {
	env := d.APIKeyEnv
	if env == "" {
		if d.Type != "cloud" && d.Type != "hybrid" {
			return "", nil
		}
		env = strings.ToUpper(strings.ReplaceAll(d.Name, "-", "_")) + "_API_KEY"
	}
	key := os.Getenv(env)
	if key == "" {
		return "", fmt.Errorf("provider %s requires %s to be set", d.Name, env)
	}
	return key, nil
}

// CostUSD computes the list price of a call from its token counts. Unknown
// models cost zero: the ledger records tokens either way.
func (d *Descriptor) CostUSD(model string, inputTokens, outputTokens int64) float64 {
	spec, ok := d.Model(model)
	if !ok {
		return 0
	}
	cost := float64(inputTokens)/1e6*spec.InputCostPerMTok +
		float64(outputTokens)/1e6*spec.OutputCostPerMTok
	return models.RoundUSD(cost)
}

// StringOption returns a string from the descriptor's free-form options.
func (d *Descriptor) StringOption(name, fallback string) string {
	if v, ok := d.Options[name].(string); ok && v != "" {
		return v
	}
	return fallback
}

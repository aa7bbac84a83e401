package provider

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const relayDescriptor = `
name: cloudrelay
display_name: Cloud Relay
type: cloud
runtime: cloudrelay
capabilities: [transcribe, refine]
api_key_env: CLOUDRELAY_API_KEY
base_url: https://relay.example.com
default_model: relay-large
models:
  - name: relay-large
    input_cost_per_mtok: 2.50
    output_cost_per_mtok: 10.00
  - name: relay-mini
    input_cost_per_mtok: 0.15
    output_cost_per_mtok: 0.60
`

type stubProvider struct{ desc *Descriptor }

func (s *stubProvider) Descriptor() *Descriptor { return s.desc }

func writeDescriptor(t *testing.T, dir, name, content string) {
	t.Helper()
	providerDir := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(providerDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(providerDir, "defaults.yaml"), []byte(content), 0644))
}

func TestLoadDescriptor(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "cloudrelay", relayDescriptor)

	desc, err := LoadDescriptor(filepath.Join(dir, "cloudrelay", "defaults.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "cloudrelay", desc.Name)
	assert.Equal(t, "cloud", desc.Type)
	assert.True(t, desc.Has(CapabilityTranscribe))
	assert.True(t, desc.Has(CapabilityRefine))
	assert.Equal(t, "relay-large", desc.DefaultModel)

	model, ok := desc.Model("relay-mini")
	require.True(t, ok)
	assert.Equal(t, 0.15, model.InputCostPerMTok)

	_, ok = desc.Model("nope")
	assert.False(t, ok)
}

func TestDescriptorValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Descriptor)
	}{
		{"missing name", func(d *Descriptor) { d.Name = "" }},
		{"missing runtime", func(d *Descriptor) { d.Runtime = "" }},
		{"bad type", func(d *Descriptor) { d.Type = "quantum" }},
		{"no capabilities", func(d *Descriptor) { d.Capabilities = nil }},
		{"unknown capability", func(d *Descriptor) { d.Capabilities = []Capability{"teleport"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc := &Descriptor{
				Name: "x", Type: "cloud", Runtime: "cloudrelay",
				Capabilities: []Capability{CapabilityTranscribe},
			}
			tt.mutate(desc)
			assert.Error(t, desc.Validate())
		})
	}
}

func TestDescriptorAPIKey(t *testing.T) {
	desc := &Descriptor{Name: "cloudrelay", APIKeyEnv: "SCRIVO_TEST_RELAY_KEY"}

	_, err := desc.APIKey()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SCRIVO_TEST_RELAY_KEY")

	t.Setenv("SCRIVO_TEST_RELAY_KEY", "sk-test")
	key, err := desc.APIKey()
	require.NoError(t, err)
	assert.Equal(t, "sk-test", key)

	// Local providers need no credential.
	local := &Descriptor{Name: "localwhisper", Type: "local"}
	key, err = local.APIKey()
	require.NoError(t, err)
	assert.Empty(t, key)
}

func TestDescriptorAPIKeyDefaultsFromName(t *testing.T) {
	// A cloud descriptor without api_key_env follows the <NAME>_API_KEY
	// convention.
	desc := &Descriptor{Name: "cloud-relay", Type: "cloud"}

	_, err := desc.APIKey()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CLOUD_RELAY_API_KEY")

	t.Setenv("CLOUD_RELAY_API_KEY", "sk-conv")
	key, err := desc.APIKey()
	require.NoError(t, err)
	assert.Equal(t, "sk-conv", key)
}

func TestDescriptorCostUSD(t *testing.T) {
	desc := &Descriptor{Models: []ModelSpec{
		{Name: "relay-large", InputCostPerMTok: 2.50, OutputCostPerMTok: 10.00},
	}}

	// 100k input + 10k output: 0.25 + 0.10 = 0.35.
	assert.Equal(t, 0.35, desc.CostUSD("relay-large", 100_000, 10_000))
	assert.Equal(t, 0.0, desc.CostUSD("unknown", 100_000, 10_000))
}

func TestRegistryDiscover(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "cloudrelay", relayDescriptor)

	reg := NewRegistry()
	var built int
	reg.RegisterRuntime("cloudrelay", func(desc *Descriptor) (Provider, error) {
		built++
		return &stubProvider{desc: desc}, nil
	})

	require.NoError(t, reg.Discover(dir))
	assert.Equal(t, []string{"cloudrelay"}, reg.Names())
	assert.Equal(t, []string{"cloudrelay"}, reg.Capable(CapabilityTranscribe))
	assert.Zero(t, built, "discovery must not instantiate providers")

	p, err := reg.Get("cloudrelay")
	require.NoError(t, err)
	assert.Equal(t, "cloudrelay", p.Descriptor().Name)

	_, err = reg.Get("cloudrelay")
	require.NoError(t, err)
	assert.Equal(t, 1, built, "providers are constructed once")

	_, err = reg.Get("missing")
	assert.Error(t, err)
}

func TestRegistryDiscoverRejectsNameMismatch(t *testing.T) {
	dir := t.TempDir()
	writeDescriptor(t, dir, "wrongdir", relayDescriptor)

	reg := NewRegistry()
	reg.RegisterRuntime("cloudrelay", func(desc *Descriptor) (Provider, error) {
		return &stubProvider{desc: desc}, nil
	})

	err := reg.Discover(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "declares name")
}

func TestRegistryMissingDirIsEmpty(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Discover(filepath.Join(t.TempDir(), "absent")))
	assert.Empty(t, reg.Names())
}

func TestRegistryRejectsUnknownRuntime(t *testing.T) {
	reg := NewRegistry()
	err := reg.Add(&Descriptor{
		Name: "x", Type: "cloud", Runtime: "unregistered",
		Capabilities: []Capability{CapabilityTranscribe},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown runtime")
}

func TestRegistryCapabilityAssertions(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterRuntime("stub", func(desc *Descriptor) (Provider, error) {
		return &stubProvider{desc: desc}, nil
	})
	require.NoError(t, reg.Add(&Descriptor{
		Name: "notes", Type: "cloud", Runtime: "stub",
		Capabilities: []Capability{CapabilityRefine},
	}))

	// stubProvider implements neither stage interface.
	_, err := reg.Transcription("notes")
	assert.Error(t, err)
	_, err = reg.Refinement("notes")
	assert.Error(t, err)
}

func TestIsTransient(t *testing.T) {
	assert.False(t, IsTransient(nil))
	assert.True(t, IsTransient(NewTransient("upload", errors.New("503"))))
	assert.False(t, IsTransient(NewPermanent("upload", errors.New("401"))))
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(context.DeadlineExceeded))

	// Bare network errors are retried.
	var nerr net.Error = &net.DNSError{IsTimeout: true}
	assert.True(t, IsTransient(nerr))

	// Unclassified errors are not.
	assert.False(t, IsTransient(errors.New("who knows")))
}

func TestTransientStatus(t *testing.T) {
	assert.True(t, TransientStatus(429))
	assert.True(t, TransientStatus(500))
	assert.True(t, TransientStatus(503))
	assert.True(t, TransientStatus(408))
	assert.False(t, TransientStatus(400))
	assert.False(t, TransientStatus(401))
	assert.False(t, TransientStatus(404))
}

package provider

import (
	"fmt"
	"os"

	yaml "gopkg.in/yaml.v2"
)

// catalogFile is the YAML shape of an on-disk model catalog.
type catalogFile struct {
	Models []*Model `yaml:"models"`
}

// LoadCatalog reads a model catalog from a YAML file. The file overrides
// the built-in defaults entirely.
func LoadCatalog(path string) ([]*Model, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cf catalogFile
	if err := yaml.NewDecoder(f).Decode(&cf); err != nil {
		return nil, fmt.Errorf("parse model catalog: %w", err)
	}
	if len(cf.Models) == 0 {
		return nil, fmt.Errorf("model catalog %s contains no models", path)
	}
	for _, m := range cf.Models {
		if m.Name == "" || m.Tier == "" {
			return nil, fmt.Errorf("model catalog %s: every model needs name and tier", path)
		}
		if _, ok := tierRank[m.Tier]; !ok {
			return nil, fmt.Errorf("model catalog %s: unknown tier %q for %s", path, m.Tier, m.Name)
		}
	}
	return cf.Models, nil
}

// DefaultCatalog is the built-in model set used when no catalog file is
// configured. Costs are blended per-million-token figures used only for
// relative ordering within a tier.
func DefaultCatalog() []*Model {
	return []*Model{
		{
			Name:          "gpt-4.1-mini",
			ProviderID:    "openai",
			ContextWindow: 128_000,
			CostPerMTok:   0.7,
			Capabilities:  []Capability{CapTools, CapVision, CapWebSearch},
			Tier:          TierManager,
		},
		{
			Name:          "claude-haiku",
			ProviderID:    "anthropic",
			ContextWindow: 200_000,
			CostPerMTok:   1.3,
			Capabilities:  []Capability{CapTools, CapVision},
			Tier:          TierManager,
		},
		{
			Name:          "claude-sonnet",
			ProviderID:    "anthropic",
			ContextWindow: 200_000,
			CostPerMTok:   6.0,
			Capabilities:  []Capability{CapTools, CapVision, CapWebSearch},
			Tier:          TierComplex,
		},
		{
			Name:          "o3",
			ProviderID:    "openai",
			ContextWindow: 200_000,
			CostPerMTok:   8.0,
			Capabilities:  []Capability{CapTools, CapVision},
			Tier:          TierComplex,
		},
		{
			Name:          "gemini-2.5-pro",
			ProviderID:    "google",
			ContextWindow: 1_000_000,
			CostPerMTok:   5.0,
			Capabilities:  []Capability{CapTools, CapVision, CapLongContext, CapWebSearch},
			Tier:          TierLongContext,
		},
	}
}

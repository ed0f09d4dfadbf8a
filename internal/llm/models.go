package llm

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"

	"charm.land/catwalk/pkg/catwalk"
)

var (
	providersCache []catwalk.Provider
	providersMu    sync.RWMutex
	cacheLoaded    bool
)

// GetProviders returns all available providers from catwalk.
// It caches the result after first fetch.
func GetProviders(ctx context.Context) ([]catwalk.Provider, error) {
	providersMu.RLock()
	if cacheLoaded {
		defer providersMu.RUnlock()
		return providersCache, nil
	}
	providersMu.RUnlock()

	providersMu.Lock()
	defer providersMu.Unlock()

	if cacheLoaded {
		return providersCache, nil
	}

	client := catwalk.New()
	providers, err := client.GetProviders(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch providers from catwalk: %w", err)
	}

	providersCache = providers
	cacheLoaded = true
	return providers, nil
}

// FindModelProvider finds which provider a model belongs to, falling back to
// name inference when the catalog is unreachable or does not list it.
func FindModelProvider(ctx context.Context, modelID string) (string, *catwalk.Model, error) {
	providers, err := GetProviders(ctx)
	if err == nil {
		for _, p := range providers {
			for i, m := range p.Models {
				if m.ID == modelID {
					return string(p.ID), &p.Models[i], nil
				}
			}
		}
	}

	if inferred := InferProviderFromModel(modelID); inferred != "" {
		return inferred, nil, nil
	}
	return "", nil, fmt.Errorf("model %q not found and cannot infer provider", modelID)
}

// GetProviderAPIKey resolves a catalog provider's "$ENV" style key reference.
func GetProviderAPIKey(provider catwalk.Provider) string {
	if provider.APIKey != "" && provider.APIKey[0] == '$' {
		return os.Getenv(provider.APIKey[1:])
	}
	return ""
}

// ModelInfo is a simplified model representation for listing.
type ModelInfo struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Provider       string  `json:"provider"`
	ContextWindow  int64   `json:"context_window"`
	CostPer1MIn    float64 `json:"cost_per_1m_in"`
	CostPer1MOut   float64 `json:"cost_per_1m_out"`
	CanReason      bool    `json:"can_reason"`
	SupportsImages bool    `json:"supports_images"`
}

// ListModels returns catalog models, optionally filtered by provider ID,
// sorted by provider then model ID. When the catalog is unreachable the
// static pricing table is listed instead.
func ListModels(ctx context.Context, providerID string) ([]ModelInfo, error) {
	var models []ModelInfo

	providers, err := GetProviders(ctx)
	if err != nil {
		for id, p := range staticPricing {
			provider := InferProviderFromModel(id)
			if providerID != "" && provider != providerID {
				continue
			}
			models = append(models, ModelInfo{
				ID:           id,
				Name:         id,
				Provider:     provider,
				CostPer1MIn:  p.InputPer1M,
				CostPer1MOut: p.OutputPer1M,
			})
		}
	} else {
		found := providerID == ""
		for _, p := range providers {
			if providerID != "" && string(p.ID) != providerID {
				continue
			}
			found = true
			for _, m := range p.Models {
				models = append(models, ModelInfo{
					ID:             m.ID,
					Name:           m.Name,
					Provider:       string(p.ID),
					ContextWindow:  m.ContextWindow,
					CostPer1MIn:    m.CostPer1MIn,
					CostPer1MOut:   m.CostPer1MOut,
					CanReason:      m.CanReason,
					SupportsImages: m.SupportsImages,
				})
			}
		}
		if !found {
			return nil, fmt.Errorf("provider %q not found", providerID)
		}
	}

	sort.Slice(models, func(i, j int) bool {
		if models[i].Provider != models[j].Provider {
			return models[i].Provider < models[j].Provider
		}
		return models[i].ID < models[j].ID
	})
	return models, nil
}

// Pricing is the USD cost per million tokens.
type Pricing struct {
	InputPer1M  float64
	OutputPer1M float64
}

var staticPricing = map[string]Pricing{
	"claude-sonnet-4-5-20250929": {InputPer1M: 3.0, OutputPer1M: 15.0},
	"claude-opus-4-5-20250514":   {InputPer1M: 15.0, OutputPer1M: 75.0},
	"claude-haiku-3-5-20241022":  {InputPer1M: 0.80, OutputPer1M: 4.0},
}

// StaticPricing returns the built-in price for model, if known.
func StaticPricing(model string) (Pricing, bool) {
	p, ok := staticPricing[model]
	return p, ok
}

// LookupPricing prefers the built-in table and falls back to the catalog.
func LookupPricing(ctx context.Context, model string) (Pricing, bool) {
	if p, ok := StaticPricing(model); ok {
		return p, true
	}
	_, m, err := FindModelProvider(ctx, model)
	if err != nil || m == nil {
		return Pricing{}, false
	}
	return Pricing{InputPer1M: m.CostPer1MIn, OutputPer1M: m.CostPer1MOut}, true
}

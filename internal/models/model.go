package models

import (
	"encoding/json"
	"time"
)

// RawBaseModel is one row of the catalog endpoint, stored verbatim
type RawBaseModel struct {
	ID                   string          `json:"id"`
	HumanName            string          `json:"human_name"`
	Description          string          `json:"description,omitempty"`
	Modality             string          `json:"modality,omitempty"`
	DefaultContextTokens int             `json:"default_context_tokens,omitempty"`
	RawPayload           json.RawMessage `json:"raw_payload"`
}

// RawEndpoint is one hosting endpoint of a base model, stored verbatim
type RawEndpoint struct {
	BaseModelID         string          `json:"base_model_id"`
	ProviderShortName   string          `json:"provider_short_name"`
	PricingIn           float64         `json:"pricing_in"`  // USD per token, as delivered
	PricingOut          float64         `json:"pricing_out"` // USD per token, as delivered
	PricingImage        *float64        `json:"pricing_image,omitempty"`
	ContextTokens       int             `json:"context_tokens,omitempty"`
	MaxOutputTokens     int             `json:"max_output_tokens,omitempty"`
	Quantization        string          `json:"quantization,omitempty"`
	SupportedParameters []string        `json:"supported_parameters,omitempty"`
	RawPayload          json.RawMessage `json:"raw_payload"`
}

// Capabilities are the boolean capability flags of a unified model
type Capabilities struct {
	Tools     bool `json:"tools"`
	Vision    bool `json:"vision"`
	Reasoning bool `json:"reasoning"`
	Thinking  bool `json:"thinking"`
	JSONMode  bool `json:"json_mode"`
}

// Cost is normalized to USD per 1M tokens
type Cost struct {
	Cost1MTInputUSD  float64 `json:"cost_1mT_input_usd"`
	Cost1MTOutputUSD float64 `json:"cost_1mT_output_usd"`
	IsFree           bool    `json:"is_free"`
}

// Technical holds endpoint-level technical limits
type Technical struct {
	ContextTokens   int    `json:"context_tokens"`
	MaxOutputTokens int    `json:"max_output_tokens,omitempty"`
	Quantization    string `json:"quantization,omitempty"`
}

// UnifiedModel is one merged (base model, hosting endpoint) pair — the
// routable unit. Every derived field is reproducible from the two raw
// snapshots, which are preserved verbatim for the origin-trace consumer.
type UnifiedModel struct {
	UnifiedID         string `json:"unified_id"` // base_model_id ":" normalized provider
	DeveloperID       string `json:"developer_id"`
	BaseModelID       string `json:"base_model_id"`
	BaseModelName     string `json:"base_model_name"`
	VariantName       string `json:"variant_name,omitempty"`
	PrintName1        string `json:"print_name_1"`
	PrintNamePart1    string `json:"print_name_part1"`
	PrintNamePart2    string `json:"print_name_part2"`
	AccessProviderID  string `json:"access_provider_id"`
	HostingProviderID string `json:"hosting_provider_id"`

	Capabilities Capabilities `json:"capabilities"`
	Cost         Cost         `json:"cost"`
	Technical    Technical    `json:"technical"`

	LatencyMs        *float64   `json:"latency_ms,omitempty"` // EWMA over completed council runs
	LastLatencyCheck *time.Time `json:"last_latency_check,omitempty"`
	LatencyLiveMs    *float64   `json:"latency_live_ms,omitempty"` // last on-demand probe
	LatencyLiveAt    *time.Time `json:"latency_live_at,omitempty"`

	RawBaseModelSnapshot json.RawMessage `json:"raw_base_model_snapshot,omitempty"`
	RawEndpointSnapshot  json.RawMessage `json:"raw_endpoint_snapshot,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasCapabilities reports whether the model covers every required capability
func (m *UnifiedModel) HasCapabilities(required []string) bool {
	for _, r := range required {
		switch r {
		case "tools":
			if !m.Capabilities.Tools {
				return false
			}
		case "vision":
			if !m.Capabilities.Vision {
				return false
			}
		case "reasoning":
			if !m.Capabilities.Reasoning {
				return false
			}
		case "thinking":
			if !m.Capabilities.Thinking {
				return false
			}
		case "json_mode":
			if !m.Capabilities.JSONMode {
				return false
			}
		}
	}
	return true
}

// BaseModelSummary is the grouped list-view over unified variants
type BaseModelSummary struct {
	BaseModelID     string `json:"base_model_id"`
	BaseModelName   string `json:"base_model_name"`
	DeveloperID     string `json:"developer_id"`
	PrintNamePart1  string `json:"print_name_part1"`
	VariantsCount   int    `json:"variants_count"`
	IsFreeAvailable bool   `json:"is_free_available"`
}

// CatalogStats summarizes the unified model table
type CatalogStats struct {
	TotalModels     int            `json:"total_models"`
	TotalBaseModels int            `json:"total_base_models"`
	ProviderCounts  map[string]int `json:"provider_counts"`
	FreeModels      int            `json:"free_models"`
	Capabilities    map[string]int `json:"capabilities"`
	AverageLatency  *float64       `json:"average_latency,omitempty"`
	LastUpdated     time.Time      `json:"last_updated"`
}

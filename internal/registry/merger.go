package registry

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"council/internal/models"
)

// AccessProviderID identifies the gateway all unified rows come through
const AccessProviderID = "OpenRouter"

// rawBaseModel mirrors the catalog endpoint's model object
type rawBaseModel struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	ContextLen   int    `json:"context_length"`
	Architecture struct {
		Modality        string   `json:"modality"`
		InputModalities []string `json:"input_modalities"`
	} `json:"architecture"`
	Pricing             rawPricing `json:"pricing"`
	SupportedParameters []string   `json:"supported_parameters"`
	TopProvider         struct {
		ContextLength       int `json:"context_length"`
		MaxCompletionTokens int `json:"max_completion_tokens"`
	} `json:"top_provider"`
}

// rawEndpoint mirrors one entry of the per-model endpoints endpoint
type rawEndpoint struct {
	ProviderName        string     `json:"provider_name"`
	ContextLength       *int       `json:"context_length"`
	MaxCompletionTokens *int       `json:"max_completion_tokens"`
	Pricing             rawPricing `json:"pricing"`
	Quantization        string     `json:"quantization"`
	SupportedParameters []string   `json:"supported_parameters"`
}

// rawPricing tolerates the gateway's mixed string/number pricing values
type rawPricing struct {
	Prompt     json.Number `json:"prompt"`
	Completion json.Number `json:"completion"`
	Image      json.Number `json:"image"`
}

func (p rawPricing) promptPerToken() float64     { return numberValue(p.Prompt) }
func (p rawPricing) completionPerToken() float64 { return numberValue(p.Completion) }
func (p rawPricing) imagePrice() float64         { return numberValue(p.Image) }
func (p rawPricing) empty() bool {
	return p.Prompt == "" && p.Completion == "" && p.Image == ""
}

func numberValue(n json.Number) float64 {
	if n == "" {
		return 0
	}
	v, err := n.Float64()
	if err != nil {
		return 0
	}
	return v
}

// NormalizeProviderName casefolds a hosting provider name and strips
// punctuation, producing the id-safe suffix of a unified id.
// "DeepInfra" → "deepinfra", "Google AI Studio" → "googleaistudio".
func NormalizeProviderName(name string) string {
	if name == "" {
		return "unknown"
	}
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "unknown"
	}
	return b.String()
}

// MergeEndpointFirst produces one UnifiedModel row from a (base model,
// endpoint) snapshot pair. Endpoint data is the source of truth; base
// model data fills the gaps. The function is pure over its two JSON
// inputs, so reprocessing stored snapshots reproduces the row exactly.
func MergeEndpointFirst(baseJSON, endpointJSON json.RawMessage) (*models.UnifiedModel, error) {
	var base rawBaseModel
	if err := json.Unmarshal(baseJSON, &base); err != nil {
		return nil, fmt.Errorf("failed to parse base model snapshot: %w", err)
	}
	var ep rawEndpoint
	if err := json.Unmarshal(endpointJSON, &ep); err != nil {
		return nil, fmt.Errorf("failed to parse endpoint snapshot: %w", err)
	}

	baseID := base.ID
	if baseID == "" {
		baseID = "unknown"
	}

	providerName := ep.ProviderName
	if providerName == "" {
		providerName = AccessProviderID
	}
	hostingID := NormalizeProviderName(providerName)
	unifiedID := baseID + ":" + hostingID

	// Capabilities: endpoint supported_parameters override the base set
	params := ep.SupportedParameters
	if params == nil {
		params = base.SupportedParameters
	}
	paramSet := toSet(params)

	caps := models.Capabilities{
		Tools:     paramSet["tools"] || paramSet["tool_choice"] || paramSet["function_calling"],
		JSONMode:  paramSet["response_format"] || paramSet["structured_outputs"],
		Reasoning: paramSet["reasoning"] || paramSet["include_reasoning"],
		Thinking:  paramSet["include_reasoning"],
	}
	if !caps.Reasoning {
		// Heuristic on the base description when the endpoint is silent
		desc := strings.ToLower(base.Description)
		caps.Reasoning = strings.Contains(desc, "reasoning")
		caps.Thinking = caps.Thinking || strings.Contains(desc, "thinking")
	}

	// Vision is architectural; an endpoint exposing image pricing also counts
	for _, m := range base.Architecture.InputModalities {
		if m == "image" {
			caps.Vision = true
		}
	}
	if ep.Pricing.imagePrice() != 0 {
		caps.Vision = true
	}

	// Pricing: endpoint authoritative, base fallback (rare).
	// Inbound units are USD per token; stored as USD per 1M tokens.
	pricing := ep.Pricing
	if pricing.empty() {
		pricing = base.Pricing
	}
	promptPrice := pricing.promptPerToken()
	completionPrice := pricing.completionPerToken()

	cost := models.Cost{
		Cost1MTInputUSD:  promptPrice * 1_000_000,
		Cost1MTOutputUSD: completionPrice * 1_000_000,
		IsFree:           (promptPrice == 0 && completionPrice == 0) || strings.HasSuffix(baseID, ":free"),
	}

	// Context length: endpoint wins when present
	contextTokens := base.ContextLen
	if ep.ContextLength != nil {
		contextTokens = *ep.ContextLength
	}

	// Max output tokens and quantization are endpoint-only
	maxOutput := 0
	if ep.MaxCompletionTokens != nil {
		maxOutput = *ep.MaxCompletionTokens
	}

	technical := models.Technical{
		ContextTokens:   contextTokens,
		MaxOutputTokens: maxOutput,
		Quantization:    ep.Quantization,
	}

	// Identity split: "openai/gpt-4o:free" → developer, model name, variant
	developer := "unknown"
	modelName := baseID
	if idx := strings.Index(baseID, "/"); idx > 0 {
		developer = baseID[:idx]
		modelName = baseID[idx+1:]
	}
	variant := ""
	if idx := strings.Index(modelName, ":"); idx > 0 {
		variant = modelName[idx+1:]
		modelName = modelName[:idx]
	}

	printPart1 := developer + ":" + modelName
	printPart2 := buildPrintPart2(providerName, ep.Quantization, caps, cost)

	return &models.UnifiedModel{
		UnifiedID:         unifiedID,
		DeveloperID:       developer,
		BaseModelID:       baseID,
		BaseModelName:     modelName,
		VariantName:       variant,
		PrintName1:        fmt.Sprintf("%s - %s (%s)", printPart1, printPart2, providerName),
		PrintNamePart1:    printPart1,
		PrintNamePart2:    printPart2,
		AccessProviderID:  AccessProviderID,
		HostingProviderID: hostingID,
		Capabilities:      caps,
		Cost:              cost,
		Technical:         technical,

		RawBaseModelSnapshot: baseJSON,
		RawEndpointSnapshot:  endpointJSON,
	}, nil
}

// buildPrintPart2 renders the compact variant descriptor:
// "XX [quant] [flags] [price]" — XX is the first two letters of the
// hosting provider name, upper-cased; flags R/V/T/J for the capability set.
func buildPrintPart2(providerName, quantization string, caps models.Capabilities, cost models.Cost) string {
	var flags strings.Builder
	if caps.Reasoning {
		flags.WriteString("R")
	}
	if caps.Vision {
		flags.WriteString("V")
	}
	if caps.Tools {
		flags.WriteString("T")
	}
	if caps.JSONMode {
		flags.WriteString("J")
	}

	providerShort := strings.ToUpper(providerName)
	if len(providerShort) > 2 {
		providerShort = providerShort[:2]
	}

	price := "[FREE]"
	if !cost.IsFree {
		price = fmt.Sprintf("[$%.2f/mT]", cost.Cost1MTInputUSD)
	}

	if quantization == "" {
		quantization = "unknown"
	}

	return fmt.Sprintf("%s %s %s %s", providerShort, quantization, flags.String(), price)
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}

// touchTimestamps stamps row lifecycle times, preserving created_at on
// re-merge so idempotent reprocessing only moves updated_at.
func touchTimestamps(row *models.UnifiedModel, existing *models.UnifiedModel, now time.Time) {
	row.UpdatedAt = now
	if existing != nil {
		row.CreatedAt = existing.CreatedAt
		row.LatencyMs = existing.LatencyMs
		row.LastLatencyCheck = existing.LastLatencyCheck
		row.LatencyLiveMs = existing.LatencyLiveMs
		row.LatencyLiveAt = existing.LatencyLiveAt
	} else {
		row.CreatedAt = now
	}
}

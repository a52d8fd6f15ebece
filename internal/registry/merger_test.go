package registry

import (
	"encoding/json"
	"math"
	"reflect"
	"testing"
)

func approx(got, want float64) bool {
	return math.Abs(got-want) < 1e-9
}

func TestNormalizeProviderName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"DeepInfra", "deepinfra"},
		{"Google AI Studio", "googleaistudio"},
		{"together.ai", "togetherai"},
		{"Fireworks-AI", "fireworksai"},
		{"", "unknown"},
		{"---", "unknown"},
	}
	for _, tt := range tests {
		if got := NormalizeProviderName(tt.in); got != tt.want {
			t.Errorf("NormalizeProviderName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

const baseModelJSON = `{
	"id": "openai/gpt-4o",
	"name": "GPT-4o",
	"description": "Flagship multimodal model",
	"context_length": 32000,
	"architecture": {"modality": "text+image->text", "input_modalities": ["text", "image"]},
	"pricing": {"prompt": "0.0000025", "completion": "0.00001"},
	"supported_parameters": ["tools", "response_format"],
	"top_provider": {"context_length": 128000, "max_completion_tokens": 16384}
}`

const endpointJSON = `{
	"provider_name": "DeepInfra",
	"context_length": 8192,
	"max_completion_tokens": 4096,
	"pricing": {"prompt": "0.000002", "completion": "0.000008"},
	"quantization": "fp8",
	"supported_parameters": ["tools", "reasoning"]
}`

func TestMergeEndpointFirst_Identity(t *testing.T) {
	m, err := MergeEndpointFirst([]byte(baseModelJSON), []byte(endpointJSON))
	if err != nil {
		t.Fatalf("MergeEndpointFirst() error = %v", err)
	}

	if m.UnifiedID != "openai/gpt-4o:deepinfra" {
		t.Errorf("unified id = %q, want openai/gpt-4o:deepinfra", m.UnifiedID)
	}
	if m.DeveloperID != "openai" {
		t.Errorf("developer = %q, want openai", m.DeveloperID)
	}
	if m.BaseModelName != "gpt-4o" {
		t.Errorf("base model name = %q, want gpt-4o", m.BaseModelName)
	}
	if m.AccessProviderID != "OpenRouter" {
		t.Errorf("access provider = %q, want OpenRouter", m.AccessProviderID)
	}
	if m.HostingProviderID != "deepinfra" {
		t.Errorf("hosting provider = %q, want deepinfra", m.HostingProviderID)
	}
}

// Endpoint context must win over base when both are present; removing
// the endpoint value falls back to the base.
func TestMergeEndpointFirst_ContextLengthConflict(t *testing.T) {
	m, err := MergeEndpointFirst([]byte(baseModelJSON), []byte(endpointJSON))
	if err != nil {
		t.Fatalf("MergeEndpointFirst() error = %v", err)
	}
	if m.Technical.ContextTokens != 8192 {
		t.Errorf("context tokens = %d, want 8192 (endpoint wins)", m.Technical.ContextTokens)
	}

	withoutContext := `{"provider_name": "DeepInfra", "pricing": {"prompt": "0.000002", "completion": "0.000008"}}`
	m2, err := MergeEndpointFirst([]byte(baseModelJSON), []byte(withoutContext))
	if err != nil {
		t.Fatalf("MergeEndpointFirst() error = %v", err)
	}
	if m2.Technical.ContextTokens != 32000 {
		t.Errorf("context tokens = %d, want 32000 (base fallback)", m2.Technical.ContextTokens)
	}
}

func TestMergeEndpointFirst_PricingNormalization(t *testing.T) {
	m, err := MergeEndpointFirst([]byte(baseModelJSON), []byte(endpointJSON))
	if err != nil {
		t.Fatalf("MergeEndpointFirst() error = %v", err)
	}

	// Inbound per-token USD strings become USD per 1M tokens
	if !approx(m.Cost.Cost1MTInputUSD, 2.0) {
		t.Errorf("input cost = %v, want 2.0", m.Cost.Cost1MTInputUSD)
	}
	if !approx(m.Cost.Cost1MTOutputUSD, 8.0) {
		t.Errorf("output cost = %v, want 8.0", m.Cost.Cost1MTOutputUSD)
	}
	if m.Cost.IsFree {
		t.Error("model should not be free")
	}
}

func TestMergeEndpointFirst_EndpointPricingAuthoritative(t *testing.T) {
	// Base says $2.50/1M; the endpoint says $2.00/1M and must win
	m, err := MergeEndpointFirst([]byte(baseModelJSON), []byte(endpointJSON))
	if err != nil {
		t.Fatalf("MergeEndpointFirst() error = %v", err)
	}
	if !approx(m.Cost.Cost1MTInputUSD, 2.0) {
		t.Errorf("input cost = %v, want endpoint pricing 2.0", m.Cost.Cost1MTInputUSD)
	}

	// Without endpoint pricing the base fills in
	noPricing := `{"provider_name": "DeepInfra"}`
	m2, err := MergeEndpointFirst([]byte(baseModelJSON), []byte(noPricing))
	if err != nil {
		t.Fatalf("MergeEndpointFirst() error = %v", err)
	}
	if !approx(m2.Cost.Cost1MTInputUSD, 2.5) {
		t.Errorf("input cost = %v, want base fallback 2.5", m2.Cost.Cost1MTInputUSD)
	}
}

func TestMergeEndpointFirst_FreeDetection(t *testing.T) {
	freeBase := `{"id": "z-ai/glm-4.5-air:free", "pricing": {"prompt": "0", "completion": "0"}}`
	freeEndpoint := `{"provider_name": "Z.AI", "pricing": {"prompt": "0", "completion": "0"}}`

	m, err := MergeEndpointFirst([]byte(freeBase), []byte(freeEndpoint))
	if err != nil {
		t.Fatalf("MergeEndpointFirst() error = %v", err)
	}
	if !m.Cost.IsFree {
		t.Error("zero-priced model should be free")
	}
	if m.VariantName != "free" {
		t.Errorf("variant = %q, want free", m.VariantName)
	}
	if m.BaseModelName != "glm-4.5-air" {
		t.Errorf("base model name = %q, want glm-4.5-air", m.BaseModelName)
	}

	// The :free suffix alone marks a model free even with nonzero pricing
	suffixOnly := `{"id": "openai/gpt-4o:free", "pricing": {"prompt": "0.000001", "completion": "0.000001"}}`
	m2, err := MergeEndpointFirst([]byte(suffixOnly), []byte(`{"provider_name": "X"}`))
	if err != nil {
		t.Fatalf("MergeEndpointFirst() error = %v", err)
	}
	if !m2.Cost.IsFree {
		t.Error(":free suffix should mark the model free")
	}
}

func TestMergeEndpointFirst_Capabilities(t *testing.T) {
	m, err := MergeEndpointFirst([]byte(baseModelJSON), []byte(endpointJSON))
	if err != nil {
		t.Fatalf("MergeEndpointFirst() error = %v", err)
	}

	if !m.Capabilities.Tools {
		t.Error("tools should be true (endpoint supported_parameters)")
	}
	if !m.Capabilities.Reasoning {
		t.Error("reasoning should be true (endpoint supported_parameters)")
	}
	if !m.Capabilities.Vision {
		t.Error("vision should be true (base input_modalities)")
	}
	// Endpoint parameters replace the base set: response_format is gone
	if m.Capabilities.JSONMode {
		t.Error("json_mode should be false (endpoint parameters override base)")
	}
}

func TestMergeEndpointFirst_VisionViaImagePricing(t *testing.T) {
	base := `{"id": "acme/text-model", "architecture": {"input_modalities": ["text"]}}`
	endpoint := `{"provider_name": "Acme", "pricing": {"prompt": "0.000001", "completion": "0.000001", "image": "0.001"}}`

	m, err := MergeEndpointFirst([]byte(base), []byte(endpoint))
	if err != nil {
		t.Fatalf("MergeEndpointFirst() error = %v", err)
	}
	if !m.Capabilities.Vision {
		t.Error("image pricing on the endpoint should imply vision")
	}
}

func TestMergeEndpointFirst_EndpointOnlyFields(t *testing.T) {
	m, err := MergeEndpointFirst([]byte(baseModelJSON), []byte(endpointJSON))
	if err != nil {
		t.Fatalf("MergeEndpointFirst() error = %v", err)
	}
	if m.Technical.MaxOutputTokens != 4096 {
		t.Errorf("max output = %d, want 4096", m.Technical.MaxOutputTokens)
	}
	if m.Technical.Quantization != "fp8" {
		t.Errorf("quantization = %q, want fp8", m.Technical.Quantization)
	}
}

// Reprocessing the stored snapshots must reproduce the row exactly on
// all non-latency fields.
func TestMergeEndpointFirst_Idempotent(t *testing.T) {
	first, err := MergeEndpointFirst([]byte(baseModelJSON), []byte(endpointJSON))
	if err != nil {
		t.Fatalf("MergeEndpointFirst() error = %v", err)
	}

	second, err := MergeEndpointFirst(first.RawBaseModelSnapshot, first.RawEndpointSnapshot)
	if err != nil {
		t.Fatalf("re-merge error = %v", err)
	}

	if !reflect.DeepEqual(first, second) {
		t.Errorf("re-merge diverged:\nfirst:  %+v\nsecond: %+v", first, second)
	}
}

func TestMergeEndpointFirst_SnapshotsVerbatim(t *testing.T) {
	m, err := MergeEndpointFirst([]byte(baseModelJSON), []byte(endpointJSON))
	if err != nil {
		t.Fatalf("MergeEndpointFirst() error = %v", err)
	}
	if string(m.RawBaseModelSnapshot) != baseModelJSON {
		t.Error("base snapshot was not preserved verbatim")
	}
	if string(m.RawEndpointSnapshot) != endpointJSON {
		t.Error("endpoint snapshot was not preserved verbatim")
	}
}

func TestExtractEndpointList(t *testing.T) {
	direct := `{"data": [{"provider_name": "A"}, {"provider_name": "B"}]}`
	if got := extractEndpointList(json.RawMessage(direct)); len(got) != 2 {
		t.Errorf("direct shape: got %d endpoints, want 2", len(got))
	}

	nested := `{"data": {"endpoints": [{"provider_name": "A"}]}}`
	if got := extractEndpointList(json.RawMessage(nested)); len(got) != 1 {
		t.Errorf("nested shape: got %d endpoints, want 1", len(got))
	}

	empty := `{"data": []}`
	if got := extractEndpointList(json.RawMessage(empty)); got != nil {
		t.Errorf("empty shape: got %v, want nil", got)
	}
}

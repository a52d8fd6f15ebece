package models

// Consensus strategy identifiers
const (
	StrategyBordaCount  = "borda_count"
	StrategyChairmanCut = "chairman_cut"
)

// Response timeout bounds in seconds
const (
	MinResponseTimeoutS = 10
	MaxResponseTimeoutS = 300
)

// Council size bounds
const (
	MinCouncilMembers = 1
	MaxCouncilMembers = 6
)

// CouncilConfig is the runtime configuration of the council pipeline.
// It is persisted as a JSON config file and hot-reloaded.
type CouncilConfig struct {
	CouncilModels      []string          `json:"council_models"`
	ChairmanModel      string            `json:"chairman_model"`
	SubstituteModels   map[string]string `json:"substitute_models"`
	ModelPersonalities map[string]string `json:"model_personalities"`
	ConsensusStrategy  string            `json:"consensus_strategy"`
	ResponseTimeoutS   int               `json:"response_timeout_s"`
}

// Normalize clamps the config into its documented bounds:
// 1-6 council members, timeout within [10, 300], known strategy.
func (c *CouncilConfig) Normalize() {
	if len(c.CouncilModels) > MaxCouncilMembers {
		c.CouncilModels = c.CouncilModels[:MaxCouncilMembers]
	}
	if c.ResponseTimeoutS < MinResponseTimeoutS {
		c.ResponseTimeoutS = MinResponseTimeoutS
	}
	if c.ResponseTimeoutS > MaxResponseTimeoutS {
		c.ResponseTimeoutS = MaxResponseTimeoutS
	}
	if c.ConsensusStrategy != StrategyBordaCount && c.ConsensusStrategy != StrategyChairmanCut {
		c.ConsensusStrategy = StrategyBordaCount
	}
	if c.SubstituteModels == nil {
		c.SubstituteModels = map[string]string{}
	}
	if c.ModelPersonalities == nil {
		c.ModelPersonalities = map[string]string{}
	}
}

// DefaultCouncilConfig returns the shipped default configuration.
func DefaultCouncilConfig() CouncilConfig {
	return CouncilConfig{
		CouncilModels: []string{
			"xiaomi/mimo-v2-flash:free",
			"tngtech/deepseek-r1t2-chimera:free",
			"nex-agi/deepseek-v3.1-nex-n1:free",
			"z-ai/glm-4.5-air:free",
			"nvidia/nemotron-nano-12b-v2-vl:free",
		},
		ChairmanModel:     "z-ai/glm-4.5-air:free",
		ConsensusStrategy: StrategyBordaCount,
		ResponseTimeoutS:  60,
		SubstituteModels:  map[string]string{},
		ModelPersonalities: map[string]string{
			"xiaomi/mimo-v2-flash:free":           "Fast multimodal reasoning",
			"tngtech/deepseek-r1t2-chimera:free":  "Deep analytical reasoning",
			"nex-agi/deepseek-v3.1-nex-n1:free":   "Advanced logical reasoning",
			"z-ai/glm-4.5-air:free":               "Balanced reasoning with insights",
			"nvidia/nemotron-nano-12b-v2-vl:free": "Vision-enhanced reasoning",
		},
	}
}

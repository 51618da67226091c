package model

// Profile holds the generation parameters sent with a model call.
type Profile struct {
	Temperature      float64 `json:"temperature"`
	MaxTokens        int     `json:"max_tokens"`
	TopP             float64 `json:"top_p"`
	FrequencyPenalty float64 `json:"frequency_penalty"`
	PresencePenalty  float64 `json:"presence_penalty"`
}

var (
	// planningProfile favours precision and leaves room for long designs.
	planningProfile = Profile{
		Temperature:      0.2,
		MaxTokens:        12288,
		TopP:             0.85,
		FrequencyPenalty: 0.1,
	}

	codeProfile = Profile{
		Temperature: 0.5,
		MaxTokens:   8192,
		TopP:        0.9,
	}

	defaultProfile = Profile{
		Temperature: 0.7,
		MaxTokens:   4096,
		TopP:        0.95,
	}
)

// ProfileForAgent returns the generation profile for an agent family.
func ProfileForAgent(a Agent) Profile {
	switch a {
	case AgentArchitect, AgentSecurity, AgentProduct:
		return planningProfile
	case AgentFrontend, AgentBackend:
		return codeProfile
	default:
		return defaultProfile
	}
}

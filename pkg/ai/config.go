package ai

// GenerationConfig describes how a stage talks to the model. It is carried
// explicitly from the workflow payload down to every LLM call; unset fields
// fall back to the client's defaults.
type GenerationConfig struct {
	Model       string   `json:"model,omitempty" toml:"model"`
	Temperature *float64 `json:"temperature,omitempty" toml:"temperature"`
	TopP        *float64 `json:"top_p,omitempty" toml:"top_p"`
	MaxTokens   int      `json:"max_tokens,omitempty" toml:"max_tokens" validate:"gte=0"`
	Thinking    string   `json:"thinking,omitempty" toml:"thinking"`
}

// Options converts the config into generate options. Only fields that are
// set produce an option.
func (c GenerationConfig) Options() []GenerateOption {
	opts := make([]GenerateOption, 0, 5)
	if c.Model != "" {
		opts = append(opts, WithModel(c.Model))
	}
	if c.Temperature != nil {
		opts = append(opts, WithTemperature(*c.Temperature))
	}
	if c.TopP != nil {
		opts = append(opts, WithTopP(*c.TopP))
	}
	if c.MaxTokens > 0 {
		opts = append(opts, WithMaxTokens(c.MaxTokens))
	}
	if c.Thinking != "" {
		opts = append(opts, WithThinking(c.Thinking))
	}
	return opts
}

// Merge returns a copy of c where every field set in override replaces the
// value of c.
func (c GenerationConfig) Merge(override GenerationConfig) GenerationConfig {
	out := c
	if override.Model != "" {
		out.Model = override.Model
	}
	if override.Temperature != nil {
		t := *override.Temperature
		out.Temperature = &t
	}
	if override.TopP != nil {
		p := *override.TopP
		out.TopP = &p
	}
	if override.MaxTokens > 0 {
		out.MaxTokens = override.MaxTokens
	}
	if override.Thinking != "" {
		out.Thinking = override.Thinking
	}
	return out
}

// Float returns a pointer to f, handy for building configs in code.
func Float(f float64) *float64 {
	return &f
}

package tts

// Voice describes a TTS voice.
type Voice struct {
	// ID is the provider-specific voice identifier.
	ID string `json:"id"`

	// Name is the human-readable voice name.
	Name string `json:"name"`

	// Provider identifies which TTS provider this voice belongs to.
	Provider string `json:"provider,omitempty"`

	// Language is the voice's language code, when known.
	Language string `json:"language,omitempty"`

	// SpeedFactor adjusts speaking rate (0.5–2.0, 1.0 = default). Providers
	// that do not support rate control ignore it.
	SpeedFactor float64 `json:"speed_factor,omitempty"`

	// Metadata holds provider-specific voice attributes.
	Metadata map[string]string `json:"metadata,omitempty"`
}

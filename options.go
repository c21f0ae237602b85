package recordlayer

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Settings holds the record layer's tunable parameters, the typed
// replacement for new_layer's settings/options OSSL_PARAM arrays
// (spec.md §6).
type Settings struct {
	// MaxFragmentLength bounds plaintext record length before encryption
	// (spec.md §4.F/§4.H "MAX_COMPRESSED_LENGTH"/"max_frag_len").
	MaxFragmentLength int `yaml:"max_fragment_length"`

	// Version is the negotiated DTLS wire version (VersionDTLS10 or
	// VersionDTLS12). Zero means "not yet negotiated" (versionAny).
	Version uint16 `yaml:"version"`

	// ReplayWindowSize documents the replay window's width; the
	// implementation is fixed at 64 bits (spec.md §3), so this field
	// exists for config-surface parity with the original's tunable
	// option and is rejected if set to anything else.
	ReplayWindowSize int `yaml:"replay_window_size"`

	// MaxPipelines documents the original's pipelining option; receive
	// pipelining is an explicit Non-goal (spec.md §1), so this must be 1.
	MaxPipelines int `yaml:"max_pipelines"`
}

// DefaultSettings returns the settings a freshly-constructed Layer uses
// absent any configuration.
func DefaultSettings() Settings {
	return Settings{
		MaxFragmentLength: 1 << 14, // 16384, RFC 6347's default
		Version:           versionAny,
		ReplayWindowSize:  64,
		MaxPipelines:      1,
	}
}

// Validate rejects settings this implementation cannot honor.
func (s Settings) Validate() error {
	if s.MaxFragmentLength <= 0 || s.MaxFragmentLength > 1<<14 {
		return fmt.Errorf("recordlayer: max_fragment_length %d out of range [1, 16384]", s.MaxFragmentLength)
	}
	if s.ReplayWindowSize != 64 {
		return fmt.Errorf("recordlayer: replay_window_size must be 64, got %d", s.ReplayWindowSize)
	}
	if s.MaxPipelines != 1 {
		return fmt.Errorf("recordlayer: max_pipelines must be 1 (pipelining is not supported), got %d", s.MaxPipelines)
	}
	return nil
}

// LoadSettings reads Settings from a YAML document, applying
// DefaultSettings first so an incomplete document still validates.
func LoadSettings(data []byte) (Settings, error) {
	s := DefaultSettings()
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("recordlayer: parsing settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// LoadSettingsFile reads Settings from a YAML file at path.
func LoadSettingsFile(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("recordlayer: reading settings file: %w", err)
	}
	return LoadSettings(data)
}

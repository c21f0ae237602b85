package recordlayer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadSettingsDefaults(t *testing.T) {
	s, err := LoadSettings([]byte(`{}`))
	require.NoError(t, err)
	require.Equal(t, DefaultSettings(), s)
}

func TestLoadSettingsOverride(t *testing.T) {
	s, err := LoadSettings([]byte("max_fragment_length: 1200\nversion: 65277\n"))
	require.NoError(t, err)
	require.Equal(t, 1200, s.MaxFragmentLength)
	require.Equal(t, VersionDTLS12, s.Version)
}

func TestLoadSettingsRejectsPipelining(t *testing.T) {
	_, err := LoadSettings([]byte("max_pipelines: 4\n"))
	require.Error(t, err)
}

func TestLoadSettingsRejectsOversizeFragment(t *testing.T) {
	_, err := LoadSettings([]byte("max_fragment_length: 100000\n"))
	require.Error(t, err)
}

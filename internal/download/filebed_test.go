package download

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lmarena-bridge/bridge/internal/config"
)

func TestFileBedDisabledByDefault(t *testing.T) {
	fb := NewFileBed(&config.FileBedConfig{}, nil)
	_, err := fb.SelectEndpoint()
	require.Error(t, err)
}

func TestFileBedRoundRobinCyclesEndpoints(t *testing.T) {
	cfg := &config.FileBedConfig{
		Enabled:           true,
		SelectionStrategy: "round_robin",
		Endpoints:         []string{"e0", "e1"},
	}
	fb := NewFileBed(cfg, nil)

	var got []string
	for i := 0; i < 4; i++ {
		ep, err := fb.SelectEndpoint()
		require.NoError(t, err)
		got = append(got, ep)
	}
	require.Equal(t, []string{"e0", "e1", "e0", "e1"}, got)
}

func TestFileBedFailoverAlwaysReturnsFirst(t *testing.T) {
	cfg := &config.FileBedConfig{
		Enabled:           true,
		SelectionStrategy: "failover",
		Endpoints:         []string{"primary", "secondary"},
	}
	fb := NewFileBed(cfg, nil)

	for i := 0; i < 3; i++ {
		ep, err := fb.SelectEndpoint()
		require.NoError(t, err)
		require.Equal(t, "primary", ep)
	}
}

package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lmarena-bridge/bridge/internal/config"
)

func TestResolveRoundRobinFairness(t *testing.T) {
	cfg := config.Defaults()
	cfg.Models = []config.ModelConfig{
		{
			Name:  "m-rr",
			Class: "text",
			Endpoints: []config.SessionTuple{
				{SessionID: "s0", MessageID: "m0"},
				{SessionID: "s1", MessageID: "m1"},
				{SessionID: "s2", MessageID: "m2"},
			},
		},
	}
	r := New(cfg)

	var got []string
	for i := 0; i < 6; i++ {
		tuple, err := r.Resolve("m-rr")
		require.NoError(t, err)
		got = append(got, tuple.SessionID)
	}

	require.Equal(t, []string{"s0", "s1", "s2", "s0", "s1", "s2"}, got)
}

func TestResolveFallsBackToGlobalDefault(t *testing.T) {
	cfg := config.Defaults()
	cfg.Session.SessionID = "global-session"
	cfg.Session.MessageID = "global-message"

	r := New(cfg)
	tuple, err := r.Resolve("unconfigured-model")
	require.NoError(t, err)
	require.Equal(t, "global-session", tuple.SessionID)
}

func TestResolveRejectsEmptyTuple(t *testing.T) {
	r := New(config.Defaults())
	_, err := r.Resolve("unconfigured-model")
	require.Error(t, err)
}

func TestResolveConcurrentCursorAdvancesExactlyOncePerSelection(t *testing.T) {
	cfg := config.Defaults()
	cfg.Models = []config.ModelConfig{
		{
			Name: "m-rr",
			Endpoints: []config.SessionTuple{
				{SessionID: "s0", MessageID: "m0"},
				{SessionID: "s1", MessageID: "m1"},
			},
		},
	}
	r := New(cfg)

	const n = 200
	results := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tuple, err := r.Resolve("m-rr")
			require.NoError(t, err)
			results <- tuple.SessionID
		}()
	}
	wg.Wait()
	close(results)

	counts := map[string]int{}
	for s := range results {
		counts[s]++
	}
	require.Equal(t, n/2, counts["s0"])
	require.Equal(t, n/2, counts["s1"])
}

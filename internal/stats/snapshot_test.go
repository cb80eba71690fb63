package stats

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSnapshotReportReflectsCounters(t *testing.T) {
	s := New(map[string]GaugeSource{
		"pending_queue_depth": func() int { return 3 },
	})

	s.IncRequestTotal()
	s.IncRequestTotal()
	s.IncRequestOK()
	s.IncRequestFailed()
	s.IncStreamChunk()
	s.IncInterstitial()

	report := s.Report()

	requests := report["requests"].(map[string]uint64)
	assert.Equal(t, uint64(2), requests["total"])
	assert.Equal(t, uint64(1), requests["ok"])
	assert.Equal(t, uint64(1), requests["failed"])
	assert.Equal(t, uint64(1), report["stream_chunks_total"])
	assert.Equal(t, uint64(1), report["interstitials_seen"])

	gauges := report["gauges"].(map[string]int)
	assert.Equal(t, 3, gauges["pending_queue_depth"])
}

func TestRequestLogAppendsJSONLPerDay(t *testing.T) {
	dir := t.TempDir()
	logger := zap.NewNop()
	log := NewRequestLog(dir, logger)
	defer log.Close()

	log.Append(RequestLogEntry{RequestID: "r1", Model: "lmarena/claude", Status: "ok"})
	log.Append(RequestLogEntry{RequestID: "r2", Model: "lmarena/claude", Status: "failed", ErrorMessage: "boom"})

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	lines := splitLines(string(data))
	require.Len(t, lines, 2)
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

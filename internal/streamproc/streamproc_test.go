package streamproc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func raw(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

// TestTextStreamingSuccess mirrors spec.md §8 scenario 1: a0 fragments
// followed by ad terminates the stream with finish_reason stop.
func TestTextStreamingSuccess(t *testing.T) {
	p := New(Options{ID: "req-1", Model: "m"})

	chunks, termErr := p.Feed(raw(t, `a0:"Hel"`+"\n"))
	require.Nil(t, termErr)
	require.Len(t, chunks, 1)
	require.Equal(t, "Hel", chunks[0].Choices[0].Delta.Content)

	chunks, termErr = p.Feed(raw(t, `a0:"lo"`+"\n"))
	require.Nil(t, termErr)
	require.Len(t, chunks, 1)
	require.Equal(t, "lo", chunks[0].Choices[0].Delta.Content)

	chunks, termErr = p.Feed(raw(t, `ad:{}`+"\n"))
	require.Nil(t, termErr)
	require.Len(t, chunks, 1)
	require.NotNil(t, chunks[0].Choices[0].FinishReason)
	require.Equal(t, "stop", *chunks[0].Choices[0].FinishReason)

	content, _ := p.Accumulated()
	require.Equal(t, "Hello", content)
	require.Equal(t, StateDone, p.State())
}

// TestReasoningThenContent mirrors spec.md §8 scenario 2: reasoning
// fragments precede content, with exactly one reasoning-close.
func TestReasoningThenContent(t *testing.T) {
	p := New(Options{ID: "req-2", Model: "m", StreamReasoning: true})

	chunks, termErr := p.Feed(raw(t, `ag:"Think"`+"\n"))
	require.Nil(t, termErr)
	require.Len(t, chunks, 1)
	require.Equal(t, "Think", chunks[0].Choices[0].Delta.ReasoningContent)

	chunks, termErr = p.Feed(raw(t, `ag:"ing"`+"\n"))
	require.Nil(t, termErr)
	require.Len(t, chunks, 1)
	require.Equal(t, "ing", chunks[0].Choices[0].Delta.ReasoningContent)

	chunks, termErr = p.Feed(raw(t, `a0:"Answer"`+"\n"))
	require.Nil(t, termErr)
	require.Len(t, chunks, 1, "streamed reasoning mode emits no separate close chunk")
	require.Equal(t, "Answer", chunks[0].Choices[0].Delta.Content)

	chunks, termErr = p.Feed(raw(t, `ad:{}`+"\n"))
	require.Nil(t, termErr)
	require.Len(t, chunks, 1)
	require.Equal(t, "stop", *chunks[0].Choices[0].FinishReason)

	content, reasoning := p.Accumulated()
	require.Equal(t, "Answer", content)
	require.Equal(t, "Thinking", reasoning)
}

// TestBufferedReasoningEmitsSingleCloseChunk covers non-streamed
// reasoning mode: deltas accumulate silently, then flush once as a
// single reasoning_content chunk when content starts.
func TestBufferedReasoningEmitsSingleCloseChunk(t *testing.T) {
	p := New(Options{ID: "req-3", Model: "m", StreamReasoning: false})

	chunks, _ := p.Feed(raw(t, `ag:"Think"`+"\n"))
	require.Empty(t, chunks, "buffered reasoning emits nothing until content starts")

	chunks, _ = p.Feed(raw(t, `a0:"Go"`+"\n"))
	require.Len(t, chunks, 2, "one reasoning-close chunk followed by one content chunk")
	require.Equal(t, "Think", chunks[0].Choices[0].Delta.ReasoningContent)
	require.Equal(t, "Go", chunks[1].Choices[0].Delta.Content)
}

func TestInterstitialDetectionEmitsContentFilterAndHalts(t *testing.T) {
	fired := false
	p := New(Options{ID: "req-4", Model: "m", OnInterstitial: func() { fired = true }})

	chunks, termErr := p.Feed(raw(t, "Just a moment...\n"))
	require.Nil(t, termErr)
	require.True(t, fired)
	require.Len(t, chunks, 1)
	require.Equal(t, "content_filter", *chunks[0].Choices[0].FinishReason)
	require.Equal(t, StateInterstitial, p.State())

	chunks, termErr = p.Feed(raw(t, `a0:"late"`+"\n"))
	require.Nil(t, termErr)
	require.Nil(t, chunks, "processor is terminal after an interstitial and ignores further frames")
}

func TestErrorDescriptorReturnsTerminalErrorNotChunk(t *testing.T) {
	p := New(Options{ID: "req-5", Model: "m"})

	chunks, termErr := p.Feed(raw(t, map[string]interface{}{"error": "rate limited"}))
	require.Nil(t, chunks)
	require.NotNil(t, termErr)
	require.Equal(t, "rate limited", termErr.Message)
	require.Equal(t, StateError, p.State())

	chunks, termErr = p.Feed(raw(t, `a0:"late"`+"\n"))
	require.Nil(t, chunks)
	require.Nil(t, termErr)
}

func TestRetryAdvisoryIsIgnored(t *testing.T) {
	p := New(Options{ID: "req-6", Model: "m"})

	chunks, termErr := p.Feed(raw(t, map[string]interface{}{"retry_info": map[string]interface{}{"attempt": 1}}))
	require.Nil(t, chunks)
	require.Nil(t, termErr)
	require.Equal(t, StateFresh, p.State())
}

func TestDuplicateImageSuppressedWithinOneResponse(t *testing.T) {
	p := New(Options{
		ID:    "req-7",
		Model: "m",
		Resolve: func(descriptor json.RawMessage) (string, error) {
			return "https://cdn.example.com/a.png", nil
		},
	})

	chunks, _ := p.Feed(raw(t, `a2:"desc-1"`+"\n"))
	require.Len(t, chunks, 1)
	require.Contains(t, chunks[0].Choices[0].Delta.Content, "https://cdn.example.com/a.png")

	chunks, _ = p.Feed(raw(t, `a2:"desc-2"`+"\n"))
	require.Empty(t, chunks, "a second descriptor resolving to the same URL is suppressed")
}

func TestPartialRecordCarriesAcrossFeedCalls(t *testing.T) {
	p := New(Options{ID: "req-8", Model: "m"})

	chunks, _ := p.Feed(raw(t, `a0:"Hel`))
	require.Empty(t, chunks, "no newline yet, record stays buffered")

	chunks, _ = p.Feed(raw(t, "lo\"\n"))
	require.Len(t, chunks, 1)
	require.Equal(t, "Hello", chunks[0].Choices[0].Delta.Content)
}

package translate

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/lmarena-bridge/bridge/internal/config"
	"github.com/lmarena-bridge/bridge/internal/session"
)

func strContent(t *testing.T, s string) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(s)
	require.NoError(t, err)
	return data
}

func TestForwardBasicTextTemplates(t *testing.T) {
	cfg := config.Defaults()
	req := ChatCompletionRequest{
		Model: "m-text",
		Messages: []ChatMessage{
			{Role: "user", Content: strContent(t, "hi")},
		},
	}
	tuple := session.Tuple{SessionID: "s1", MessageID: "m1"}

	payload, err := Forward(req, tuple, "text", cfg)
	require.NoError(t, err)
	require.Equal(t, "s1", payload.SessionID)
	require.Len(t, payload.MessageTemplates, 1)
	require.Equal(t, "hi", payload.MessageTemplates[0].Content)
	require.False(t, payload.IsImageRequest)
}

func TestForwardRejectsEmptyMessages(t *testing.T) {
	cfg := config.Defaults()
	_, err := Forward(ChatCompletionRequest{Model: "m"}, session.Tuple{SessionID: "s", MessageID: "m"}, "text", cfg)
	require.Error(t, err)
}

func TestForwardExtractsMarkdownImageAttachment(t *testing.T) {
	cfg := config.Defaults()
	req := ChatCompletionRequest{
		Model: "m-text",
		Messages: []ChatMessage{
			{Role: "assistant", Content: strContent(t, "here: ![pic](https://example.com/a.png) done")},
		},
	}
	payload, err := Forward(req, session.Tuple{SessionID: "s", MessageID: "m"}, "text", cfg)
	require.NoError(t, err)
	require.Len(t, payload.MessageTemplates[0].ExperimentalAttachments, 1)
	require.Equal(t, "https://example.com/a.png", payload.MessageTemplates[0].ExperimentalAttachments[0].URL)
	require.NotContains(t, payload.MessageTemplates[0].Content, "![pic]")
}

func TestBypassPolicyGatesCorrectly(t *testing.T) {
	cfg := config.Defaults()
	cfg.Bypass.Enabled = false
	falseVal := true
	cfg.Bypass.PerClass = map[string]*bool{"text": &falseVal}
	cfg.Bypass.ActivePreset = "default"
	cfg.Bypass.Presets = map[string]string{"default": "bypass template"}

	req := ChatCompletionRequest{Model: "m", Messages: []ChatMessage{{Role: "user", Content: strContent(t, "hi")}}}
	payload, err := Forward(req, session.Tuple{SessionID: "s", MessageID: "m"}, "text", cfg)
	require.NoError(t, err)
	require.Len(t, payload.MessageTemplates, 1, "bypass must not apply when global toggle is off")

	cfg.Bypass.Enabled = true
	off := false
	cfg.Bypass.PerClass = map[string]*bool{"image": &off}

	textPayload, err := Forward(req, session.Tuple{SessionID: "s", MessageID: "m"}, "text", cfg)
	require.NoError(t, err)
	require.Len(t, textPayload.MessageTemplates, 2, "text request should receive the bypass template")

	imagePayload, err := Forward(req, session.Tuple{SessionID: "s", MessageID: "m"}, "image", cfg)
	require.NoError(t, err)
	require.Len(t, imagePayload.MessageTemplates, 1, "image request should not receive the bypass template")
}

func TestClassifyModelDefaultsToText(t *testing.T) {
	cfg := config.Defaults()
	require.Equal(t, "text", ClassifyModel("unlisted-model", cfg))

	cfg.Models = []config.ModelConfig{{Name: "m-image", Class: "image"}}
	require.Equal(t, "image", ClassifyModel("m-image", cfg))
}

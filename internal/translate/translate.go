package translate

import (
	"github.com/lmarena-bridge/bridge/internal/config"
	"github.com/lmarena-bridge/bridge/internal/session"
	"github.com/lmarena-bridge/bridge/pkg/bridgeerr"
)

// ClassifyModel looks up model's class via cfg's lookup table, defaulting
// to "text" for unregistered model names so chat completions keep
// working against an unlisted model (spec.md §4.5's "classifies the
// model as text|image|search via a lookup table").
func ClassifyModel(model string, cfg *config.Config) string {
	if mc, ok := cfg.ModelByName(model); ok && mc.Class != "" {
		return mc.Class
	}
	return "text"
}

// Forward implements the Payload Translator's forward path (spec.md
// §4.5): an OpenAI request plus its resolved session tuple becomes an
// upstream TaskPayload.
func Forward(req ChatCompletionRequest, tuple session.Tuple, class string, cfg *config.Config) (*TaskPayload, error) {
	if len(req.Messages) == 0 {
		return nil, bridgeerr.New(bridgeerr.KindTranslatorFailed, "messages array must not be empty")
	}

	templates := make([]MessageTemplate, 0, len(req.Messages))
	anyAttachments := false

	for _, msg := range req.Messages {
		text, attachments := extractAttachments(msg)

		template := MessageTemplate{
			Role:                msg.Role,
			Content:             text,
			ParticipantPosition: participantPosition(msg.Role, tuple),
		}
		if len(attachments) > 0 {
			template.ExperimentalAttachments = attachments
			anyAttachments = true
		}
		templates = append(templates, template)
	}

	if cfg.Bypass.ImageAttachmentBypass && anyAttachments {
		templates = forceBypass(templates, cfg)
	} else {
		templates = appendBypass(templates, class, cfg)
	}

	return &TaskPayload{
		IsImageRequest:   class == "image",
		MessageTemplates: templates,
		TargetModelID:    req.Model,
		SessionID:        tuple.SessionID,
		MessageID:        tuple.MessageID,
	}, nil
}

// forceBypass appends the active preset unconditionally — the image-
// attachment-specific override spec.md §6 names separately from the
// per-class bypass gate.
func forceBypass(templates []MessageTemplate, cfg *config.Config) []MessageTemplate {
	preset := cfg.Bypass.Presets[cfg.Bypass.ActivePreset]
	if preset == "" {
		return templates
	}
	position := ""
	if len(templates) > 0 {
		position = templates[len(templates)-1].ParticipantPosition
	}
	return append(templates, MessageTemplate{
		Role:                "user",
		Content:             preset,
		ParticipantPosition: position,
	})
}

func participantPosition(role string, tuple session.Tuple) string {
	if tuple.ParticipantPosition != "" {
		return tuple.ParticipantPosition
	}
	if role == "assistant" {
		return "b"
	}
	return "a"
}

// AssembleNonStream builds a single OpenAI chat completion response from
// content and reasoning accumulated by the Stream Processor
// (spec.md §4.7's non-stream response assembly).
func AssembleNonStream(id, model, content, reasoning, finishReason string, created int64) ChatCompletionResponse {
	return ChatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: created,
		Model:   model,
		Choices: []ChatChoice{{
			Index: 0,
			Message: MarshalableMessage{
				Role:             "assistant",
				Content:          content,
				ReasoningContent: reasoning,
			},
			FinishReason: finishReason,
		}},
	}
}

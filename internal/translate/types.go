// Package translate implements the Payload Translator (spec.md §4.5):
// OpenAI chat-completion bodies in, upstream message-template tasks out,
// and the reverse assembly of a non-streaming OpenAI response from
// accumulated content.
package translate

import "encoding/json"

// ChatCompletionRequest mirrors the subset of OpenAI's request body this
// bridge understands. Content is left raw so it can be either a plain
// string or an array of typed parts (text / image_url).
type ChatCompletionRequest struct {
	Model    string        `json:"model" binding:"required"`
	Messages []ChatMessage `json:"messages" binding:"required"`
	Stream   bool          `json:"stream,omitempty"`
	User     string        `json:"user,omitempty"`
}

// ChatMessage is one turn in the conversation. Content may unmarshal as
// either a string or a []ContentPart; Text() and Parts() pick it apart.
type ChatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ContentPart is one element of a multi-part message content array, the
// shape OpenAI uses to mix text and image_url references in one turn.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL string `json:"url"`
}

// Text returns the message's content as a flat string: the string
// itself if Content was a JSON string, or the concatenation of every
// text part if Content was an array.
func (m ChatMessage) Text() string {
	if len(m.Content) == 0 {
		return ""
	}
	var asString string
	if err := json.Unmarshal(m.Content, &asString); err == nil {
		return asString
	}
	parts, err := m.Parts()
	if err != nil {
		return ""
	}
	out := ""
	for _, p := range parts {
		if p.Type == "text" || p.Type == "" {
			out += p.Text
		}
	}
	return out
}

// Parts returns the message's content as a part array, synthesizing a
// single text part when Content was a plain string.
func (m ChatMessage) Parts() ([]ContentPart, error) {
	if len(m.Content) == 0 {
		return nil, nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(m.Content, &parts); err == nil {
		return parts, nil
	}
	var asString string
	if err := json.Unmarshal(m.Content, &asString); err != nil {
		return nil, err
	}
	return []ContentPart{{Type: "text", Text: asString}}, nil
}

// Attachment is one resolved image reference attached to a message
// template, the upstream UI's experimental_attachments shape.
type Attachment struct {
	Name        string `json:"name,omitempty"`
	ContentType string `json:"contentType,omitempty"`
	URL         string `json:"url"`
}

// MessageTemplate is one rewritten turn in the upstream task payload
// (spec.md §4.5).
type MessageTemplate struct {
	Role                    string       `json:"role"`
	Content                 string       `json:"content"`
	ParticipantPosition     string       `json:"participantPosition"`
	ExperimentalAttachments []Attachment `json:"experimental_attachments,omitempty"`
}

// TaskPayload is the Payload Translator's forward output, handed to the
// agent as a TaskFrame's Payload (spec.md §4.5, §6).
type TaskPayload struct {
	IsImageRequest   bool              `json:"is_image_request"`
	MessageTemplates []MessageTemplate `json:"message_templates"`
	TargetModelID    string            `json:"target_model_id"`
	SessionID        string            `json:"session_id"`
	MessageID        string            `json:"message_id"`
}

// ChatCompletionResponse is a non-streaming OpenAI chat completion.
type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
}

type ChatChoice struct {
	Index        int                `json:"index"`
	Message      MarshalableMessage `json:"message"`
	FinishReason string             `json:"finish_reason"`
}

// MarshalableMessage is the output-side counterpart of ChatMessage: its
// Content is a plain string, since the bridge never emits multi-part
// assistant content.
type MarshalableMessage struct {
	Role             string `json:"role"`
	Content          string `json:"content,omitempty"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

// StreamChunk is one `data:` event of an OpenAI chat.completion.chunk
// stream.
type StreamChunk struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []StreamChoice     `json:"choices"`
}

type StreamChoice struct {
	Index        int          `json:"index"`
	Delta        StreamDelta  `json:"delta"`
	FinishReason *string      `json:"finish_reason"`
}

type StreamDelta struct {
	Role             string `json:"role,omitempty"`
	Content          string `json:"content,omitempty"`
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

// ErrorBody is the OpenAI-shaped error object used both by non-stream
// JSON error responses and by the terminal SSE error chunk (spec.md §7).
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

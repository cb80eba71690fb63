// Package streamproc implements the Stream Processor (spec.md §4.6): the
// state machine that parses the upstream tagged-line wire format,
// separates reasoning from content from images, detects interstitials,
// and emits OpenAI chunks.
package streamproc

import (
	"encoding/json"
	"strings"

	"github.com/lmarena-bridge/bridge/internal/translate"
)

// State is the per-request state machine position (spec.md §4.6).
type State int

const (
	StateFresh State = iota
	StateReasoning
	StateContent
	StateDone
	StateInterstitial
	StateError
)

// ReasoningMode controls how reasoning deltas are surfaced.
// ReasoningModeThinkTags applies only when StreamReasoning is false:
// streamed reasoning deltas always use the reasoning_content field.
type ReasoningMode string

const (
	ReasoningModeField     ReasoningMode = "field"      // dedicated reasoning_content field
	ReasoningModeThinkTags ReasoningMode = "think_tags" // wrapped in <think>...</think>
)

// ResolveImage turns an a2/b2 descriptor (a raw URL string or a
// structured object) into a concrete URL or base64 string. Implemented
// by the Download Pool; injected here to keep this package decoupled
// from it (spec.md §4.6: "resolve the descriptor ... via the Download
// Pool / File Bed per configuration").
type ResolveImage func(descriptor json.RawMessage) (string, error)

// interstitialSignatures are the recognizable Cloudflare/verification
// markers spec.md §6 says appear embedded in the raw stream.
var interstitialSignatures = []string{
	"Just a moment",
	"cf-browser-verification",
	"Checking your browser before accessing",
	"cf_chl_opt",
}

// Options configures one Processor instance.
type Options struct {
	ID              string
	Model           string
	StreamReasoning bool
	ReasoningMode   ReasoningMode
	Resolve         ResolveImage
	// OnInterstitial is invoked once per detection, to drive the
	// Transport Channel's refresh command and process-wide verifying
	// flag (spec.md §4.6, §7).
	OnInterstitial func()
}

// Processor drives one request's Response Channel fragments through the
// state machine, emitting OpenAI chunks in source order (spec.md §4.6's
// ordering guarantee).
type Processor struct {
	opt Options

	state   State
	buffer  strings.Builder // rolling buffer of unconsumed record text
	scanned string          // unused; the partial record is kept in buffer

	reasoningOpen    bool
	reasoningEmitted bool
	seenImages       map[string]bool

	contentAccum   strings.Builder
	reasoningAccum strings.Builder

	interstitialFired bool
}

func New(opt Options) *Processor {
	if opt.ReasoningMode == "" {
		opt.ReasoningMode = ReasoningModeField
	}
	return &Processor{
		opt:        opt,
		seenImages: make(map[string]bool),
	}
}

// Accumulated returns the content and reasoning text accrued so far, for
// non-streaming response assembly (spec.md §4.7).
func (p *Processor) Accumulated() (content, reasoning string) {
	return p.contentAccum.String(), p.reasoningAccum.String()
}

// State reports the processor's current state machine position.
func (p *Processor) State() State { return p.state }

// ID returns the completion id this processor's chunks and final
// response share.
func (p *Processor) ID() string { return p.opt.ID }

// envelopeKind classifies one agent→server data value (spec.md §6).
type envelopeKind int

const (
	envFragment envelopeKind = iota
	envDone
	envAdvisory
	envError
)

// TerminalError is returned by Feed when the agent sent an error
// descriptor (spec.md §6). The caller writes it as the SSE terminal
// `data: {error: {...}}` event followed by `[DONE]` (spec.md §7) — the
// Processor itself never assembles that event.
type TerminalError struct {
	Message string
}

// Feed consumes one data-frame value from the Response Channel and
// returns the OpenAI chunks it produces, in order. If the frame was an
// error descriptor, chunks is nil and termErr is non-nil.
func (p *Processor) Feed(raw json.RawMessage) (chunks []translate.StreamChunk, termErr *TerminalError) {
	if p.state == StateDone || p.state == StateInterstitial || p.state == StateError {
		return nil, nil
	}

	kind, text, obj := classify(raw)
	switch kind {
	case envDone:
		return p.finalize("stop"), nil
	case envError:
		p.state = StateError
		return nil, &TerminalError{Message: errorMessage(obj)}
	case envAdvisory:
		// Retry advisories are observable events, not errors
		// (spec.md §4.8): nothing to emit, no state transition.
		return nil, nil
	default:
		return p.consumeFragment(text), nil
	}
}

func errorMessage(obj map[string]interface{}) string {
	if m, ok := obj["error"].(string); ok && m != "" {
		return m
	}
	return "upstream error"
}

func classify(raw json.RawMessage) (envelopeKind, string, map[string]interface{}) {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if asString == "[DONE]" {
			return envDone, "", nil
		}
		return envFragment, asString, nil
	}

	var asObject map[string]interface{}
	if err := json.Unmarshal(raw, &asObject); err == nil {
		if _, hasErr := asObject["error"]; hasErr {
			return envError, "", asObject
		}
		if _, hasRetry := asObject["retry_info"]; hasRetry {
			return envAdvisory, "", asObject
		}
		return envAdvisory, "", asObject
	}

	return envFragment, string(raw), nil
}

// consumeFragment appends text to the rolling buffer and drains every
// fully-terminated record, retaining any trailing partial one
// (spec.md §4.6: "the processor extracts only fully-terminated records
// and retains the remainder").
func (p *Processor) consumeFragment(text string) []translate.StreamChunk {
	p.buffer.WriteString(text)
	combined := p.buffer.String()

	if sig := detectInterstitial(combined); sig && !p.interstitialFired {
		p.interstitialFired = true
		p.state = StateInterstitial
		if p.opt.OnInterstitial != nil {
			p.opt.OnInterstitial()
		}
		p.buffer.Reset()
		return p.emitInterstitial()
	}

	var chunks []translate.StreamChunk
	remainder := combined
	for {
		idx := strings.IndexByte(remainder, '\n')
		if idx < 0 {
			break
		}
		line := remainder[:idx]
		remainder = remainder[idx+1:]
		chunks = append(chunks, p.processRecord(line)...)
	}

	p.buffer.Reset()
	p.buffer.WriteString(remainder)
	return chunks
}

func detectInterstitial(buf string) bool {
	for _, sig := range interstitialSignatures {
		if strings.Contains(buf, sig) {
			return true
		}
	}
	return false
}

// processRecord parses one tagged line and emits the chunk(s) it causes
// (spec.md §4.6's transition table).
func (p *Processor) processRecord(line string) []translate.StreamChunk {
	colon := strings.IndexByte(line, ':')
	if colon < 0 {
		return nil
	}
	tag := line[:colon]
	payload := line[colon+1:]

	switch tag {
	case "a0", "b0":
		return p.handleContent(payload)
	case "ag":
		return p.handleReasoning(payload)
	case "a2", "b2":
		return p.handleImage(payload)
	case "ad", "bd":
		return p.finalize("stop")
	default:
		// Unknown tag, ignored per spec.md §4.6's edge-case handling.
		return nil
	}
}

func unescapeString(payload string) (string, bool) {
	var s string
	if err := json.Unmarshal([]byte(payload), &s); err != nil {
		return "", false
	}
	return s, true
}

func (p *Processor) handleReasoning(payload string) []translate.StreamChunk {
	text, ok := unescapeString(payload)
	if !ok {
		return nil
	}
	if p.state == StateFresh {
		p.state = StateReasoning
		p.reasoningOpen = true
	}
	p.reasoningAccum.WriteString(text)

	if !p.opt.StreamReasoning {
		return nil // buffered until the first non-ag record (spec.md §4.6)
	}
	return []translate.StreamChunk{p.chunk(translate.StreamDelta{ReasoningContent: text}, nil)}
}

func (p *Processor) handleContent(payload string) []translate.StreamChunk {
	text, ok := unescapeString(payload)
	if !ok {
		return nil
	}

	var chunks []translate.StreamChunk
	if p.reasoningOpen {
		chunks = append(chunks, p.closeReasoning()...)
	}
	p.state = StateContent
	p.contentAccum.WriteString(text)
	chunks = append(chunks, p.chunk(translate.StreamDelta{Content: text}, nil))
	return chunks
}

// closeReasoning emits whatever final reasoning chunk the mode calls
// for, satisfying the "reasoning closure" law of spec.md §8: exactly
// one reasoning-open and one reasoning-close per response.
func (p *Processor) closeReasoning() []translate.StreamChunk {
	p.reasoningOpen = false
	if p.opt.StreamReasoning {
		return nil // deltas already streamed; nothing left to flush
	}
	reasoning := p.reasoningAccum.String()
	if reasoning == "" {
		return nil
	}
	if p.opt.ReasoningMode == ReasoningModeThinkTags {
		wrapped := "<think>" + reasoning + "</think>"
		p.contentAccum.WriteString(wrapped)
		return []translate.StreamChunk{p.chunk(translate.StreamDelta{Content: wrapped}, nil)}
	}
	return []translate.StreamChunk{p.chunk(translate.StreamDelta{ReasoningContent: reasoning}, nil)}
}

func (p *Processor) handleImage(payload string) []translate.StreamChunk {
	descriptor := []byte(payload)
	if unescaped, ok := unescapeString(payload); ok {
		descriptor = []byte(unescaped)
	}

	var resolved string
	var err error
	if p.opt.Resolve != nil {
		resolved, err = p.opt.Resolve(descriptor)
	}
	if err != nil || resolved == "" {
		return nil // DownloadFailed is logged upstream and skipped per-record (spec.md §7)
	}
	if p.seenImages[resolved] {
		return nil // duplicates within one response suppressed by URL (spec.md §4.6)
	}
	p.seenImages[resolved] = true

	markdown := "![image](" + resolved + ")"
	p.contentAccum.WriteString(markdown)
	p.state = StateContent
	return []translate.StreamChunk{p.chunk(translate.StreamDelta{Content: markdown}, nil)}
}

func (p *Processor) emitInterstitial() []translate.StreamChunk {
	stop := "content_filter"
	return []translate.StreamChunk{p.chunk(translate.StreamDelta{}, &stop)}
}

func (p *Processor) finalize(reason string) []translate.StreamChunk {
	var chunks []translate.StreamChunk
	if p.reasoningOpen {
		chunks = append(chunks, p.closeReasoning()...)
	}
	p.state = StateDone
	chunks = append(chunks, p.chunk(translate.StreamDelta{}, &reason))
	return chunks
}

func (p *Processor) chunk(delta translate.StreamDelta, finishReason *string) translate.StreamChunk {
	return translate.StreamChunk{
		ID:     p.opt.ID,
		Object: "chat.completion.chunk",
		Model:  p.opt.Model,
		Choices: []translate.StreamChoice{{
			Index:        0,
			Delta:        delta,
			FinishReason: finishReason,
		}},
	}
}

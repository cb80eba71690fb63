package translate

import "github.com/lmarena-bridge/bridge/internal/config"

// appendBypass appends the active bypass preset's template to templates
// when cfg permits it for class (spec.md §4.5, §8 scenario 6). The
// template is appended as one more user-role turn at the end, matching
// the participant position of the last message in templates.
func appendBypass(templates []MessageTemplate, class string, cfg *config.Config) []MessageTemplate {
	if !cfg.BypassAllowed(class) {
		return templates
	}

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

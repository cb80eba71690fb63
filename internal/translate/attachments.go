package translate

import (
	"fmt"
	"regexp"
	"strings"
)

var markdownImageRE = regexp.MustCompile(`!\[[^\]]*\]\(([^)\s]+)\)`)

// extractAttachments pulls every image reference out of a message's
// parts and plain text, returning the cleaned text (images spliced out)
// alongside the Attachment list to carry as experimental_attachments
// (spec.md §4.5's "extracts inline images ... attaches them as
// experimental_attachments").
func extractAttachments(msg ChatMessage) (string, []Attachment) {
	parts, err := msg.Parts()
	if err != nil || len(parts) == 0 {
		return extractMarkdownImages(msg.Text())
	}

	var textBuilder strings.Builder
	var attachments []Attachment
	for _, p := range parts {
		switch {
		case p.Type == "image_url" && p.ImageURL != nil && p.ImageURL.URL != "":
			attachments = append(attachments, attachmentFromURL(p.ImageURL.URL, len(attachments)))
		case p.Type == "text" || p.Type == "":
			cleaned, found := extractMarkdownImages(p.Text)
			textBuilder.WriteString(cleaned)
			attachments = append(attachments, found...)
		}
	}
	return textBuilder.String(), attachments
}

// extractMarkdownImages finds `![alt](url)` references in plain text,
// strips them out of the returned text, and returns them as attachments
// so a later turn can "see" an earlier assistant image output
// (spec.md §4.5's last bullet).
func extractMarkdownImages(text string) (string, []Attachment) {
	matches := markdownImageRE.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text, nil
	}

	var attachments []Attachment
	var out strings.Builder
	last := 0
	for _, m := range matches {
		start, end := m[0], m[1]
		urlStart, urlEnd := m[2], m[3]
		out.WriteString(text[last:start])
		url := text[urlStart:urlEnd]
		attachments = append(attachments, attachmentFromURL(url, len(attachments)))
		last = end
	}
	out.WriteString(text[last:])
	return strings.TrimSpace(out.String()), attachments
}

func attachmentFromURL(url string, index int) Attachment {
	contentType := "image/png"
	if strings.HasPrefix(url, "data:") {
		if semi := strings.Index(url, ";"); semi > len("data:") {
			contentType = url[len("data:"):semi]
		}
	}
	return Attachment{
		Name:        fmt.Sprintf("attachment-%d", index),
		ContentType: contentType,
		URL:         url,
	}
}

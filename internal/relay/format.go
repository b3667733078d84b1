package relay

import (
	"fmt"
	"strings"

	"github.com/zczy999/business-gemini/internal/media"
)

// MediaFormat is the negotiated content shape for responses that carry
// media.
type MediaFormat string

const (
	FormatArray    MediaFormat = "array"
	FormatMarkdown MediaFormat = "markdown"
	FormatURL      MediaFormat = "url"
)

// Clients whose User-Agent pins a format regardless of message shape.
var (
	markdownClients = []string{"cherry", "studio"}
	arrayClients    = []string{"cursor", "vscode", "chatgpt", "openai", "anthropic"}
)

// NegotiateFormat picks the media content shape. Priority: explicit
// request field, known User-Agent, the request's own content-part
// shape, then the OpenAI-standard array default.
func NegotiateFormat(req *ChatRequest, userAgent string) MediaFormat {
	for _, explicit := range []string{req.ImageFormat, req.ResponseFormat} {
		switch MediaFormat(explicit) {
		case FormatArray, FormatMarkdown, FormatURL:
			return MediaFormat(explicit)
		}
	}

	// Known clients first: some upload images as content-part arrays yet
	// still render markdown only, so the UA check must win.
	ua := strings.ToLower(userAgent)
	for _, client := range markdownClients {
		if strings.Contains(ua, client) {
			return FormatMarkdown
		}
	}
	for _, client := range arrayClients {
		if strings.Contains(ua, client) {
			return FormatArray
		}
	}

	for _, msg := range req.Messages {
		for _, part := range msg.Parts() {
			switch part.Type {
			case "text", "image_url", "file":
				return FormatArray
			}
		}
	}

	return FormatArray
}

// BuildContent renders the aggregated answer (text + media URLs) in the
// negotiated shape, for the non-stream response body.
func BuildContent(format MediaFormat, text string, refs []media.Ref, baseURL string) any {
	if len(refs) == 0 {
		return text
	}

	switch format {
	case FormatMarkdown:
		parts := make([]string, 0, len(refs)+1)
		if strings.TrimSpace(text) != "" {
			parts = append(parts, text)
		}
		for _, ref := range refs {
			parts = append(parts, fmt.Sprintf("![image](%s)", ref.URL(baseURL)))
		}
		return strings.Join(parts, "\n\n")

	case FormatURL:
		parts := make([]string, 0, len(refs)+1)
		if strings.TrimSpace(text) != "" {
			parts = append(parts, text)
		}
		for _, ref := range refs {
			parts = append(parts, ref.URL(baseURL))
		}
		return strings.Join(parts, "\n")

	default: // FormatArray
		content := make([]ContentPart, 0, len(refs)+1)
		if strings.TrimSpace(text) != "" {
			content = append(content, ContentPart{Type: "text", Text: text})
		}
		for _, ref := range refs {
			content = append(content, ContentPart{
				Type:     "image_url",
				ImageURL: &ImageURLField{URL: ref.URL(baseURL)},
			})
		}
		return content
	}
}

// StreamMediaChunk renders one materialized artifact for in-stream
// emission: markdown shape gets a markdown image, everything else a
// newline-bracketed URL.
func StreamMediaChunk(format MediaFormat, ref media.Ref, baseURL string) string {
	url := ref.URL(baseURL)
	if format == FormatMarkdown {
		return fmt.Sprintf("\n![image](%s)\n", url)
	}
	return fmt.Sprintf("\n%s\n", url)
}

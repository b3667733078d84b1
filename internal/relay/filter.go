package relay

import (
	"strings"

	"github.com/tidwall/gjson"
	"github.com/zczy999/business-gemini/internal/media"
)

// noiseMarker is stripped wherever it appears on its own line; the
// upstream appends it under generated images.
const noiseMarker = "Image generated by Nano Banana Pro"

// fence-only lines the upstream wraps structured answers in.
var fenceLines = map[string]bool{
	"```":     true,
	"```json": true,
}

// FilterReplyText applies the thought and noise rules to one reply's
// text. Returns the forwardable text; empty means drop the reply.
//
// Nothing marked thought, and nothing whose stripped form starts with
// "**" (the upstream's thought-heading convention), ever reaches the
// client.
func FilterReplyText(text string, thought bool) string {
	if text == "" || thought {
		return ""
	}
	if strings.HasPrefix(strings.TrimSpace(text), "**") {
		return ""
	}

	filtered := text
	if strings.Contains(text, noiseMarker) {
		lines := strings.Split(text, "\n")
		kept := lines[:0]
		for _, line := range lines {
			if !strings.Contains(strings.TrimSpace(line), noiseMarker) {
				kept = append(kept, line)
			}
		}
		filtered = strings.TrimSpace(strings.Join(kept, "\n"))
	}

	if fenceLines[strings.TrimSpace(filtered)] {
		return ""
	}
	return filtered
}

// StreamEvent is the distilled content of one decoded stream element.
type StreamEvent struct {
	Session   string
	State     string
	Texts     []string
	Artifacts []media.Artifact
}

// ParseElement walks one decoded element and extracts session info,
// filtered reply text, and media in all the places the upstream hides
// it: inline base64, file-id references, and attachments.
func ParseElement(raw []byte) StreamEvent {
	var ev StreamEvent

	sar := gjson.GetBytes(raw, "streamAssistResponse")
	if !sar.Exists() {
		return ev
	}

	if session := sar.Get("sessionInfo.session"); session.Exists() {
		ev.Session = session.String()
	}

	answer := sar.Get("answer")
	if state := answer.Get("state"); state.Exists() {
		ev.State = state.String()
	}

	collectGenerated(sar.Get("generatedImages"), &ev)
	collectGenerated(answer.Get("generatedImages"), &ev)

	answer.Get("replies").ForEach(func(_, reply gjson.Result) bool {
		collectGenerated(reply.Get("generatedImages"), &ev)

		gc := reply.Get("groundedContent")
		content := gc.Get("content")

		if file := content.Get("file"); file.Get("fileId").String() != "" {
			ev.Artifacts = append(ev.Artifacts, media.Artifact{
				FileID:   file.Get("fileId").String(),
				MimeType: stringOr(file.Get("mimeType").String(), "image/png"),
				FileName: file.Get("name").String(),
			})
		}

		collectInline(content.Get("inlineData"), &ev)
		collectInline(gc.Get("inlineData"), &ev)

		for _, scope := range []gjson.Result{reply, gc, content} {
			scope.Get("attachments").ForEach(func(_, att gjson.Result) bool {
				collectAttachment(att, &ev)
				return true
			})
		}

		text := content.Get("text").String()
		thought := reply.Get("thought").Bool() || content.Get("thought").Bool()
		if filtered := FilterReplyText(text, thought); filtered != "" {
			ev.Texts = append(ev.Texts, filtered)
		}
		return true
	})

	return ev
}

// collectGenerated handles generatedImages entries: inline base64 under
// image.bytesBase64Encoded.
func collectGenerated(generated gjson.Result, ev *StreamEvent) {
	generated.ForEach(func(_, gen gjson.Result) bool {
		image := gen.Get("image")
		data := image.Get("bytesBase64Encoded").String()
		if data == "" {
			return true
		}
		mime := stringOr(image.Get("mimeType").String(), "image/png")
		ev.Artifacts = append(ev.Artifacts, media.Artifact{
			Kind:     media.KindForMime(mime),
			MimeType: mime,
			Base64:   data,
		})
		return true
	})
}

func collectInline(inline gjson.Result, ev *StreamEvent) {
	data := inline.Get("data").String()
	if data == "" {
		return
	}
	mime := stringOr(inline.Get("mimeType").String(), "image/png")
	ev.Artifacts = append(ev.Artifacts, media.Artifact{
		Kind:     media.KindForMime(mime),
		MimeType: mime,
		Base64:   data,
	})
}

func collectAttachment(att gjson.Result, ev *StreamEvent) {
	mime := att.Get("mimeType").String()
	if !strings.HasPrefix(mime, "image/") && !strings.HasPrefix(mime, "video/") {
		return
	}
	data := att.Get("data").String()
	if data == "" {
		data = att.Get("bytesBase64Encoded").String()
	}
	if data == "" {
		return
	}
	ev.Artifacts = append(ev.Artifacts, media.Artifact{
		Kind:     media.KindForMime(mime),
		MimeType: mime,
		FileName: att.Get("name").String(),
		Base64:   data,
	})
}

func stringOr(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

package relay

import (
	"strings"
	"sync"

	"github.com/zczy999/business-gemini/internal/json"
)

// ChatRequest is the subset of the OpenAI chat/completions request this
// gateway honors.
type ChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`

	// ImageFormat / ResponseFormat pick the media content shape:
	// "array", "markdown", or "url".
	ImageFormat    string `json:"image_format,omitempty"`
	ResponseFormat string `json:"response_format,omitempty"`
}

// Message carries one chat turn. Content is either a plain string or
// an array of typed parts.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ContentPart is one element of an array-shaped message content.
type ContentPart struct {
	Type     string         `json:"type"`
	Text     string         `json:"text,omitempty"`
	ImageURL *ImageURLField `json:"image_url,omitempty"`
	File     *FilePart      `json:"file,omitempty"`
}

type ImageURLField struct {
	URL string `json:"url"`
}

// FilePart mirrors OpenAI's file content part: base64 data plus name.
type FilePart struct {
	FileData string `json:"file_data,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// --- Response shapes ---

type ChatCompletion struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []CompletionChoice `json:"choices"`
	Usage   CompletionUsage    `json:"usage"`
}

type CompletionChoice struct {
	Index        int               `json:"index"`
	Message      CompletionMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

// CompletionMessage's Content is a string or a content-part array,
// depending on the negotiated shape.
type CompletionMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type CompletionUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChunkDelta is the delta object of one streaming chunk.
type ChunkDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

// CompletionChunk is one streaming SSE event body.
type CompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

// Chunk pool: text deltas are the hot path, one per upstream reply.
var chunkPool = sync.Pool{
	New: func() any {
		return &CompletionChunk{
			Object:  "chat.completion.chunk",
			Choices: make([]ChunkChoice, 1),
		}
	},
}

func getChunk(id, model string, created int64) *CompletionChunk {
	c := chunkPool.Get().(*CompletionChunk)
	c.ID = id
	c.Model = model
	c.Created = created
	c.Choices[0] = ChunkChoice{}
	return c
}

func putChunk(c *CompletionChunk) {
	chunkPool.Put(c)
}

// marshalChunk renders one chunk as an SSE data frame.
func marshalChunk(c *CompletionChunk) []byte {
	payload, _ := json.Marshal(c)
	frame := make([]byte, 0, len(payload)+14)
	frame = append(frame, "data: "...)
	frame = append(frame, payload...)
	frame = append(frame, "\n\n"...)
	return frame
}

// BuildRoleChunkSSE renders the first chunk of a stream: assistant role
// with empty content, sent before the upstream answers to cut
// time-to-first-byte.
func BuildRoleChunkSSE(id, model string, created int64) []byte {
	c := getChunk(id, model, created)
	defer putChunk(c)
	c.Choices[0].Delta.Role = "assistant"
	return marshalChunk(c)
}

// BuildTextChunkSSE renders a content delta.
func BuildTextChunkSSE(id, model string, created int64, content string) []byte {
	c := getChunk(id, model, created)
	defer putChunk(c)
	c.Choices[0].Delta.Content = content
	return marshalChunk(c)
}

// BuildFinishChunkSSE renders the terminal chunk.
func BuildFinishChunkSSE(id, model string, created int64) []byte {
	c := getChunk(id, model, created)
	defer putChunk(c)
	reason := "stop"
	c.Choices[0].FinishReason = &reason
	return marshalChunk(c)
}

var doneFrame = []byte("data: [DONE]\n\n")

// BuildDoneSSE renders the stream sentinel.
func BuildDoneSSE() []byte { return doneFrame }

// --- Message content extraction ---

// TextOf flattens a message's content to plain text: strings pass
// through, arrays concatenate their text parts.
func (m Message) TextOf() string {
	var asString string
	if err := json.Unmarshal(m.Content, &asString); err == nil {
		return asString
	}
	var parts []ContentPart
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return ""
	}
	var texts []string
	for _, p := range parts {
		if p.Type == "text" && p.Text != "" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

// Parts returns the array-shaped content, or nil for plain strings.
func (m Message) Parts() []ContentPart {
	var parts []ContentPart
	if err := json.Unmarshal(m.Content, &parts); err != nil {
		return nil
	}
	return parts
}

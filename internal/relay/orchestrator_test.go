package relay

import (
	"bytes"
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zczy999/business-gemini/internal/account"
	"github.com/zczy999/business-gemini/internal/config"
	"github.com/zczy999/business-gemini/internal/json"
	"github.com/zczy999/business-gemini/internal/media"
	"github.com/zczy999/business-gemini/internal/upstream"
)

// fakeGemini is a scriptable upstream: auth, session create, assist
// stream, metadata, and download.
type fakeGemini struct {
	mux *http.ServeMux

	assistStatus int
	assistBody   string
	assistCalls  int

	metadataBody string
	downloadBody []byte
}

func newFakeGemini() *fakeGemini {
	f := &fakeGemini{
		assistStatus: http.StatusOK,
		assistBody:   `[]`,
		metadataBody: `{"listSessionFileMetadataResponse":{"fileMetadata":[]}}`,
		downloadBody: []byte("media-bytes"),
	}
	f.mux = http.NewServeMux()
	f.mux.HandleFunc("/auth/getoxsrf", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(")]}'\n{\"keyId\":\"jwt-abc\"}"))
	})
	f.mux.HandleFunc("/widgetCreateSession", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"session":{"name":"sessions/s1"}}`))
	})
	f.mux.HandleFunc("/widgetStreamAssist", func(w http.ResponseWriter, r *http.Request) {
		f.assistCalls++
		if f.assistStatus != http.StatusOK {
			http.Error(w, f.assistBody, f.assistStatus)
			return
		}
		w.Write([]byte(f.assistBody))
	})
	f.mux.HandleFunc("/widgetListSessionFileMetadata", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(f.metadataBody))
	})
	f.mux.HandleFunc("/v1alpha/", func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, ":downloadFile") {
			http.NotFound(w, r)
			return
		}
		w.Write(f.downloadBody)
	})
	return f
}

type testHarness struct {
	orchestrator *Orchestrator
	pool         *account.Pool
	fake         *fakeGemini
	cacheDir     string
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	fake := newFakeGemini()
	server := httptest.NewServer(fake.mux)
	t.Cleanup(server.Close)

	client, err := upstream.NewClient("")
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	client.AuthBaseURL = server.URL
	client.APIBaseURL = server.URL
	client.DownloadBaseURL = server.URL

	pool := account.NewPool()
	pool.Load([]*account.Account{{
		ID: 1, ConfigID: "team-1", SessionCookie: "ses", HostCookie: "oses",
		SessionIndex: "0", Enabled: true,
	}})

	credentials := upstream.NewCredentialCache(pool, client)
	sessions := upstream.NewSessionManager(pool, client, credentials)

	cacheDir := t.TempDir()
	cache, err := media.NewCache(cacheDir)
	if err != nil {
		t.Fatalf("NewCache failed: %v", err)
	}

	cfg := config.NewDefaultConfig()
	orchestrator := NewOrchestrator(pool, client, sessions, media.NewRelay(cache, nil), cfg)

	return &testHarness{
		orchestrator: orchestrator,
		pool:         pool,
		fake:         fake,
		cacheDir:     cacheDir,
	}
}

func userRequest(model, text string, stream bool) *ChatRequest {
	return &ChatRequest{
		Model:    model,
		Messages: []Message{msg("user", text)},
		Stream:   stream,
	}
}

// sseFrames splits an SSE stream into its data payloads.
func sseFrames(t *testing.T, raw string) []string {
	t.Helper()
	var frames []string
	for _, block := range strings.Split(raw, "\n\n") {
		block = strings.TrimSpace(block)
		if block == "" {
			continue
		}
		if !strings.HasPrefix(block, "data: ") {
			t.Fatalf("frame without data prefix: %q", block)
		}
		frames = append(frames, strings.TrimPrefix(block, "data: "))
	}
	return frames
}

func deltaContent(t *testing.T, frame string) (content string, role string, finish string) {
	t.Helper()
	var chunk struct {
		Object  string `json:"object"`
		Choices []struct {
			Delta struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"delta"`
			FinishReason *string `json:"finish_reason"`
		} `json:"choices"`
	}
	if err := json.Unmarshal([]byte(frame), &chunk); err != nil {
		t.Fatalf("bad chunk %q: %v", frame, err)
	}
	if chunk.Object != "chat.completion.chunk" {
		t.Fatalf("object = %q", chunk.Object)
	}
	if len(chunk.Choices) != 1 {
		t.Fatalf("choices = %d", len(chunk.Choices))
	}
	if chunk.Choices[0].FinishReason != nil {
		finish = *chunk.Choices[0].FinishReason
	}
	return chunk.Choices[0].Delta.Content, chunk.Choices[0].Delta.Role, finish
}

func runStream(t *testing.T, h *testHarness, req *ChatRequest) []string {
	t.Helper()
	turn, relayErr := h.orchestrator.Run(context.Background(), req, "test-agent", "http://gw.local")
	if relayErr != nil {
		t.Fatalf("Run failed: %v", relayErr)
	}
	var buf bytes.Buffer
	h.orchestrator.Stream(context.Background(), turn, &buf, func() {})
	return sseFrames(t, buf.String())
}

func TestStream_HappyPathSingleTextTurn(t *testing.T) {
	h := newHarness(t)
	h.fake.assistBody = `[` +
		`{"streamAssistResponse":{"answer":{"replies":[{"groundedContent":{"content":{"text":"he"}}}]}}},` +
		`{"streamAssistResponse":{"answer":{"replies":[{"groundedContent":{"content":{"text":"llo"}}}]}}},` +
		`{"streamAssistResponse":{"answer":{"state":"SUCCEEDED"}}}]`

	frames := runStream(t, h, userRequest("m", "hi", true))
	if len(frames) != 5 {
		t.Fatalf("frames = %d (%v), want 5", len(frames), frames)
	}

	if _, role, _ := deltaContent(t, frames[0]); role != "assistant" {
		t.Errorf("first frame role = %q, want assistant", role)
	}
	if content, _, _ := deltaContent(t, frames[1]); content != "he" {
		t.Errorf("frame 1 content = %q", content)
	}
	if content, _, _ := deltaContent(t, frames[2]); content != "llo" {
		t.Errorf("frame 2 content = %q", content)
	}
	if _, _, finish := deltaContent(t, frames[3]); finish != "stop" {
		t.Errorf("finish = %q, want stop", finish)
	}
	if frames[4] != "[DONE]" {
		t.Errorf("sentinel = %q", frames[4])
	}

	// One session created, one use counted, no cooldown written.
	if st, _ := h.pool.Session(1); st.UseCount != 1 {
		t.Errorf("session use count = %d, want 1", st.UseCount)
	}
	if v, _ := h.pool.View(1); !v.CooldownUntil.IsZero() || len(v.Errors) != 0 {
		t.Errorf("unexpected pool side-effects: %+v", v)
	}
}

func TestStream_ThoughtFiltering(t *testing.T) {
	h := newHarness(t)
	h.fake.assistBody = `[` +
		`{"streamAssistResponse":{"answer":{"replies":[{"thought":true,"groundedContent":{"content":{"text":"planning..."}}}]}}},` +
		`{"streamAssistResponse":{"answer":{"replies":[{"groundedContent":{"content":{"text":"**Step 1**"}}}]}}},` +
		`{"streamAssistResponse":{"answer":{"state":"SUCCEEDED"}}}]`

	frames := runStream(t, h, userRequest("m", "hi", true))
	// Role, stop, DONE: both replies are suppressed.
	if len(frames) != 3 {
		t.Fatalf("frames = %d (%v), want 3", len(frames), frames)
	}
	if _, _, finish := deltaContent(t, frames[1]); finish != "stop" {
		t.Errorf("second frame finish = %q, want stop", finish)
	}
}

func TestRun_QuotaExhaustedOnImages(t *testing.T) {
	h := newHarness(t)
	h.fake.assistStatus = http.StatusTooManyRequests
	h.fake.assistBody = "images quota exhausted"

	_, relayErr := h.orchestrator.Run(context.Background(), userRequest(ModelImageGen, "a cat", true), "", "http://gw.local")
	if relayErr == nil {
		t.Fatal("expected an error")
	}
	if relayErr.HTTPStatus != 429 {
		t.Errorf("status = %d, want 429", relayErr.HTTPStatus)
	}
	if relayErr.Code != codeQuotaExhausted {
		t.Errorf("code = %q, want %q", relayErr.Code, codeQuotaExhausted)
	}
	if !strings.Contains(relayErr.Message, "images") {
		t.Errorf("message lacks kind hint: %q", relayErr.Message)
	}

	// Images cooling, text still eligible, one ring entry.
	if h.pool.IsAvailable(1, account.QuotaImages) {
		t.Error("images should be cooling")
	}
	if !h.pool.IsAvailable(1, account.QuotaTextQueries) {
		t.Error("text_queries should stay available")
	}
	if v, _ := h.pool.View(1); len(v.Errors) != 1 {
		t.Errorf("error ring = %d entries, want 1", len(v.Errors))
	}
	// 429 is not retryable: exactly one assist call.
	if h.fake.assistCalls != 1 {
		t.Errorf("assist called %d times, want 1", h.fake.assistCalls)
	}
}

func TestRun_AuthErrorMarksAndSurfaces502(t *testing.T) {
	h := newHarness(t)
	h.fake.assistStatus = http.StatusUnauthorized
	h.fake.assistBody = "unauthorized"

	_, relayErr := h.orchestrator.Run(context.Background(), userRequest("m", "hi", true), "", "http://gw.local")
	if relayErr == nil {
		t.Fatal("expected an error")
	}
	if relayErr.HTTPStatus != 502 {
		t.Errorf("status = %d, want 502", relayErr.HTTPStatus)
	}
	if relayErr.Code != codeUpstreamAuth {
		t.Errorf("code = %q", relayErr.Code)
	}

	v, _ := h.pool.View(1)
	if !v.CookieExpired {
		t.Error("expected cookie_expired")
	}
	if jwt, _, _ := h.pool.JWT(1); jwt != "" {
		t.Error("expected jwt cleared")
	}
	if st, _ := h.pool.Session(1); st.Name != "" {
		t.Error("expected session cleared")
	}
	select {
	case id := <-h.pool.RefreshSignals():
		if id != 1 {
			t.Errorf("refresh signal for %d", id)
		}
	default:
		t.Error("expected a refresh signal")
	}

	// Subsequent request: the only account is gone.
	_, relayErr = h.orchestrator.Run(context.Background(), userRequest("m", "hi", true), "", "http://gw.local")
	if relayErr == nil || relayErr.HTTPStatus != 503 {
		t.Fatalf("expected 503, got %+v", relayErr)
	}
	if relayErr.RetryAfterSeconds <= 0 {
		t.Error("expected a retry-after hint")
	}
}

func TestRun_ReselectsOnceOnTransient(t *testing.T) {
	h := newHarness(t)
	// Two accounts, upstream persistently 500: the orchestrator tries a
	// second account exactly once, then surfaces the failure.
	h.pool.Load([]*account.Account{
		{ID: 1, ConfigID: "team-1", SessionCookie: "s", HostCookie: "o", SessionIndex: "0", Enabled: true},
		{ID: 2, ConfigID: "team-2", SessionCookie: "s", HostCookie: "o", SessionIndex: "1", Enabled: true},
	})
	h.fake.assistStatus = http.StatusInternalServerError
	h.fake.assistBody = "boom"

	_, relayErr := h.orchestrator.Run(context.Background(), userRequest("m", "hi", true), "", "http://gw.local")
	if relayErr == nil {
		t.Fatal("expected an error with all accounts failing 500")
	}
	if relayErr.HTTPStatus != 502 {
		t.Errorf("status = %d, want 502", relayErr.HTTPStatus)
	}
	// Both accounts were tried: one re-selection happened.
	if h.fake.assistCalls != 2 {
		t.Errorf("assist called %d times, want 2 (one retry)", h.fake.assistCalls)
	}
	// Both cooled generically.
	for _, id := range []int64{1, 2} {
		if h.pool.IsAvailable(id, "") {
			t.Errorf("account %d should be cooling", id)
		}
	}
}

func TestStream_MediaFetchLocalCache(t *testing.T) {
	h := newHarness(t)
	h.fake.assistBody = `[` +
		`{"streamAssistResponse":{"sessionInfo":{"session":"sessions/s1"},"answer":{"replies":[` +
		`{"groundedContent":{"content":{"file":{"fileId":"F1","mimeType":"image/png","name":"a.png"}}}}]}}},` +
		`{"streamAssistResponse":{"answer":{"state":"SUCCEEDED"}}}]`
	h.fake.metadataBody = `{"listSessionFileMetadataResponse":{"fileMetadata":[` +
		`{"fileId":"F1","name":"a.png","mimeType":"image/png","session":"sessions/s1"}]}}`
	h.fake.downloadBody = []byte("png-bytes")

	frames := runStream(t, h, userRequest("m", "draw a cat", true))
	// Role, media URL, stop, DONE.
	if len(frames) != 4 {
		t.Fatalf("frames = %d (%v), want 4", len(frames), frames)
	}
	content, _, _ := deltaContent(t, frames[1])
	if !strings.Contains(content, "http://gw.local/image/") {
		t.Fatalf("media chunk = %q", content)
	}
	if !strings.HasPrefix(content, "\n") || !strings.HasSuffix(content, "\n") {
		t.Errorf("media URL not newline-bracketed: %q", content)
	}

	// The file landed in the image cache with its .png extension.
	name := strings.TrimSpace(content)
	name = name[strings.LastIndex(name, "/")+1:]
	data, err := os.ReadFile(filepath.Join(h.cacheDir, "image", name))
	if err != nil {
		t.Fatalf("cached file missing: %v", err)
	}
	if string(data) != "png-bytes" {
		t.Errorf("cached bytes = %q", data)
	}
	if !strings.HasSuffix(name, ".png") {
		t.Errorf("filename %q lacks .png", name)
	}
}

func TestComplete_NonStreamAggregation(t *testing.T) {
	h := newHarness(t)
	h.fake.assistBody = `[` +
		`{"streamAssistResponse":{"answer":{"replies":[{"groundedContent":{"content":{"text":"hello "}}}]}}},` +
		`{"streamAssistResponse":{"answer":{"replies":[{"groundedContent":{"content":{"text":"world"}}}]}}},` +
		`{"streamAssistResponse":{"answer":{"state":"SUCCEEDED"}}}]`

	turn, relayErr := h.orchestrator.Run(context.Background(), userRequest("m", "hi", false), "", "http://gw.local")
	if relayErr != nil {
		t.Fatalf("Run failed: %v", relayErr)
	}
	completion, relayErr := h.orchestrator.Complete(context.Background(), turn)
	if relayErr != nil {
		t.Fatalf("Complete failed: %v", relayErr)
	}
	if completion.Object != "chat.completion" {
		t.Errorf("object = %q", completion.Object)
	}
	if completion.Choices[0].FinishReason != "stop" {
		t.Errorf("finish = %q", completion.Choices[0].FinishReason)
	}
	if content, ok := completion.Choices[0].Message.Content.(string); !ok || content != "hello world" {
		t.Errorf("content = %v", completion.Choices[0].Message.Content)
	}
}

func TestRun_UploadsInlineImages(t *testing.T) {
	h := newHarness(t)
	var uploadedName, uploadedMime string
	h.fake.mux.HandleFunc("/widgetAddContextFile", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			AddContextFileRequest struct {
				FileContents string `json:"fileContents"`
				FileName     string `json:"fileName"`
				MimeType     string `json:"mimeType"`
			} `json:"addContextFileRequest"`
		}
		if err := json.Unmarshal(mustReadAll(r), &body); err != nil {
			t.Errorf("bad upload body: %v", err)
		}
		uploadedName = body.AddContextFileRequest.FileName
		uploadedMime = body.AddContextFileRequest.MimeType
		w.Write([]byte(`{"addContextFileResponse":{"fileId":"ctx-1"}}`))
	})
	h.fake.assistBody = `[{"streamAssistResponse":{"answer":{"state":"SUCCEEDED"}}}]`

	payload := base64.StdEncoding.EncodeToString([]byte("img"))
	req := &ChatRequest{
		Model: "m",
		Messages: []Message{arrayMsg("user", []ContentPart{
			{Type: "text", Text: "what is this"},
			{Type: "image_url", ImageURL: &ImageURLField{URL: "data:image/jpeg;base64," + payload}},
		})},
		Stream: true,
	}
	turn, relayErr := h.orchestrator.Run(context.Background(), req, "", "http://gw.local")
	if relayErr != nil {
		t.Fatalf("Run failed: %v", relayErr)
	}
	var buf bytes.Buffer
	h.orchestrator.Stream(context.Background(), turn, &buf, func() {})

	if uploadedMime != "image/jpeg" {
		t.Errorf("uploaded mime = %q", uploadedMime)
	}
	if !strings.HasSuffix(uploadedName, ".jpg") {
		t.Errorf("uploaded filename = %q", uploadedName)
	}
}

func mustReadAll(r *http.Request) []byte {
	data, _ := io.ReadAll(r.Body)
	return data
}

package relay

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zczy999/business-gemini/internal/account"
	"github.com/zczy999/business-gemini/internal/config"
	log "github.com/zczy999/business-gemini/internal/logging"
	"github.com/zczy999/business-gemini/internal/media"
	"github.com/zczy999/business-gemini/internal/upstream"
	"github.com/zczy999/business-gemini/internal/usage"
	"golang.org/x/sync/errgroup"
)

// streamIdleTimeout guards against upstreams that stop sending without
// closing; the hard 300s cap lives on the request context.
const streamIdleTimeout = 90 * time.Second

// maxSelectionAttempts allows one account re-selection on auth or
// transient failures observed before the first SSE byte.
const maxSelectionAttempts = 2

// Orchestrator runs one client request end to end: selection, session,
// assist stream, filtering, media, emission.
type Orchestrator struct {
	pool     *account.Pool
	client   *upstream.Client
	sessions *upstream.SessionManager
	media    *media.Relay
	cfg      *config.Config

	nowFunc func() time.Time
}

func NewOrchestrator(pool *account.Pool, client *upstream.Client, sessions *upstream.SessionManager, mediaRelay *media.Relay, cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		pool:     pool,
		client:   client,
		sessions: sessions,
		media:    mediaRelay,
		cfg:      cfg,
		nowFunc:  time.Now,
	}
}

// SetNowFunc replaces the time source. Test hook.
func (o *Orchestrator) SetNowFunc(fn func() time.Time) { o.nowFunc = fn }

// Models exposes the advertisable model ids for the /v1/models handler.
func (o *Orchestrator) Models() []string { return ModelIDs(o.cfg.Models) }

// Turn is the per-request state threaded through the pipeline.
type Turn struct {
	spec   ModelSpec
	format MediaFormat

	chatID  string
	created int64
	baseURL string

	snap    account.Snapshot
	session string
	jwt     string

	body *upstream.StreamReader
}

// Run resolves the request, selects an account, and opens the assist
// stream. On success the returned turn is ready for consumption; every
// error has already been classified into the pool.
func (o *Orchestrator) Run(ctx context.Context, req *ChatRequest, userAgent, requestBaseURL string) (*Turn, *Error) {
	if len(req.Messages) == 0 {
		return nil, &Error{Code: codeBadRequest, Message: "messages must not be empty", HTTPStatus: 400}
	}

	spec := ResolveModel(req.Model, o.cfg.Models)
	t := &Turn{
		spec:    spec,
		format:  NegotiateFormat(req, userAgent),
		chatID:  "chatcmpl-" + strings.ReplaceAll(uuid.New().String(), "-", ""),
		created: o.nowFunc().Unix(),
		baseURL: o.resolveBaseURL(requestBaseURL),
	}

	prompt := buildPrompt(req.Messages)
	uploads := collectUploads(req.Messages)

	var lastErr error
	for attempt := 0; attempt < maxSelectionAttempts; attempt++ {
		snap, err := o.pool.Next(spec.QuotaKind)
		if err != nil {
			if lastErr != nil {
				// The re-selection found nothing; surface the original failure.
				return nil, toClientError(lastErr, spec.QuotaKind)
			}
			return nil, toClientError(err, spec.QuotaKind)
		}

		if err := o.openStream(ctx, t, snap, prompt, uploads); err != nil {
			lastErr = err
			if attempt+1 < maxSelectionAttempts && retryableBeforeFirstByte(err) {
				log.Warnf("chat %s: account %d failed before first byte (%v), re-selecting", t.chatID, snap.ID, err)
				continue
			}
			return nil, toClientError(err, spec.QuotaKind)
		}
		return t, nil
	}
	return nil, toClientError(lastErr, spec.QuotaKind)
}

// openStream acquires session credentials, pushes context files, and
// opens the assist stream on one account. Failures are classified into
// the pool exactly once before returning.
func (o *Orchestrator) openStream(ctx context.Context, t *Turn, snap account.Snapshot, prompt string, uploads []uploadPart) error {
	session, jwt, _, err := o.sessions.SessionFor(ctx, snap)
	if err != nil {
		o.markError(snap.ID, err, "")
		return err
	}

	fileIDs := make([]string, 0, len(uploads))
	for _, up := range uploads {
		content, filename, mimeType, err := up.resolve(ctx)
		if err != nil {
			log.Warnf("chat %s: skipping context file: %v", t.chatID, err)
			continue
		}
		fileID, err := o.client.UploadContextFile(ctx, snap, jwt, session, filename, mimeType, content)
		if err != nil {
			o.markError(snap.ID, err, "")
			return err
		}
		fileIDs = append(fileIDs, fileID)
	}

	body, err := o.client.StreamAssist(ctx, snap, jwt, upstream.AssistRequest{
		Session:         session,
		Query:           prompt,
		FileIDs:         fileIDs,
		ToolsSpec:       t.spec.ToolsSpec,
		LanguageCode:    stringOr(o.cfg.LanguageCode, "zh-CN"),
		TimeZone:        stringOr(o.cfg.UserTimeZone, "Etc/GMT-8"),
		UpstreamModelID: t.spec.UpstreamModelID,
	})
	if err != nil {
		o.markError(snap.ID, err, t.spec.QuotaKind)
		return err
	}

	t.snap = snap
	t.session = session
	t.jwt = jwt
	t.body = upstream.NewStreamReader(ctx, body, streamIdleTimeout)
	return nil
}

// markError feeds one upstream failure through the classifier. Kind is
// set only for the assist call itself; credential, session, and upload
// failures cool the whole account.
func (o *Orchestrator) markError(id int64, err error, kind account.QuotaKind) {
	if se, ok := err.(*upstream.StatusError); ok {
		o.pool.MarkError(id, se.StatusCode, se.BodyPrefix, kind)
		return
	}
	// Transport-level failure: no status, generic cooldown.
	o.pool.MarkError(id, 0, err.Error(), "")
}

// --- Streaming consumption ---

// Stream drives the SSE path: role chunk first, text deltas as they
// decode, media URL chunks after materialization, then stop + [DONE].
// Once the role chunk is out, errors surface in-band.
func (o *Orchestrator) Stream(ctx context.Context, t *Turn, w io.Writer, flush func()) {
	defer t.body.Close()
	start := o.nowFunc()

	write := func(frame []byte) bool {
		if _, err := w.Write(frame); err != nil {
			return false
		}
		flush()
		return true
	}

	if !write(BuildRoleChunkSSE(t.chatID, t.spec.ClientID, t.created)) {
		return
	}

	collected, streamErr := o.consume(t, func(text string) bool {
		return write(BuildTextChunkSSE(t.chatID, t.spec.ClientID, t.created, text))
	})

	failed := false
	if streamErr != nil {
		o.markError(t.snap.ID, streamErr, t.spec.QuotaKind)
		write(BuildTextChunkSSE(t.chatID, t.spec.ClientID, t.created,
			"\n[upstream stream interrupted]\n"))
		failed = true
	} else {
		refs := o.materialize(ctx, t, collected.artifacts)
		for _, ref := range refs {
			if !write(BuildTextChunkSSE(t.chatID, t.spec.ClientID, t.created,
				StreamMediaChunk(t.format, ref, t.baseURL))) {
				return
			}
		}
	}

	write(BuildFinishChunkSSE(t.chatID, t.spec.ClientID, t.created))
	write(BuildDoneSSE())

	o.recordUsage(t, failed, o.nowFunc().Sub(start))
	log.Infof("chat %s: stream done | model=%s account=%d state=%s chunks=%d media=%d",
		t.chatID, t.spec.ClientID, t.snap.ID, collected.state, collected.textChunks, len(collected.artifacts))
}

// Complete drives the non-stream path and returns the single response
// body.
func (o *Orchestrator) Complete(ctx context.Context, t *Turn) (*ChatCompletion, *Error) {
	defer t.body.Close()
	start := o.nowFunc()

	var texts []string
	collected, streamErr := o.consume(t, func(text string) bool {
		texts = append(texts, text)
		return true
	})
	if streamErr != nil {
		o.markError(t.snap.ID, streamErr, t.spec.QuotaKind)
		o.recordUsage(t, true, o.nowFunc().Sub(start))
		return nil, toClientError(streamErr, t.spec.QuotaKind)
	}

	refs := o.materialize(ctx, t, collected.artifacts)
	content := BuildContent(t.format, strings.Join(texts, ""), refs, t.baseURL)

	o.recordUsage(t, false, o.nowFunc().Sub(start))
	return &ChatCompletion{
		ID:      t.chatID,
		Object:  "chat.completion",
		Created: t.created,
		Model:   t.spec.ClientID,
		Choices: []CompletionChoice{{
			Message:      CompletionMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
	}, nil
}

// collectedStream accumulates the non-text outputs of one stream.
type collectedStream struct {
	artifacts  []media.Artifact
	session    string
	state      string
	textChunks int
}

// consume pulls the assist body through the decoder, forwarding
// filtered text via emit (which returns false to abort on a dead
// client) and collecting artifacts for the media phase.
func (o *Orchestrator) consume(t *Turn, emit func(string) bool) (collectedStream, error) {
	var collected collectedStream
	collected.session = t.session
	seenFileIDs := make(map[string]bool)

	decoder := upstream.NewStreamDecoder()
	buf := make([]byte, 8192)
	for {
		n, readErr := t.body.Read(buf)
		if n > 0 {
			elements, decodeErr := decoder.Decode(buf[:n])
			for _, element := range elements {
				ev := ParseElement(element)
				if ev.Session != "" {
					collected.session = ev.Session
				}
				if ev.State != "" {
					collected.state = ev.State
				}
				for _, artifact := range ev.Artifacts {
					if artifact.FileID != "" {
						if seenFileIDs[artifact.FileID] {
							continue
						}
						seenFileIDs[artifact.FileID] = true
					}
					collected.artifacts = append(collected.artifacts, artifact)
				}
				for _, text := range ev.Texts {
					collected.textChunks++
					if !emit(text) {
						return collected, nil
					}
				}
			}
			if decodeErr != nil {
				return collected, fmt.Errorf("malformed assist stream: %w", decodeErr)
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return collected, nil
			}
			return collected, readErr
		}
	}
}

// materialize resolves file metadata once, then fans the artifacts out
// to the media relay. Individual failures drop the artifact, never the
// turn.
func (o *Orchestrator) materialize(ctx context.Context, t *Turn, artifacts []media.Artifact) []media.Ref {
	if len(artifacts) == 0 {
		return nil
	}

	var metadata map[string]upstream.FileMetadata
	for _, a := range artifacts {
		if a.FileID != "" {
			meta, err := o.client.ListSessionFileMetadata(ctx, t.snap, t.jwt, t.session)
			if err != nil {
				log.Warnf("chat %s: file metadata lookup failed: %v", t.chatID, err)
			}
			metadata = meta
			break
		}
	}

	download := func(ctx context.Context, session, fileID string) (io.ReadCloser, error) {
		return o.client.DownloadFile(ctx, t.snap, t.jwt, session, fileID)
	}

	refs := make([]media.Ref, len(artifacts))
	ok := make([]bool, len(artifacts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(3)
	for i := range artifacts {
		g.Go(func() error {
			a := artifacts[i]
			if a.FileID != "" {
				if meta, found := metadata[a.FileID]; found {
					if a.FileName == "" {
						a.FileName = meta.Name
					}
					if meta.MimeType != "" {
						a.MimeType = meta.MimeType
					}
					if meta.Session != "" {
						a.Session = meta.Session
					}
				}
				if a.Session == "" {
					a.Session = t.session
				}
				a.Kind = media.KindForMime(a.MimeType)
			}
			ref, err := o.media.Materialize(gctx, a, download)
			if err != nil {
				log.Warnf("chat %s: media materialization failed (fileId=%s): %v", t.chatID, a.FileID, err)
				return nil
			}
			refs[i] = ref
			ok[i] = true
			return nil
		})
	}
	_ = g.Wait()

	final := make([]media.Ref, 0, len(artifacts))
	for i, ref := range refs {
		if ok[i] {
			final = append(final, ref)
		}
	}
	return final
}

func (o *Orchestrator) recordUsage(t *Turn, failed bool, elapsed time.Duration) {
	usage.Record(usage.RequestRecord{
		Model:     t.spec.ClientID,
		AccountID: t.snap.ID,
		QuotaKind: string(t.spec.QuotaKind),
		Failed:    failed,
		Duration:  elapsed,
		At:        o.nowFunc(),
	})
}

// resolveBaseURL prefers the configured public base URL and falls back
// to the request's own host.
func (o *Orchestrator) resolveBaseURL(requestBaseURL string) string {
	if configured := strings.TrimSpace(o.cfg.ImageBaseURL); configured != "" {
		return strings.TrimRight(configured, "/")
	}
	return strings.TrimRight(requestBaseURL, "/")
}

// --- Prompt & upload extraction ---

// buildPrompt flattens the message history into one query. A single
// user message passes through verbatim; longer histories become a
// role-labeled transcript, since the upstream session does not carry
// the client's conversation state.
func buildPrompt(messages []Message) string {
	if len(messages) == 1 {
		return messages[0].TextOf()
	}
	var b strings.Builder
	for _, msg := range messages {
		text := msg.TextOf()
		if text == "" {
			continue
		}
		switch msg.Role {
		case "system":
			b.WriteString("System: ")
		case "assistant":
			b.WriteString("Assistant: ")
		default:
			b.WriteString("User: ")
		}
		b.WriteString(text)
		b.WriteString("\n\n")
	}
	return strings.TrimSpace(b.String())
}

// uploadPart is one client-supplied file destined for
// widgetAddContextFile.
type uploadPart struct {
	dataURI   string
	remoteURL string
	filename  string
}

func collectUploads(messages []Message) []uploadPart {
	var uploads []uploadPart
	for _, msg := range messages {
		for _, part := range msg.Parts() {
			switch {
			case part.Type == "image_url" && part.ImageURL != nil && part.ImageURL.URL != "":
				url := part.ImageURL.URL
				if strings.HasPrefix(url, "data:") {
					uploads = append(uploads, uploadPart{dataURI: url})
				} else {
					uploads = append(uploads, uploadPart{remoteURL: url})
				}
			case part.Type == "file" && part.File != nil && part.File.FileData != "":
				uploads = append(uploads, uploadPart{dataURI: part.File.FileData, filename: part.File.Filename})
			}
		}
	}
	return uploads
}

// resolve produces the raw bytes, filename, and MIME type of one
// upload part.
func (u uploadPart) resolve(ctx context.Context) ([]byte, string, string, error) {
	if u.dataURI != "" {
		mimeType, data, err := decodeDataURI(u.dataURI)
		if err != nil {
			return nil, "", "", err
		}
		filename := u.filename
		if filename == "" {
			filename = "inline_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:8] + media.ExtensionForMime(mimeType)
		}
		return data, filename, mimeType, nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.remoteURL, nil)
	if err != nil {
		return nil, "", "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, "", "", fmt.Errorf("image fetch failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", "", fmt.Errorf("image fetch failed: HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, "", "", err
	}
	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" || !strings.HasPrefix(mimeType, "image/") {
		mimeType = "image/png"
	}
	filename := "url_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:8] + media.ExtensionForMime(mimeType)
	return data, filename, mimeType, nil
}

// decodeDataURI splits "data:<mime>;base64,<payload>"; a bare base64
// string is accepted as image/png.
func decodeDataURI(uri string) (string, []byte, error) {
	mimeType := "image/png"
	payload := uri
	if strings.HasPrefix(uri, "data:") {
		rest := uri[len("data:"):]
		semi := strings.Index(rest, ";base64,")
		if semi < 0 {
			return "", nil, fmt.Errorf("unsupported data URI encoding")
		}
		if semi > 0 {
			mimeType = rest[:semi]
		}
		payload = rest[semi+len(";base64,"):]
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("invalid base64 payload: %w", err)
	}
	return mimeType, data, nil
}

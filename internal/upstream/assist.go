package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/sjson"
	"github.com/zczy999/business-gemini/internal/account"
	"github.com/zczy999/business-gemini/internal/json"
	log "github.com/zczy999/business-gemini/internal/logging"
)

// ToolsSpec selects which generation capabilities the assist call may
// use. The virtual image/video models narrow it to a single tool.
type ToolsSpec map[string]any

func DefaultToolsSpec() ToolsSpec {
	return ToolsSpec{
		"webGroundingSpec":    map[string]any{},
		"toolRegistry":        "default_tool_registry",
		"imageGenerationSpec": map[string]any{},
		"videoGenerationSpec": map[string]any{},
	}
}

func ImageOnlyToolsSpec() ToolsSpec {
	return ToolsSpec{"imageGenerationSpec": map[string]any{}}
}

func VideoOnlyToolsSpec() ToolsSpec {
	return ToolsSpec{"videoGenerationSpec": map[string]any{}}
}

// AssistRequest carries everything one streamAssist call needs beyond
// the account itself.
type AssistRequest struct {
	Session      string
	Query        string
	FileIDs      []string
	ToolsSpec    ToolsSpec
	LanguageCode string
	TimeZone     string

	// UpstreamModelID is forwarded as assistGenerationConfig.modelId
	// when non-empty. Virtual model ids never reach this field.
	UpstreamModelID string
}

// StreamAssist opens the streaming assist call. On 200 the returned
// body is the framed-JSON stream (caller closes it); any other status
// is drained into a StatusError.
func (c *Client) StreamAssist(ctx context.Context, snap account.Snapshot, jwt string, ar AssistRequest) (io.ReadCloser, error) {
	fileIDs := ar.FileIDs
	if fileIDs == nil {
		fileIDs = []string{}
	}
	body := map[string]any{
		"configId":         snap.ConfigID,
		"additionalParams": map[string]any{"token": "-"},
		"streamAssistRequest": map[string]any{
			"session":              ar.Session,
			"query":                map[string]any{"parts": []map[string]any{{"text": ar.Query}}},
			"filter":               "",
			"fileIds":              fileIDs,
			"answerGenerationMode": "NORMAL",
			"toolsSpec":            ar.ToolsSpec,
			"languageCode":         ar.LanguageCode,
			"userMetadata":         map[string]any{"timeZone": ar.TimeZone},
			"assistSkippingMode":   "REQUEST_ASSIST",
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	if ar.UpstreamModelID != "" {
		payload, err = sjson.SetBytes(payload, "streamAssistRequest.assistGenerationConfig.modelId", ar.UpstreamModelID)
		if err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequest(http.MethodPost, c.APIBaseURL+"/widgetStreamAssist", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	c.applyHeaders(req, snap, jwt)

	resp, cancel, err := c.do(ctx, req, streamTimeout)
	if err != nil {
		return nil, fmt.Errorf("assist request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		prefix, _ := io.ReadAll(io.LimitReader(resp.Body, 1000))
		resp.Body.Close()
		cancel()
		return nil, NewStatusError(resp.StatusCode, "assist request failed", string(prefix))
	}

	log.Debugf("assist: account %d streaming on session %s", snap.ID, ar.Session)
	return &cancelReadCloser{body: resp.Body, cancel: cancel}, nil
}

// cancelReadCloser ties the per-request deadline's cancel to body close
// so the 300s cap is released exactly when the stream ends.
type cancelReadCloser struct {
	body   io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Read(p []byte) (int, error) { return c.body.Read(p) }

func (c *cancelReadCloser) Close() error {
	err := c.body.Close()
	c.cancel()
	return err
}

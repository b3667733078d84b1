package upstream

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/tidwall/gjson"
	"github.com/zczy999/business-gemini/internal/account"
	"github.com/zczy999/business-gemini/internal/json"
	log "github.com/zczy999/business-gemini/internal/logging"
)

// FileMetadata is one entry of the widgetListSessionFileMetadata
// response, used to resolve the true MIME type and filename of a
// generated artifact.
type FileMetadata struct {
	FileID   string
	Name     string
	MimeType string
	Session  string
}

// UploadContextFile pushes client-supplied bytes into the session as a
// context file and returns the upstream fileId.
func (c *Client) UploadContextFile(ctx context.Context, snap account.Snapshot, jwt, session, filename, mimeType string, content []byte) (string, error) {
	body := map[string]any{
		"addContextFileRequest": map[string]any{
			"fileContents": base64.StdEncoding.EncodeToString(content),
			"fileName":     filename,
			"mimeType":     mimeType,
			"name":         session,
		},
		"additionalParams": map[string]any{"token": "-"},
		"configId":         snap.ConfigID,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequest(http.MethodPost, c.APIBaseURL+"/widgetAddContextFile", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	c.applyHeaders(req, snap, jwt)

	resp, cancel, err := c.do(ctx, req, uploadTimeout)
	if err != nil {
		return "", fmt.Errorf("context file upload failed: %w", err)
	}
	defer cancel()
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("context file upload read failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", NewStatusError(resp.StatusCode, "context file upload failed", string(raw))
	}

	fileID := gjson.GetBytes(raw, "addContextFileResponse.fileId").String()
	if fileID == "" {
		return "", NewStatusError(http.StatusBadGateway, "upload response missing fileId", string(raw))
	}
	log.Debugf("files: uploaded %s (%s, %d bytes) as %s", filename, mimeType, len(content), fileID)
	return fileID, nil
}

// ListSessionFileMetadata fetches metadata for every file attached to
// the session, keyed by fileId. Issued once per chat turn and memoized
// by the caller.
func (c *Client) ListSessionFileMetadata(ctx context.Context, snap account.Snapshot, jwt, session string) (map[string]FileMetadata, error) {
	body := map[string]any{
		"configId":         snap.ConfigID,
		"additionalParams": map[string]any{"token": "-"},
		"listSessionFileMetadataRequest": map[string]any{
			"name": session,
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, c.APIBaseURL+"/widgetListSessionFileMetadata", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	c.applyHeaders(req, snap, jwt)

	resp, cancel, err := c.do(ctx, req, uploadTimeout)
	if err != nil {
		return nil, fmt.Errorf("list file metadata failed: %w", err)
	}
	defer cancel()
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("list file metadata read failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, NewStatusError(resp.StatusCode, "list file metadata failed", string(raw))
	}

	metadata := make(map[string]FileMetadata)
	entries := gjson.GetBytes(raw, "listSessionFileMetadataResponse.fileMetadata")
	if !entries.Exists() {
		entries = gjson.GetBytes(raw, "fileMetadata")
	}
	entries.ForEach(func(_, entry gjson.Result) bool {
		fm := FileMetadata{
			FileID:   entry.Get("fileId").String(),
			Name:     entry.Get("name").String(),
			MimeType: entry.Get("mimeType").String(),
			Session:  entry.Get("session").String(),
		}
		if fm.FileID != "" {
			metadata[fm.FileID] = fm
		}
		return true
	})
	return metadata, nil
}

// DownloadFile opens a streaming download of a generated artifact. The
// caller owns the returned body and must close it; the body is never
// buffered here so videos stream straight to their sink.
func (c *Client) DownloadFile(ctx context.Context, snap account.Snapshot, jwt, session, fileID string) (io.ReadCloser, error) {
	downloadURL := fmt.Sprintf("%s/v1alpha/%s:downloadFile?fileId=%s&alt=media",
		c.DownloadBaseURL, session, url.QueryEscape(fileID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, err
	}
	c.applyHeaders(req, snap, jwt)
	req.Header.Del("Content-Type")

	// No per-request deadline beyond ctx: large videos legitimately take
	// minutes.
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		prefix, _ := io.ReadAll(io.LimitReader(resp.Body, 200))
		resp.Body.Close()
		return nil, NewStatusError(resp.StatusCode, "download failed", string(prefix))
	}
	return resp.Body, nil
}

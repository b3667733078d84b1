package media

import (
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"github.com/tidwall/gjson"
	log "github.com/zczy999/business-gemini/internal/logging"
)

// ExternalUploader streams artifact bytes to the configured file host
// and returns absolute public URLs. A circuit breaker shields the chat
// path from a flapping host: while open, uploads fail fast and the
// artifact is dropped instead of stalling streams.
type ExternalUploader struct {
	endpoint string
	apiToken string
	baseURL  string

	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// NewExternalUploader wires the host endpoint. baseURL is the public
// prefix composed with the returned path; empty derives it from the
// endpoint with its /upload suffix dropped.
func NewExternalUploader(endpoint, apiToken, baseURL string) *ExternalUploader {
	if baseURL == "" {
		baseURL = strings.TrimSuffix(strings.TrimRight(endpoint, "/"), "/upload")
	}
	return &ExternalUploader{
		endpoint: endpoint,
		apiToken: apiToken,
		baseURL:  strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Minute,
		},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "media-upload",
			MaxRequests: 1,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warnf("media: upload breaker %s -> %s", from, to)
			},
		}),
	}
}

// Upload streams body to the host as a multipart form and returns the
// absolute public URL for the stored file.
func (u *ExternalUploader) Upload(ctx context.Context, filename, mimeType string, body io.Reader) (string, error) {
	result, err := u.breaker.Execute(func() (any, error) {
		return u.doUpload(ctx, filename, mimeType, body)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func (u *ExternalUploader) doUpload(ctx context.Context, filename, mimeType string, body io.Reader) (string, error) {
	pr, pw := io.Pipe()
	form := multipart.NewWriter(pw)

	go func() {
		part, err := form.CreateFormFile("file", filename)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, body); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(form.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint, pr)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+u.apiToken)

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("upload read failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("upload failed: HTTP %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}

	// The host answers {"src":"/file/<name>"}; some deployments wrap it
	// in a single-element array.
	src := gjson.GetBytes(raw, "src").String()
	if src == "" {
		src = gjson.GetBytes(raw, "0.src").String()
	}
	if src == "" {
		return "", fmt.Errorf("upload response missing src: %s", truncate(string(raw), 200))
	}
	if !strings.HasPrefix(src, "/") {
		src = "/" + src
	}
	publicURL := u.baseURL + src
	log.Infof("media: uploaded %s to external host: %s", filename, publicURL)
	return publicURL, nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

package media

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"path"
	"strings"
)

// Artifact describes one generated image or video discovered in the
// assist stream, before it has a client-fetchable URL. Exactly one of
// Base64 or FileID is set: inline payloads carry their bytes, file
// references are downloaded against the session.
type Artifact struct {
	Kind     Kind
	MimeType string
	FileName string

	Base64 string

	FileID  string
	Session string
}

// Ref is the materialized result. Exactly one field is set: LocalName
// for cache mode (servable under /<kind>/<name>), ExternalURL for
// host mode.
type Ref struct {
	Kind        Kind
	LocalName   string
	ExternalURL string
}

// URL renders the client-facing URL given the request's base URL.
// baseURL is ignored for external refs.
func (r Ref) URL(baseURL string) string {
	if r.ExternalURL != "" {
		return r.ExternalURL
	}
	return strings.TrimRight(baseURL, "/") + "/" + path.Join(string(r.Kind), r.LocalName)
}

// Downloader is the session-scoped fetch for file-id references; the
// orchestrator binds it to the account's jwt and session.
type Downloader func(ctx context.Context, session, fileID string) (io.ReadCloser, error)

// Relay routes artifacts into the local cache or the external host,
// depending on configuration.
type Relay struct {
	cache    *Cache
	uploader *ExternalUploader
}

// NewRelay builds a relay. uploader may be nil for local-cache mode.
func NewRelay(cache *Cache, uploader *ExternalUploader) *Relay {
	return &Relay{cache: cache, uploader: uploader}
}

// ExternalMode reports whether artifacts go to the external host.
func (r *Relay) ExternalMode() bool { return r.uploader != nil }

// Materialize turns one artifact into a Ref. Reference artifacts are
// streamed from the download straight into their sink; the body is
// never fully buffered.
func (r *Relay) Materialize(ctx context.Context, a Artifact, download Downloader) (Ref, error) {
	var body io.Reader
	var closer io.Closer

	switch {
	case a.Base64 != "":
		decoded, err := base64.StdEncoding.DecodeString(a.Base64)
		if err != nil {
			return Ref{}, fmt.Errorf("invalid base64 payload: %w", err)
		}
		body = bytes.NewReader(decoded)
	case a.FileID != "":
		if download == nil {
			return Ref{}, fmt.Errorf("file reference %s without a downloader", a.FileID)
		}
		rc, err := download(ctx, a.Session, a.FileID)
		if err != nil {
			return Ref{}, err
		}
		body = rc
		closer = rc
	default:
		return Ref{}, fmt.Errorf("artifact carries neither payload nor file reference")
	}
	if closer != nil {
		defer closer.Close()
	}

	kind := a.Kind
	if kind == "" {
		kind = KindForMime(a.MimeType)
	}

	if r.uploader != nil {
		filename := a.FileName
		if filename == "" {
			filename = buildFilename(a.MimeType, "")
		}
		url, err := r.uploader.Upload(ctx, filename, a.MimeType, body)
		if err != nil {
			return Ref{}, err
		}
		return Ref{Kind: kind, ExternalURL: url}, nil
	}

	name, err := r.cache.Store(kind, a.MimeType, a.FileName, body)
	if err != nil {
		return Ref{}, err
	}
	return Ref{Kind: kind, LocalName: name}, nil
}

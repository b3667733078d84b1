// Package media materializes generated artifacts into URLs a client
// can fetch, either through the local TTL cache or an external file
// host.
package media

import "strings"

// Kind distinguishes the two cache namespaces and their TTLs.
type Kind string

const (
	KindImage Kind = "image"
	KindVideo Kind = "video"
)

// KindForMime maps a MIME type onto a cache namespace.
func KindForMime(mimeType string) Kind {
	if strings.HasPrefix(mimeType, "video/") {
		return KindVideo
	}
	return KindImage
}

var mimeExtensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/gif":  ".gif",
	"image/webp": ".webp",
	"video/mp4":  ".mp4",
	"video/webm": ".webm",
}

// ExtensionForMime returns the canonical file extension for a MIME
// type; unknown types fall back to .bin.
func ExtensionForMime(mimeType string) string {
	if ext, ok := mimeExtensions[strings.ToLower(strings.TrimSpace(mimeType))]; ok {
		return ext
	}
	return ".bin"
}

package media

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/zczy999/business-gemini/internal/logging"
)

// Per-kind cache lifetimes.
const (
	imageTTL = 1 * time.Hour
	videoTTL = 6 * time.Hour
)

// Cache is the local media store under <root>/image and <root>/video.
// Filenames embed a random 8-hex id so concurrent writers never
// collide and no write lock is needed; eviction goes by mtime.
type Cache struct {
	root string

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCache creates the cache directories under root.
func NewCache(root string) (*Cache, error) {
	if root == "" {
		root = "."
	}
	for _, kind := range []Kind{KindImage, KindVideo} {
		if err := os.MkdirAll(filepath.Join(root, string(kind)), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create cache dir: %w", err)
		}
	}
	return &Cache{root: root, stopChan: make(chan struct{})}, nil
}

// Start launches the periodic sweeper.
func (c *Cache) Start() {
	c.wg.Add(1)
	go c.sweepLoop()
}

func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })
	c.wg.Wait()
}

// Dir returns the directory for a kind (under the cache root, relative
// when the root is), for the file-serving routes.
func (c *Cache) Dir(kind Kind) string {
	return filepath.Join(c.root, string(kind))
}

func ttlFor(kind Kind) time.Duration {
	if kind == KindVideo {
		return videoTTL
	}
	return imageTTL
}

// Store streams body into a fresh cache file and returns its filename.
// Eviction runs opportunistically on every write.
func (c *Cache) Store(kind Kind, mimeType, suggestedName string, body io.Reader) (string, error) {
	name := buildFilename(mimeType, suggestedName)
	path := filepath.Join(c.Dir(kind), name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to create cache file: %w", err)
	}
	written, err := io.Copy(f, body)
	closeErr := f.Close()
	if err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("failed to write cache file: %w", err)
	}
	if closeErr != nil {
		_ = os.Remove(path)
		return "", closeErr
	}

	log.Debugf("media: cached %s/%s (%d bytes)", kind, name, written)
	c.sweep()
	return name, nil
}

// buildFilename derives "<base>_<rand8><ext>" so names stay unguessable
// and unique even when the upstream suggests a filename.
func buildFilename(mimeType, suggestedName string) string {
	ext := ExtensionForMime(mimeType)
	rand := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	if suggestedName != "" {
		base := strings.TrimSuffix(filepath.Base(suggestedName), filepath.Ext(suggestedName))
		base = sanitizeBase(base)
		if base != "" {
			return base + "_" + rand + ext
		}
	}
	return "media_" + rand + ext
}

func sanitizeBase(base string) string {
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	s := b.String()
	if len(s) > 48 {
		s = s[:48]
	}
	return s
}

func (c *Cache) sweepLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep evicts files past their kind's TTL. Readers racing a removal
// just get a 404 from the serving route; files are never locked.
func (c *Cache) sweep() {
	now := time.Now()
	for _, kind := range []Kind{KindImage, KindVideo} {
		dir := c.Dir(kind)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		ttl := ttlFor(kind)
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if now.Sub(info.ModTime()) > ttl {
				if err := os.Remove(filepath.Join(dir, entry.Name())); err == nil {
					log.Debugf("media: evicted %s/%s", kind, entry.Name())
				}
			}
		}
	}
}

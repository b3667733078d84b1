package upstream

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/zczy999/business-gemini/internal/logging"
)

// StreamReader wraps the assist body with context-aware cancellation
// and idle detection.
//
// When the client disconnects (context cancelled) the body is closed
// immediately, unblocking any pending Read. The idle watchdog is a
// safety net for upstreams that stop sending without closing.
type StreamReader struct {
	body         io.ReadCloser
	ctx          context.Context
	closed       atomic.Bool
	closeOnce    sync.Once
	closeErr     error
	lastActivity atomic.Int64 // UnixNano of last successful read
	idleTimeout  time.Duration
	stopWatchdog chan struct{}
}

// NewStreamReader starts the watchdogs and returns the wrapped reader.
// idleTimeout 0 disables idle detection.
func NewStreamReader(ctx context.Context, body io.ReadCloser, idleTimeout time.Duration) *StreamReader {
	sr := &StreamReader{
		body:         body,
		ctx:          ctx,
		idleTimeout:  idleTimeout,
		stopWatchdog: make(chan struct{}),
	}
	sr.touch()

	go sr.watchContext()
	if idleTimeout > 0 {
		go sr.watchIdle()
	}
	return sr
}

func (sr *StreamReader) touch() {
	sr.lastActivity.Store(time.Now().UnixNano())
}

func (sr *StreamReader) watchContext() {
	select {
	case <-sr.ctx.Done():
		sr.closeWithReason("context cancelled")
	case <-sr.stopWatchdog:
	}
}

func (sr *StreamReader) watchIdle() {
	checkInterval := sr.idleTimeout / 4
	if checkInterval < 5*time.Second {
		checkInterval = 5 * time.Second
	}
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sr.ctx.Done():
			return
		case <-sr.stopWatchdog:
			return
		case <-ticker.C:
			if sr.closed.Load() {
				return
			}
			idle := time.Since(time.Unix(0, sr.lastActivity.Load()))
			if idle > sr.idleTimeout {
				log.Warnf("assist stream stalled for %v, closing", idle.Round(time.Second))
				sr.closeWithReason("idle timeout")
				return
			}
		}
	}
}

// Read implements io.Reader.
func (sr *StreamReader) Read(p []byte) (int, error) {
	if sr.closed.Load() {
		return 0, io.EOF
	}
	n, err := sr.body.Read(p)
	if n > 0 {
		sr.touch()
	}
	return n, err
}

func (sr *StreamReader) closeWithReason(reason string) {
	sr.closeOnce.Do(func() {
		sr.closed.Store(true)
		sr.closeErr = sr.body.Close()
		log.Debugf("assist stream closed: %s", reason)
	})
}

// Close implements io.Closer. Safe to call multiple times.
func (sr *StreamReader) Close() error {
	sr.closeWithReason("explicit close")
	select {
	case <-sr.stopWatchdog:
	default:
		close(sr.stopWatchdog)
	}
	return sr.closeErr
}

package api

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zczy999/business-gemini/internal/media"
	"github.com/zczy999/business-gemini/internal/relay"
)

// handleChatCompletions is POST /v1/chat/completions.
func (s *Server) handleChatCompletions(c *gin.Context) {
	var req relay.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, openAIError("malformed request body: "+err.Error(), "invalid_request_error", "bad_request"))
		return
	}

	turn, relayErr := s.orchestrator.Run(c.Request.Context(), &req, c.GetHeader("User-Agent"), requestBaseURL(c))
	if relayErr != nil {
		if relayErr.RetryAfterSeconds > 0 {
			c.Header("Retry-After", strconv.Itoa(relayErr.RetryAfterSeconds))
		}
		c.JSON(relayErr.HTTPStatus, openAIError(relayErr.Message, "api_error", relayErr.Code))
		return
	}

	if !req.Stream {
		completion, relayErr := s.orchestrator.Complete(c.Request.Context(), turn)
		if relayErr != nil {
			c.JSON(relayErr.HTTPStatus, openAIError(relayErr.Message, "api_error", relayErr.Code))
			return
		}
		c.JSON(http.StatusOK, completion)
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)

	flusher, _ := c.Writer.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}
	s.orchestrator.Stream(c.Request.Context(), turn, c.Writer, flush)
}

// handleModels is GET /v1/models in OpenAI list shape.
func (s *Server) handleModels(c *gin.Context) {
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	}
	created := time.Now().Unix()
	entries := make([]modelEntry, 0)
	for _, id := range s.orchestrator.Models() {
		entries = append(entries, modelEntry{ID: id, Object: "model", Created: created, OwnedBy: "business-gemini"})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": entries})
}

// handleStatus is GET /v1/status: pool snapshot for operators.
func (s *Server) handleStatus(c *gin.Context) {
	total, available := s.pool.Counts()
	c.JSON(http.StatusOK, gin.H{
		"accounts":  gin.H{"total": total, "available": available},
		"details":   s.pool.Views(),
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleMediaFile serves one cached artifact. Filenames are flattened
// to their base so the cache directory cannot be escaped.
func (s *Server) handleMediaFile(kind media.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cache == nil {
			c.Status(http.StatusNotFound)
			return
		}
		name := filepath.Base(c.Param("filename"))
		if name == "." || name == "/" || name == "" {
			c.Status(http.StatusNotFound)
			return
		}
		path := filepath.Join(s.cache.Dir(kind), name)
		// A sweep may race the stat; the client just sees the 404.
		c.File(path)
	}
}

// requestBaseURL reconstructs the externally visible base URL, honoring
// reverse-proxy headers.
func requestBaseURL(c *gin.Context) string {
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	if forwarded := c.GetHeader("X-Forwarded-Proto"); forwarded != "" {
		scheme = forwarded
	}
	host := c.Request.Host
	if forwarded := c.GetHeader("X-Forwarded-Host"); forwarded != "" {
		host = forwarded
	}
	return fmt.Sprintf("%s://%s", scheme, host)
}

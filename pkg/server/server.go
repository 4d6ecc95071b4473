// Package server exposes the assistant over a small JSON HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/perbu/complaintrag/pkg/assistant"
	"github.com/perbu/complaintrag/pkg/complaintrag"
)

// MaxTopK bounds the k a client may ask for.
const MaxTopK = 50

// Info describes the loaded index for the health endpoint.
type Info struct {
	Generation string `json:"generation"`
	Model      string `json:"model"`
	Entries    int    `json:"entries"`
	Dimension  int    `json:"dimension"`
	// Products lists the categories that can be used as a filter.
	Products []string `json:"products"`
}

// Server routes HTTP requests to a shared assistant.
type Server struct {
	assistant *assistant.Assistant
	info      Info
	logger    *slog.Logger
}

func New(a *assistant.Assistant, info Info, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{assistant: a, info: info, logger: logger}
}

// QueryRequest is the body of both the ask and search endpoints.
type QueryRequest struct {
	Question string   `json:"question"`
	K        int      `json:"k"`
	Products []string `json:"products,omitempty"`
}

// AskResponse carries the answer and the fragments it was grounded on.
// Failed is set when Answer is a pipeline diagnostic.
type AskResponse struct {
	Answer  string                `json:"answer"`
	Sources []complaintrag.Source `json:"sources"`
	Failed  bool                  `json:"failed,omitempty"`
}

// SearchResponse lists retrieved fragments nearest first.
type SearchResponse struct {
	Results []complaintrag.Source `json:"results"`
}

// Handler builds the gin engine.
func (s *Server) Handler() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), s.accessLog)

	router.GET("/healthz", s.health)
	v1 := router.Group("/api/v1")
	{
		v1.POST("/ask", s.ask)
		v1.POST("/search", s.search)
	}
	return router
}

// Run serves on addr until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) accessLog(c *gin.Context) {
	started := time.Now()
	c.Next()
	s.logger.Info("request", "method", c.Request.Method, "path", c.FullPath(),
		"status", c.Writer.Status(), "elapsed", time.Since(started))
}

func (s *Server) health(c *gin.Context) {
	c.IndentedJSON(http.StatusOK, s.info)
}

func (s *Server) bind(c *gin.Context) (QueryRequest, bool) {
	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.IndentedJSON(http.StatusBadRequest, gin.H{"message": "invalid request body: " + err.Error()})
		return req, false
	}
	req.Question = strings.TrimSpace(req.Question)
	switch {
	case req.Question == "":
		c.IndentedJSON(http.StatusBadRequest, gin.H{"message": "question is required"})
		return req, false
	case req.K < 0 || req.K > MaxTopK:
		c.IndentedJSON(http.StatusBadRequest, gin.H{"message": fmt.Sprintf("k must be between 0 and %d", MaxTopK)})
		return req, false
	}
	return req, true
}

func (s *Server) ask(c *gin.Context) {
	req, ok := s.bind(c)
	if !ok {
		return
	}
	ans := s.assistant.Ask(c.Request.Context(), req.Question, req.K, req.Products...)
	c.IndentedJSON(http.StatusOK, AskResponse{Answer: ans.Text, Sources: ans.Sources, Failed: ans.Failed()})
}

func (s *Server) search(c *gin.Context) {
	req, ok := s.bind(c)
	if !ok {
		return
	}
	res, err := s.assistant.Search(c.Request.Context(), req.Question, req.K, req.Products...)
	if err != nil {
		s.logger.Error("search failed", "error", err)
		c.IndentedJSON(http.StatusInternalServerError, gin.H{"message": err.Error()})
		return
	}
	c.IndentedJSON(http.StatusOK, SearchResponse{Results: res.Sources()})
}

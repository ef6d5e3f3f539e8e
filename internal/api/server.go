package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
)

// Server runs the echo instance on addr.
type Server struct {
	echo *echo.Echo
	addr string
}

// NewServer wraps e.
func NewServer(addr string, e *echo.Echo) *Server {
	return &Server{echo: e, addr: addr}
}

// Start listens in a goroutine.
func (s *Server) Start() {
	go func() {
		log.Printf("[api] listening on %s", s.addr)
		if err := s.echo.Start(s.addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[api] server error: %v", err)
		}
	}()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	log.Println("[api] stopped")
	return nil
}

package front

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/server"
)

// ServeStdio blocks, serving the shared tool set over stdio until ctx is
// cancelled or the client closes stdin. Grounded on alexandrem-coral's
// Server.ServeStdio, which defers entirely to server.ServeStdio's own
// signal/EOF handling.
func (s *Server) ServeStdio(ctx context.Context) error {
	log.Info().Msg("serving MCP over stdio")
	errCh := make(chan error, 1)
	go func() { errCh <- server.ServeStdio(s.mcpServer) }()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// HTTPServer wraps a streamable-HTTP transport for the shared tool set plus
// the spec's §6 health and error-envelope requirements. One MCP server
// object is shared across all sessions; per-session bookkeeping (the
// sandbox runtime each Mcp-Session-Id maps to) is handled downstream by the
// Session Resolver via Server's session-lifecycle hooks.
type HTTPServer struct {
	front  *Server
	mux    *http.ServeMux
	server *http.Server
}

// NewHTTPServer builds the HTTP transport, listening on addr, exposing
// GET /health and the streamable MCP endpoint at /mcp (spec §6 table).
func NewHTTPServer(front *Server, addr string) *HTTPServer {
	h := &HTTPServer{front: front, mux: http.NewServeMux()}
	h.server = &http.Server{
		Addr:              addr,
		Handler:           h.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	h.mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	mcpHandler := server.NewStreamableHTTPServer(front.mcpServer, server.WithStateLess(false))
	h.mux.Handle("/mcp", methodGate(mcpHandler))
	h.mux.HandleFunc("/", notFoundHandler)

	return h
}

// methodGate enforces spec §6's 405 response for /mcp methods the
// streamable transport doesn't itself recognize, and lets GET/POST/DELETE
// fall through to the library's own handler (which implements initialize,
// server-push, and session-termination semantics per the MCP spec).
func methodGate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost, http.MethodGet, http.MethodDelete:
			next.ServeHTTP(w, r)
		default:
			writeJSONError(w, http.StatusMethodNotAllowed, "Method Not Allowed")
		}
	})
}

func notFoundHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSONError(w, http.StatusNotFound, "Not Found")
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// Start begins serving in the background; call Shutdown to stop it.
func (h *HTTPServer) Start() {
	log.Info().Str("addr", h.server.Addr).Msg("serving MCP over streamable HTTP")
	go func() {
		if err := h.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP transport failed")
		}
	}()
}

// Shutdown gracefully stops the HTTP listener.
func (h *HTTPServer) Shutdown(ctx context.Context) error {
	if err := h.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("front: shutdown HTTP transport: %w", err)
	}
	return nil
}

// Package monitor serves debug pages for a running localisation session.
package monitor

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/localise/internal/storage/sqlite"
	"github.com/banshee-data/localise/internal/version"
	"github.com/banshee-data/localise/internal/visualiser"
)

// FrameSource supplies the most recently published cloud.
type FrameSource interface {
	Latest() *visualiser.CloudFrame
}

// PoseSource supplies journalled poses.
type PoseSource interface {
	ListPoses(sessionID string, limit int) ([]*sqlite.PoseRecord, error)
}

// WebServerConfig contains configuration options for the web server
type WebServerConfig struct {
	Address   string
	SessionID string
	Frames    FrameSource
	Poses     PoseSource
	// Stream is mounted at /stream when set.
	Stream http.Handler
}

// WebServer exposes registration charts and the pose journal over HTTP.
type WebServer struct {
	address   string
	sessionID string
	frames    FrameSource
	poses     PoseSource
	stream    http.Handler
	server    *http.Server
}

// NewWebServer creates a new web server with the provided configuration
func NewWebServer(config WebServerConfig) *WebServer {
	ws := &WebServer{
		address:   config.Address,
		sessionID: config.SessionID,
		frames:    config.Frames,
		poses:     config.Poses,
		stream:    config.Stream,
	}
	ws.server = &http.Server{
		Addr:              ws.address,
		Handler:           ws.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return ws
}

// Handler returns the route multiplexer.
func (ws *WebServer) Handler() http.Handler { return ws.server.Handler }

// Start serves until ctx is cancelled, then shuts down.
func (ws *WebServer) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("Starting HTTP server on %s", ws.address)
		if err := ws.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()

	if err := ws.server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := ws.server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}

	log.Printf("HTTP server routine stopped")
	return nil
}

// setupRoutes configures the HTTP routes and handlers
func (ws *WebServer) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", ws.handleHealth)
	mux.HandleFunc("/debug/registration/cloud", ws.handleCloudChart)
	mux.HandleFunc("/debug/registration/trajectory", ws.handleTrajectoryChart)
	mux.HandleFunc("/debug/registration/poses", ws.handlePoses)
	if ws.stream != nil {
		mux.Handle(visualiser.StreamPath, ws.stream)
	}

	return mux
}

func (ws *WebServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	ws.writeJSON(w, http.StatusOK, map[string]string{
		"status":     "ok",
		"session_id": ws.sessionID,
		"version":    version.Version,
		"git_sha":    version.GitSHA,
	})
}

// handlePoses returns the journalled poses of a session as JSON.
// Query params:
//   - session_id (optional; defaults to the running session)
//   - limit (optional, default 500)
func (ws *WebServer) handlePoses(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		ws.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed; use GET")
		return
	}
	records, ok := ws.listPoses(w, r)
	if !ok {
		return
	}
	if records == nil {
		records = []*sqlite.PoseRecord{}
	}
	ws.writeJSON(w, http.StatusOK, records)
}

// listPoses resolves the query and loads poses, writing an error response
// and returning false on failure.
func (ws *WebServer) listPoses(w http.ResponseWriter, r *http.Request) ([]*sqlite.PoseRecord, bool) {
	if ws.poses == nil {
		ws.writeJSONError(w, http.StatusServiceUnavailable, "pose journal not configured")
		return nil, false
	}
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = ws.sessionID
	}
	limit := 500
	if l := r.URL.Query().Get("limit"); l != "" {
		v, err := strconv.Atoi(l)
		if err != nil || v <= 0 || v > 100000 {
			ws.writeJSONError(w, http.StatusBadRequest, "invalid 'limit' parameter")
			return nil, false
		}
		limit = v
	}
	records, err := ws.poses.ListPoses(sessionID, limit)
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, "failed to load poses: "+err.Error())
		return nil, false
	}
	return records, true
}

func (ws *WebServer) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("JSON encoding error: %v", err)
	}
}

func (ws *WebServer) writeJSONError(w http.ResponseWriter, status int, msg string) {
	ws.writeJSON(w, status, map[string]string{"error": msg})
}

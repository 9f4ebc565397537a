package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/propeluphigh/mend-server/internal/audio"
	"github.com/propeluphigh/mend-server/internal/config"
	"github.com/propeluphigh/mend-server/internal/metrics"
	"github.com/propeluphigh/mend-server/internal/profile"
	"github.com/propeluphigh/mend-server/internal/protocol"
	"github.com/propeluphigh/mend-server/internal/session"
)

// HTTPServer provides the HTTP and WebSocket API
type HTTPServer struct {
	server   *http.Server
	logger   *slog.Logger
	config   *config.Config
	sessions *session.Manager
	store    *profile.Store
	metrics  *metrics.Metrics

	// Server state
	startTime time.Time
	mu        sync.RWMutex
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(logger *slog.Logger, cfg *config.Config,
	sessions *session.Manager, store *profile.Store, m *metrics.Metrics) *HTTPServer {

	h := &HTTPServer{
		logger:    logger,
		config:    cfg,
		sessions:  sessions,
		store:     store,
		metrics:   m,
		startTime: time.Now(),
	}

	// Create HTTP server with routes
	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port),
		Handler:     mux,
		ReadTimeout: 120 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Speech API endpoints
	mux.HandleFunc("/enroll", h.withMetrics("/enroll", h.handleEnroll))
	mux.HandleFunc("/transcribe", h.withMetrics("/transcribe", h.handleTranscribe))
	mux.HandleFunc("/speakers", h.withMetrics("/speakers", h.handleSpeakers))

	// Streaming endpoints (WebSocket)
	mux.HandleFunc("/stream", h.handleStreamWS)
	mux.HandleFunc("/enroll/stream", h.handleEnrollWS)

	// Health check endpoint
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	// Session monitoring endpoints
	mux.HandleFunc("/sessions", h.withMetrics("/sessions", h.handleSessions))
	mux.HandleFunc("/sessions/", h.withMetrics("/sessions/{id}", h.handleSessionDetail))

	// Configuration endpoint
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))

	// Statistics endpoint
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("/metrics", promhttp.Handler())

	// Root endpoint with API documentation
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: 200}

		// Call the original handler
		handler(ww, r)

		// Record metrics
		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		// Record error if status code indicates an error
		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

// readUploadedPCM extracts raw PCM from the multipart "audio" field,
// stripping a WAV header when one is present.
func (h *HTTPServer) readUploadedPCM(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	maxBytes := int64(h.config.Audio.MaxUploadBytes)
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	if err := r.ParseMultipartForm(maxBytes); err != nil {
		h.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("failed to parse upload: %v", err))
		return nil, false
	}

	file, _, err := r.FormFile("audio")
	if err != nil {
		h.writeJSONError(w, http.StatusBadRequest, "missing 'audio' file field")
		return nil, false
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		h.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("failed to read upload: %v", err))
		return nil, false
	}

	pcm, err := audio.ExtractPCM(data)
	if err != nil {
		h.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("unsupported audio payload: %v", err))
		return nil, false
	}

	return pcm, true
}

// feedAll pushes pcm through the session in bounded chunks
func (h *HTTPServer) feedAll(id string, pcm []byte) error {
	chunkSize := h.config.Session.MaxFeedBytes
	for off := 0; off < len(pcm); off += chunkSize {
		end := off + chunkSize
		if end > len(pcm) {
			end = len(pcm)
		}
		if _, err := h.sessions.Feed(id, pcm[off:end]); err != nil {
			return err
		}
	}
	return nil
}

// handleEnroll implements POST /enroll?profile_name=<name>
func (h *HTTPServer) handleEnroll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	profileName := r.URL.Query().Get("profile_name")
	if err := profile.ValidateName(profileName); err != nil {
		h.writeEnrollError(w, http.StatusBadRequest, err.Error())
		return
	}

	pcm, ok := h.readUploadedPCM(w, r)
	if !ok {
		return
	}

	s, err := h.sessions.Open(session.ModeEnroll, profileName)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, profile.ErrInvalidProfileName) {
			status = http.StatusBadRequest
		}
		h.writeEnrollError(w, status, err.Error())
		return
	}
	defer h.sessions.Close(s.ID)

	if err := h.feedAll(s.ID, pcm); err != nil {
		h.writeEnrollError(w, http.StatusInternalServerError, err.Error())
		return
	}

	result, err := h.sessions.Finalize(s.ID)
	if err != nil {
		h.writeEnrollError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, enrollResponse(result))
}

// enrollResponse maps a finalized enrollment to the API response shape
func enrollResponse(result *session.Result) protocol.EnrollResult {
	if result.ProfileSaved {
		return protocol.EnrollResult{
			Status:     protocol.StatusSuccess,
			Percentage: result.Percentage,
			Message:    "Speaker profile enrolled",
		}
	}
	return protocol.EnrollResult{
		Status:     protocol.StatusIncomplete,
		Percentage: result.Percentage,
		Message:    result.Feedback,
	}
}

// handleTranscribe implements POST /transcribe
func (h *HTTPServer) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	pcm, ok := h.readUploadedPCM(w, r)
	if !ok {
		return
	}

	s, err := h.sessions.Open(session.ModeTranscribe, "")
	if err != nil {
		h.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer h.sessions.Close(s.ID)

	if err := h.feedAll(s.ID, pcm); err != nil {
		h.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	result, err := h.sessions.Finalize(s.ID)
	if err != nil {
		h.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, protocol.TranscriptionResult{
		Transcript:        result.Transcript,
		SpeakerScores:     result.SpeakerScores,
		MostLikelySpeaker: result.MostLikelySpeaker,
	})
}

// handleSpeakers implements GET /speakers
func (h *HTTPServer) handleSpeakers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	names, err := h.store.List()
	if err != nil {
		h.metrics.RecordProfileStoreError()
		h.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"speakers": names,
		"count":    len(names),
	})
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uptime := time.Since(h.startTime)
	profiles, _ := h.store.List()

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    uptime.String(),
		"service": map[string]interface{}{
			"name":    "mend-server",
			"version": "1.0.0",
		},
		"components": map[string]interface{}{
			"session_manager": map[string]interface{}{
				"status":          "running",
				"active_sessions": h.sessions.ActiveCount(),
			},
			"profile_store": map[string]interface{}{
				"status":   "running",
				"profiles": len(profiles),
			},
		},
	}

	h.writeJSON(w, http.StatusOK, health)
}

// handleSessions implements the /sessions endpoint
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	infos := h.sessions.Infos()

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_sessions": len(infos),
		"timestamp":      time.Now().UTC(),
		"sessions":       infos,
	})
}

// handleSessionDetail implements the /sessions/{id} endpoint
func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/sessions/")
	if id == "" {
		h.writeJSONError(w, http.StatusBadRequest, "session id required")
		return
	}

	s, err := h.sessions.Get(id)
	if err != nil {
		h.writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, s.GetInfo())
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"http": map[string]interface{}{
			"address": h.config.HTTP.Address,
			"port":    h.config.HTTP.Port,
		},
		"audio": map[string]interface{}{
			"sample_rate":      h.config.Audio.SampleRate,
			"channels":         h.config.Audio.Channels,
			"bit_depth":        h.config.Audio.BitDepth,
			"frame_bytes":      audio.FrameBytes,
			"max_upload_bytes": h.config.Audio.MaxUploadBytes,
		},
		"engine": map[string]interface{}{
			"confidence_floor":     h.config.Engine.ConfidenceFloor,
			"enroll_target_frames": h.config.Engine.EnrollTargetFrames,
		},
		"session": map[string]interface{}{
			"idle_timeout":   h.config.Session.GetIdleTimeout().String(),
			"max_feed_bytes": h.config.Session.MaxFeedBytes,
		},
	})
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	profiles, _ := h.store.List()

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"timestamp":       time.Now().UTC(),
		"uptime":          time.Since(h.startTime).String(),
		"active_sessions": h.sessions.ActiveCount(),
		"profiles":        len(profiles),
	})
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	doc := map[string]interface{}{
		"service":     "mend-server",
		"version":     "1.0.0",
		"description": "Speech transcription and speaker enrollment service",
		"audio_format": map[string]interface{}{
			"sample_rate": audio.SampleRate,
			"channels":    audio.Channels,
			"bit_depth":   audio.BitDepth,
			"frame_bytes": audio.FrameBytes,
		},
		"endpoints": map[string]string{
			"POST /enroll?profile_name=": "Enroll a speaker from an uploaded WAV or raw PCM file (multipart field 'audio')",
			"POST /transcribe":           "Transcribe an uploaded WAV or raw PCM file with speaker identification",
			"GET /speakers":              "List enrolled speaker profiles",
			"GET /stream":                "WebSocket: stream binary PCM chunks, receive transcript deltas",
			"GET /enroll/stream":         "WebSocket: send {\"profile_name\": ...}, then binary PCM chunks; receive progress",
			"GET /health":                "Health check",
			"GET /sessions":              "List active sessions",
			"GET /sessions/{id}":         "Session details",
			"GET /config":                "Service configuration",
			"GET /stats":                 "Service statistics",
			"GET /metrics":               "Prometheus metrics",
		},
	}

	h.writeJSON(w, http.StatusOK, doc)
}

// writeJSON writes a JSON response with the given status code
func (h *HTTPServer) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", slog.String("error", err.Error()))
	}
}

// writeJSONError writes a JSON error response
func (h *HTTPServer) writeJSONError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

// writeEnrollError writes an enrollment failure in the enrollment
// response shape
func (h *HTTPServer) writeEnrollError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, protocol.EnrollResult{
		Status:  protocol.StatusError,
		Message: msg,
	})
}

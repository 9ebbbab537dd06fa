package scribe

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bosley/dictation/audio"
	"github.com/bosley/dictation/engine"
	"github.com/bosley/dictation/metrics"
	"github.com/bosley/dictation/session"
)

// Largest upload accepted by /api/transcribe
const maxUploadSize = 512 << 20

// Router builds the HTTP routes served by Scribe
func (s *Scribe) Router() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", s.handleHealth).Methods("GET")

	// API routes
	router.HandleFunc("/api/transcribe", s.handleTranscribe).Methods("POST")
	router.HandleFunc("/transcribe", s.handleTranscribe).Methods("POST")
	router.HandleFunc("/api/sessions", s.handleListSessions).Methods("GET")
	router.HandleFunc("/api/sessions/{sessionID}", s.handleGetSession).Methods("GET")
	router.HandleFunc("/ws/stream", s.handleStream)

	router.Handle("/metrics", promhttp.Handler())

	return router
}

func (s *Scribe) startHTTP(ctx context.Context) error {
	go func() {
		slog.Info("HTTP server listening", "addr", s.config.HTTPAddr, "tls", s.tlsConfig != nil)

		var err error
		if s.tlsConfig != nil {
			err = s.server.ListenAndServeTLS("", "")
		} else {
			err = s.server.ListenAndServe()
		}
		if err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	<-ctx.Done()
	return s.server.Shutdown(context.Background())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Scribe) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.pipeline.Health()
	if s.sessions != nil && s.sessions.Registry != nil {
		health.Sessions = s.sessions.Registry.Len()
	}
	writeJSON(w, http.StatusOK, health)
}

// handleTranscribe transcribes one uploaded file. Query parameters: method
// (local|cloud), enable_diarization (default true), language.
func (s *Scribe) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("multipart field \"file\" is required"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	query := r.URL.Query()
	req := Request{
		Method:   strings.ToLower(query.Get("method")),
		Diarize:  true,
		Language: query.Get("language"),
	}
	if v := query.Get("enable_diarization"); v != "" {
		diarize, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("enable_diarization must be a boolean"))
			return
		}
		req.Diarize = diarize
	}

	clip := audio.Clip{Data: data, Format: clipFormat(header.Filename)}

	slog.Info("Processing audio file",
		"file", header.Filename,
		"bytes", len(data),
		"method", req.Method,
		"diarize", req.Diarize)

	result, err := s.pipeline.Transcribe(r.Context(), clip, req)
	if err != nil {
		metrics.RecordBatch("http", false)
		slog.Error("Transcription failed", "error", err, "file", header.Filename)
		if errors.Is(err, engine.ErrUnavailable) || errors.Is(err, ErrUnknownMethod) {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	metrics.RecordBatch("http", true)
	writeJSON(w, http.StatusOK, result)
}

func clipFormat(filename string) string {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(filename)), ".")
	if ext == "" {
		return "wav"
	}
	return ext
}

func (s *Scribe) registry() *session.Registry {
	if s.sessions == nil {
		return nil
	}
	return s.sessions.Registry
}

func (s *Scribe) handleListSessions(w http.ResponseWriter, r *http.Request) {
	registry := s.registry()
	if registry == nil {
		writeJSON(w, http.StatusOK, []session.Info{})
		return
	}

	infos := registry.List()
	slog.Debug("Sending session list", "numSessions", len(infos))
	writeJSON(w, http.StatusOK, infos)
}

func (s *Scribe) handleGetSession(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	id, err := uuid.Parse(vars["sessionID"])
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid session ID"))
		return
	}

	registry := s.registry()
	if registry == nil {
		writeError(w, http.StatusNotFound, errors.New("session not found"))
		return
	}

	sess, ok := registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("session not found"))
		return
	}

	writeJSON(w, http.StatusOK, sess.Info())
}

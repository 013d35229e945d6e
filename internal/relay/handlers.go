package relay

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/nlipchat/voice-relay/internal/config"
	"github.com/nlipchat/voice-relay/internal/observability"
	"github.com/nlipchat/voice-relay/internal/stt"
)

// chunkSeqHeader carries the client's monotonic per-chunk sequence number
const chunkSeqHeader = "X-Chunk-Seq"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Server exposes the relay wire protocol over HTTP
type Server struct {
	router        *Router
	adapter       stt.Adapter
	maxChunkBytes int64
	origins       map[string]bool
	allowAll      bool
	logger        zerolog.Logger
}

// NewServer creates the relay HTTP surface around a session router
func NewServer(router *Router, adapter stt.Adapter, cfg *config.Config) *Server {
	origins := make(map[string]bool, len(cfg.AllowedOrigins))
	allowAll := false
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			allowAll = true
		}
		origins[o] = true
	}

	upgrader.CheckOrigin = func(r *http.Request) bool {
		if allowAll {
			return true
		}
		return origins[r.Header.Get("Origin")]
	}

	return &Server{
		router:        router,
		adapter:       adapter,
		maxChunkBytes: cfg.MaxChunkBytes,
		origins:       origins,
		allowAll:      allowAll,
		logger:        observability.GetLogger(),
	}
}

// Register wires the relay endpoints onto a mux
func (s *Server) Register(mux *http.ServeMux) {
	mux.Handle("GET /stream/{sessionId}", s.cors(http.HandlerFunc(s.handleStream)))
	mux.Handle("GET /ws/{sessionId}", http.HandlerFunc(s.handleWS))
	mux.Handle("POST /start/{sessionId}", s.cors(http.HandlerFunc(s.handleStart)))
	mux.Handle("POST /audio/{sessionId}", s.cors(http.HandlerFunc(s.handleAudio)))
	mux.Handle("POST /stop/{sessionId}", s.cors(http.HandlerFunc(s.handleStop)))
	mux.Handle("POST /api/transcribe", s.cors(http.HandlerFunc(s.handleTranscribe)))
	mux.Handle("OPTIONS /", s.cors(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))
}

// cors applies the configured origin policy to browser requests
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (s.allowAll || s.origins[origin]) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+chunkSeqHeader)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		next.ServeHTTP(w, r)
	})
}

// handleStream is the SSE push subscription endpoint. It registers the
// connection with the router and holds it open until either side closes.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := newSSESubscriber(w, flusher)
	s.router.Subscribe(sessionID, sub)

	select {
	case <-r.Context().Done():
		// Client navigated away or the network dropped
	case <-sub.Done():
		// Replaced by a newer subscription or relay shutdown
	}

	s.router.Unsubscribe(sessionID, sub)
	// The ResponseWriter is invalid once this handler returns; closing makes
	// any in-flight push fail fast instead of writing to it.
	sub.Close()
}

// handleWS is the WebSocket flavor of the push subscription endpoint
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("session_id", sessionID).Msg("WebSocket upgrade failed")
		return
	}

	sub := newWSSubscriber(conn)
	s.router.Subscribe(sessionID, sub)

	// The event channel is one-way; the read loop only detects disconnect
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	s.router.Unsubscribe(sessionID, sub)
	sub.Close()
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")

	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Unable to read request body")
		return
	}
	if err := parseControlEnvelope(body, sessionID); err != nil {
		observability.RecordRoutingError("bad_envelope")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.router.Start(r.Context(), sessionID); err != nil {
		if errors.Is(err, ErrNoSubscriber) {
			observability.RecordRoutingError("no_subscriber")
			writeError(w, http.StatusBadRequest, "No active SSE connection for this session. Please refresh and try again.")
			return
		}
		s.logger.Error().Err(err).Str("session_id", sessionID).Msg("Failed to start recognition stream")
		writeError(w, http.StatusInternalServerError, "Failed to create streaming session")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "Stream started"})
}

func (s *Server) handleAudio(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")

	if r.ContentLength > s.maxChunkBytes {
		observability.RecordRoutingError("chunk_too_large")
		writeError(w, http.StatusRequestEntityTooLarge, "Audio chunk exceeds maximum size")
		return
	}

	audio, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxChunkBytes))
	if err != nil {
		observability.RecordRoutingError("chunk_too_large")
		writeError(w, http.StatusRequestEntityTooLarge, "Audio chunk exceeds maximum size")
		return
	}

	seq := int64(-1)
	if h := r.Header.Get(chunkSeqHeader); h != "" {
		if parsed, parseErr := strconv.ParseInt(h, 10, 64); parseErr == nil {
			seq = parsed
		}
	}

	if err := s.router.WriteAudio(sessionID, audio, seq); err != nil {
		if errors.Is(err, ErrNoStream) {
			observability.RecordRoutingError("no_stream")
			writeError(w, http.StatusBadRequest, "No active stream for this session. Please start a new recording.")
			return
		}
		s.logger.Error().Err(err).Str("session_id", sessionID).Msg("Failed to process audio chunk")
		writeError(w, http.StatusInternalServerError, "Failed to process audio data")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "Audio received"})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("sessionId")

	// Stopping a session with no active stream is not an error
	s.router.Stop(sessionID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "Stream stopped"})
}

// handleTranscribe performs one-shot recognition of a complete uploaded file
func (s *Server) handleTranscribe(w http.ResponseWriter, r *http.Request) {
	batch, ok := s.adapter.(stt.BatchRecognizer)
	if !ok {
		writeError(w, http.StatusNotImplemented, "Batch transcription is not supported by the configured provider")
		return
	}

	if err := r.ParseMultipartForm(s.maxChunkBytes); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}
	file, _, err := r.FormFile("audio")
	if err != nil {
		writeError(w, http.StatusBadRequest, "No audio file uploaded.")
		return
	}
	defer file.Close()

	audio, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Unable to read audio file")
		return
	}

	transcript, err := batch.Recognize(r.Context(), audio)
	if err != nil {
		s.logger.Error().Err(err).Msg("Batch transcription failed")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"transcription": transcript})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

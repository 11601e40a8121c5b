package session

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/voice-coach/internal/config"
	"github.com/lexiqai/voice-coach/internal/coordinator"
	"github.com/lexiqai/voice-coach/internal/observability"
	"github.com/lexiqai/voice-coach/internal/resilience"
	"github.com/lexiqai/voice-coach/internal/tts"
)

// Services are shared by every session
type Services struct {
	Exchange coordinator.Exchanger
	// Synth is nil when server-side synthesis is disabled
	Synth tts.Synthesizer
	// DeepgramBreaker is shared so repeated failures across sessions open it
	DeepgramBreaker *resilience.CircuitBreaker
}

// Handler upgrades /ws/voice requests and runs one session per connection
type Handler struct {
	cfg      *config.Config
	services Services
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	// base is cancelled by Shutdown; hijacked connections are not tracked by http.Server
	base     context.Context
	stop     context.CancelFunc
	mu       sync.Mutex
	closing  bool
	sessions sync.WaitGroup
}

// NewHandler creates the voice WebSocket handler
func NewHandler(cfg *config.Config, services Services) *Handler {
	base, stop := context.WithCancel(context.Background())
	h := &Handler{
		cfg:      cfg,
		services: services,
		logger:   observability.GetLogger().With().Str("component", "session_handler").Logger(),
		base:     base,
		stop:     stop,
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:     h.checkOrigin,
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.cfg.AllowedOrigin == "" {
		return true
	}
	return strings.EqualFold(r.Header.Get("Origin"), h.cfg.AllowedOrigin)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	if h.closing {
		h.mu.Unlock()
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	h.sessions.Add(1)
	h.mu.Unlock()
	defer h.sessions.Done()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error
		h.logger.Warn().Err(err).Msg("Failed to upgrade connection to WebSocket")
		return
	}
	defer conn.Close()

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = uuid.New().String()
	}

	s := New(conn, h.cfg, h.services, sessionID)
	s.logger.Info().Str("remote_addr", r.RemoteAddr).Msg("Voice session connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	unlink := context.AfterFunc(h.base, cancel)
	defer unlink()

	if err := s.Run(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Voice session ended with error")
		return
	}
	s.logger.Info().Msg("Voice session ended")
}

// Shutdown ends every live session and waits for them to close their
// connections, or until ctx is done.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closing = true
	h.mu.Unlock()
	h.stop()

	finished := make(chan struct{})
	go func() {
		h.sessions.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

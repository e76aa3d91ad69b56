// Package server is the embeddable dev backend: the REST endpoints and the
// real-time channel the sync engine consumes, with canned responses. It
// exists so the client core can be exercised end to end without a production
// backend.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/marionette/pkg/api"
	"github.com/go-go-golems/marionette/pkg/model"
	"github.com/go-go-golems/marionette/pkg/store"
)

// EventsTopic is the bus topic all wire frames are published on.
const EventsTopic = "chat.events"

// Storage is what the server needs from its persistence layer.
type Storage interface {
	store.Backend
	store.ConversationBackend
}

// Settings controls the dev server.
type Settings struct {
	Addr       string
	TokenDelay time.Duration
}

// Server owns the HTTP handlers, the websocket pool and the canned responder
// pipeline.
type Server struct {
	settings Settings
	backend  Storage
	pub      message.Publisher
	sub      message.Subscriber
	logger   zerolog.Logger

	mux      *http.ServeMux
	server   *http.Server
	upgrader websocket.Upgrader
	pool     *connPool

	nextConvID atomic.Int64
	nextMsgID  atomic.Int64

	jobsMu sync.Mutex
	jobs   map[string]api.Job
}

func New(settings Settings, backend Storage, pub message.Publisher, sub message.Subscriber) (*Server, error) {
	if settings.TokenDelay <= 0 {
		settings.TokenDelay = 30 * time.Millisecond
	}
	s := &Server{
		settings: settings,
		backend:  backend,
		pub:      pub,
		sub:      sub,
		logger:   log.With().Str("component", "server").Logger(),
		mux:      http.NewServeMux(),
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		pool:     newConnPool(),
		jobs:     map[string]api.Job{},
	}
	if err := s.initCounters(context.Background()); err != nil {
		return nil, err
	}
	s.registerHandlers()
	s.server = &http.Server{
		Addr:              settings.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// Run starts the event forwarder and the HTTP server and blocks until the
// context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error { return s.forward(egCtx) })

	eg.Go(func() error {
		<-egCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.pool.CloseAll()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error().Err(err).Msg("server shutdown error")
			return err
		}
		s.logger.Info().Msg("server shutdown complete")
		return nil
	})

	eg.Go(func() error {
		s.logger.Info().Str("addr", s.settings.Addr).Msg("starting dev server")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return errors.Wrap(err, "listen")
		}
		return nil
	})

	return eg.Wait()
}

// forward relays published wire frames to every connected websocket client.
func (s *Server) forward(ctx context.Context) error {
	ch, err := s.sub.Subscribe(ctx, EventsTopic)
	if err != nil {
		return errors.Wrap(err, "subscribe events")
	}
	for msg := range ch {
		s.pool.Broadcast(msg.Payload)
		msg.Ack()
	}
	return nil
}

func (s *Server) initCounters(ctx context.Context) error {
	convs, err := s.backend.ListConversations(ctx)
	if err != nil {
		return errors.Wrap(err, "list conversations")
	}
	var maxConv, maxMsg int64
	for _, conv := range convs {
		if conv.ID > maxConv {
			maxConv = conv.ID
		}
		msgs, err := s.backend.List(ctx, conv.ID)
		if err != nil {
			return errors.Wrapf(err, "list messages for conversation %d", conv.ID)
		}
		for _, m := range msgs {
			if m.ID > maxMsg {
				maxMsg = m.ID
			}
		}
	}
	s.nextConvID.Store(maxConv)
	s.nextMsgID.Store(maxMsg)
	return nil
}

func (s *Server) registerHandlers() {
	s.mux.HandleFunc("POST /conversations", s.handleCreateConversation)
	s.mux.HandleFunc("GET /conversations/{id}/messages", s.handleListMessages)
	s.mux.HandleFunc("POST /conversations/{id}/messages", s.handleSendMessage)
	s.mux.HandleFunc("POST /jobs", s.handleCreateJob)
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	now := time.Now()
	conv := model.Conversation{
		ID:        s.nextConvID.Add(1),
		Title:     body.Title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.backend.UpsertConversation(r.Context(), conv); err != nil {
		s.logger.Error().Err(err).Msg("create conversation")
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, conv)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	convID, ok := pathID(w, r)
	if !ok {
		return
	}
	msgs, err := s.backend.List(r.Context(), convID)
	if err != nil {
		s.logger.Error().Err(err).Int64("conv_id", convID).Msg("list messages")
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []model.Message{}
	}
	writeJSON(w, msgs)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	convID, ok := pathID(w, r)
	if !ok {
		return
	}
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	now := time.Now()
	if _, found, err := s.backend.GetConversation(ctx, convID); err == nil && !found {
		_ = s.backend.UpsertConversation(ctx, model.Conversation{ID: convID, CreatedAt: now, UpdatedAt: now})
	}

	userMsg := model.Message{
		ID:             s.nextMsgID.Add(1),
		ConversationID: convID,
		Role:           model.RoleUser,
		Content:        body.Text,
		CreatedAt:      now,
	}
	if err := s.backend.Put(ctx, userMsg); err != nil {
		s.logger.Error().Err(err).Int64("conv_id", convID).Msg("persist user message")
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}

	assistantID := s.nextMsgID.Add(1)
	jobID := "job-" + uuid.NewString()[:8]
	s.setJob(api.Job{ID: jobID, ConversationID: convID, Status: "queued"})

	resp := &responder{
		pub:        s.pub,
		topic:      EventsTopic,
		tokenDelay: s.settings.TokenDelay,
		logger:     s.logger,
	}
	go resp.respond(context.Background(), userMsg, assistantID, jobID, func(final model.Message) {
		if err := s.backend.Put(context.Background(), final); err != nil {
			s.logger.Error().Err(err).Int64("conv_id", convID).Msg("persist assistant message")
		}
		s.setJob(api.Job{ID: jobID, ConversationID: convID, Status: "done"})
	})

	writeJSON(w, api.SendMessageResponse{Message: userMsg, JobID: jobID})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ConversationID int64  `json:"conversation_id"`
		Kind           string `json:"kind"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	job := api.Job{
		ID:             "job-" + uuid.NewString()[:8],
		ConversationID: body.ConversationID,
		Status:         "queued",
	}
	s.setJob(job)
	writeJSON(w, job)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	s.pool.Add(conn)
	s.logger.Debug().Int("clients", s.pool.Count()).Msg("websocket client connected")
	go func() {
		defer s.pool.Remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) setJob(job api.Job) {
	s.jobsMu.Lock()
	s.jobs[job.ID] = job
	s.jobsMu.Unlock()
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		http.Error(w, "bad conversation id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// Package api exposes the daemon's local control surface over HTTP: focus,
// sending, retries, history paging, and stream status.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/yarsha/chatsync/internal/history"
	"github.com/yarsha/chatsync/internal/send"
	"github.com/yarsha/chatsync/internal/status"
	"github.com/yarsha/chatsync/internal/store"
)

// Sender enqueues outbound messages.
type Sender interface {
	Send(ctx context.Context, intent send.Intent) (string, error)
	Retry(ctx context.Context, clientMsgID string) error
}

// Focuser switches the open chat.
type Focuser interface {
	Open(ctx context.Context, chatID string) error
	Close()
	Current() string
}

// Pager reads and extends chat history.
type Pager interface {
	Page(chatID string, beforeMs int64) ([]*store.Message, error)
	LoadOlder(ctx context.Context, chatID string) (int, error)
}

// Refresher reissues expired attachment read URLs.
type Refresher interface {
	RefreshExpired(ctx context.Context, clientMsgID string, now time.Time) (int, error)
}

// Wiper purges all local messages on logout.
type Wiper interface {
	DeleteAll() error
}

// Server is the local control API.
type Server struct {
	sender    Sender
	focuser   Focuser
	pager     Pager
	refresher Refresher
	wiper     Wiper
	machine   *status.Machine
	log       *zap.Logger

	srv *http.Server
}

// NewServer creates the control API server.
func NewServer(sender Sender, focuser Focuser, pager Pager, refresher Refresher, wiper Wiper, machine *status.Machine, logger *zap.Logger) *Server {
	return &Server{
		sender:    sender,
		focuser:   focuser,
		pager:     pager,
		refresher: refresher,
		wiper:     wiper,
		machine:   machine,
		log:       logger.Named("api"),
	}
}

// Router builds the HTTP routes.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/v1/status", s.handleStatus)
	r.Put("/v1/focus/{chatID}", s.handleFocus)
	r.Delete("/v1/focus", s.handleUnfocus)
	r.Post("/v1/chats/{chatID}/messages", s.handleSend)
	r.Post("/v1/messages/{clientMsgID}/retry", s.handleRetry)
	r.Get("/v1/chats/{chatID}/messages", s.handleMessages)
	r.Get("/v1/chats/{chatID}/sections", s.handleSections)
	r.Post("/v1/chats/{chatID}/history/older", s.handleLoadOlder)
	r.Post("/v1/messages/{clientMsgID}/media/refresh", s.handleRefreshMedia)
	r.Delete("/v1/messages", s.handleWipe)
	return r
}

// Start begins serving on addr.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.srv = &http.Server{Handler: s.Router()}
	s.log.Info("control api listening", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("control api stopped", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"stream": string(s.machine.Current()),
		"focus":  s.focuser.Current(),
	})
}

func (s *Server) handleFocus(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	if err := s.focuser.Open(r.Context(), chatID); err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnfocus(w http.ResponseWriter, r *http.Request) {
	s.focuser.Close()
	w.WriteHeader(http.StatusNoContent)
}

type sendRequest struct {
	SenderID    string             `json:"senderId"`
	Content     string             `json:"content"`
	Kind        string             `json:"kind,omitempty"`
	Attachments []store.Attachment `json:"attachments,omitempty"`
	Transaction *store.Transaction `json:"transaction,omitempty"`
	ReplyTo     *store.ReplyRef    `json:"replyTo,omitempty"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := s.sender.Send(r.Context(), send.Intent{
		ChatID:      chi.URLParam(r, "chatID"),
		SenderID:    req.SenderID,
		Content:     req.Content,
		Kind:        store.Kind(req.Kind),
		Attachments: req.Attachments,
		Transaction: req.Transaction,
		ReplyTo:     req.ReplyTo,
	})
	switch {
	case errors.Is(err, send.ErrEmptyContent):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, send.ErrStillSyncing):
		writeError(w, http.StatusConflict, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusAccepted, map[string]string{"clientMsgId": id})
	}
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	err := s.sender.Retry(r.Context(), chi.URLParam(r, "clientMsgID"))
	switch {
	case errors.Is(err, send.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	var beforeMs int64
	if v := r.URL.Query().Get("before"); v != "" {
		var err error
		beforeMs, err = strconv.ParseInt(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	msgs, err := s.pager.Page(chi.URLParam(r, "chatID"), beforeMs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) handleSections(w http.ResponseWriter, r *http.Request) {
	loc := time.Local
	if tz := r.URL.Query().Get("tz"); tz != "" {
		parsed, err := time.LoadLocation(tz)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		loc = parsed
	}
	msgs, err := s.pager.Page(chi.URLParam(r, "chatID"), 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sections": history.BuildSections(msgs, time.Now(), loc),
	})
}

func (s *Server) handleLoadOlder(w http.ResponseWriter, r *http.Request) {
	n, err := s.pager.LoadOlder(r.Context(), chi.URLParam(r, "chatID"))
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"merged": n})
}

func (s *Server) handleRefreshMedia(w http.ResponseWriter, r *http.Request) {
	n, err := s.refresher.RefreshExpired(r.Context(), chi.URLParam(r, "clientMsgID"), time.Now())
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"refreshed": n})
}

func (s *Server) handleWipe(w http.ResponseWriter, r *http.Request) {
	if err := s.wiper.DeleteAll(); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.log.Info("local messages wiped")
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

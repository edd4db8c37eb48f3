package httpadapter

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/PabloGalante/persona-chat/internal/app/conversation"
	"github.com/PabloGalante/persona-chat/internal/domain"
	"github.com/PabloGalante/persona-chat/internal/observability"
)

type Server struct {
	svc *conversation.Service
}

func NewServer(svc *conversation.Service) http.Handler {
	s := &Server{svc: svc}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)

	// identity
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("GET /me", s.handleMe)
	mux.HandleFunc("POST /logout", s.handleLogout)

	// sessions
	mux.HandleFunc("GET /chats", s.handleListChats)
	mux.HandleFunc("POST /chats", s.handleNewChat)
	mux.HandleFunc("GET /chats/active", s.handleGetActive)
	mux.HandleFunc("PUT /chats/active", s.handleSelectChat)
	mux.HandleFunc("GET /chats/{id}", s.handleGetChat)
	mux.HandleFunc("DELETE /chats/{id}", s.handleDeleteChat)
	mux.HandleFunc("GET /chats/{id}/events", s.handleEvents)
	mux.HandleFunc("GET /chats/{id}/messages/{messageID}/speech", s.handleSpeech)

	// turns go to the active session
	mux.HandleFunc("POST /messages", s.handleSendMessage)

	mux.HandleFunc("GET /settings", s.handleGetSettings)
	mux.HandleFunc("PUT /settings", s.handlePutSettings)

	return chainMiddlewares(mux, withRecovery, withLogging, withRequestID, withCORS)
}

// ─────────────────────────────────────────────
// DTOs (request/response)
// ─────────────────────────────────────────────

type loginRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Provider string `json:"provider,omitempty"` // "google" uses the built-in identity
}

type userResponse struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Avatar string `json:"avatar"`
}

type meResponse struct {
	User *userResponse `json:"user"`
}

type messageResponse struct {
	ID        string    `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	ImageData string    `json:"image_data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status,omitempty"`
}

type sessionResponse struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Model       string            `json:"model"`
	ModelLabel  string            `json:"model_label"`
	LastUpdated time.Time         `json:"last_updated"`
	InFlight    bool              `json:"in_flight"`
	Messages    []messageResponse `json:"messages"`
}

type sessionSummary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Model        string    `json:"model"`
	LastUpdated  time.Time `json:"last_updated"`
	MessageCount int       `json:"message_count"`
	Active       bool      `json:"active"`
}

type listChatsResponse struct {
	Sessions []sessionSummary `json:"sessions"`
}

type activeResponse struct {
	Session *sessionResponse `json:"session"`
}

type selectChatRequest struct {
	ID string `json:"id"`
}

type sendMessageRequest struct {
	Text string `json:"text"`
	Mode string `json:"mode,omitempty"`
}

type sendMessageResponse struct {
	SessionID   string          `json:"session_id"`
	UserMessage messageResponse `json:"user_message"`
	Placeholder messageResponse `json:"placeholder"`
}

type settingsResponse struct {
	Model      string `json:"model"`
	ModelLabel string `json:"model_label"`
	DevMode    bool   `json:"dev_mode"`
}

type settingsRequest struct {
	Model   *string `json:"model,omitempty"`
	DevMode *bool   `json:"dev_mode,omitempty"`
}

// ─────────────────────────────────────────────
// Concrete handlers
// ─────────────────────────────────────────────

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}

	u := domain.User{Name: req.Name, Email: req.Email}
	if req.Provider == "google" {
		u = conversation.GoogleUser
	}

	user, err := s.svc.Login(r.Context(), u)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(user))
}

func (s *Server) handleMe(w http.ResponseWriter, _ *http.Request) {
	var resp meResponse
	if u := s.svc.CurrentUser(); u != nil {
		ur := toUserResponse(*u)
		resp.User = &ur
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Logout(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	active := s.svc.ActiveID()
	sessions := s.svc.Search(r.URL.Query().Get("q"))

	resp := listChatsResponse{Sessions: make([]sessionSummary, 0, len(sessions))}
	for _, sess := range sessions {
		resp.Sessions = append(resp.Sessions, sessionSummary{
			ID:           string(sess.ID),
			Title:        sess.Title,
			Model:        string(sess.Model),
			LastUpdated:  sess.LastUpdated,
			MessageCount: len(sess.Messages),
			Active:       sess.ID == active,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleNewChat(w http.ResponseWriter, r *http.Request) {
	id := s.svc.NewChat(r.Context())
	sess, ok := s.svc.Session(id)
	if !ok {
		// deleted by a concurrent request
		writeError(w, r, domain.ErrSessionNotFound)
		return
	}
	writeJSON(w, http.StatusCreated, s.toSessionResponse(sess))
}

func (s *Server) handleGetActive(w http.ResponseWriter, _ *http.Request) {
	var resp activeResponse
	if sess, ok := s.svc.ActiveSession(); ok {
		sr := s.toSessionResponse(sess)
		resp.Session = &sr
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSelectChat(w http.ResponseWriter, r *http.Request) {
	var req selectChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}

	if !s.svc.SelectChat(domain.SessionID(req.ID)) {
		writeError(w, r, domain.ErrSessionNotFound)
		return
	}
	s.handleGetActive(w, r)
}

func (s *Server) handleGetChat(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.svc.Session(domain.SessionID(r.PathValue("id")))
	if !ok {
		writeError(w, r, domain.ErrSessionNotFound)
		return
	}
	writeJSON(w, http.StatusOK, s.toSessionResponse(sess))
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	s.svc.DeleteChat(r.Context(), domain.SessionID(r.PathValue("id")))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}

	mode, err := domain.ParseMode(req.Mode)
	if err != nil {
		writeError(w, r, err)
		return
	}

	turn, err := s.svc.SendMessage(r.Context(), req.Text, mode)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, sendMessageResponse{
		SessionID:   string(turn.SessionID),
		UserMessage: toMessageResponse(turn.UserMessage),
		Placeholder: toMessageResponse(turn.Placeholder),
	})
}

func (s *Server) handleSpeech(w http.ResponseWriter, r *http.Request) {
	audio, err := s.svc.Speak(r.Context(),
		domain.SessionID(r.PathValue("id")),
		domain.MessageID(r.PathValue("messageID")),
	)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if len(audio) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "audio/L16;rate=24000;channels=1")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(audio)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.settings())
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}

	if req.Model != nil {
		if err := s.svc.SetModel(domain.ModelID(*req.Model)); err != nil {
			writeError(w, r, err)
			return
		}
	}
	if req.DevMode != nil {
		s.svc.SetDevMode(*req.DevMode)
	}
	writeJSON(w, http.StatusOK, s.settings())
}

// ─────────────────────────────────────────────
// Conversation Helpers
// ─────────────────────────────────────────────

func (s *Server) settings() settingsResponse {
	m := s.svc.Model()
	return settingsResponse{
		Model:      string(m),
		ModelLabel: m.Label(),
		DevMode:    s.svc.DevMode(),
	}
}

func (s *Server) toSessionResponse(sess domain.Session) sessionResponse {
	return sessionResponse{
		ID:          string(sess.ID),
		Title:       sess.Title,
		Model:       string(sess.Model),
		ModelLabel:  sess.Model.Label(),
		LastUpdated: sess.LastUpdated,
		InFlight:    s.svc.InFlight(sess.ID),
		Messages:    toMessagesResponse(sess.Messages),
	}
}

func toMessageResponse(m domain.Message) messageResponse {
	return messageResponse{
		ID:        string(m.ID),
		Role:      string(m.Role),
		Content:   m.Content,
		ImageData: m.ImageData,
		Timestamp: m.Timestamp,
		Status:    string(m.Status),
	}
}

func toMessagesResponse(msgs []domain.Message) []messageResponse {
	out := make([]messageResponse, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toMessageResponse(m))
	}
	return out
}

func toUserResponse(u domain.User) userResponse {
	return userResponse{
		ID:     string(u.ID),
		Name:   u.Name,
		Email:  u.Email,
		Avatar: u.Avatar,
	}
}

// ─────────────────────────────────────────────
// HTTP Helpers
// ─────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors to status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrSessionNotFound), errors.Is(err, domain.ErrMessageNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrSessionBusy):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrEmptyMessage),
		errors.Is(err, domain.ErrInvalidMode),
		errors.Is(err, domain.ErrInvalidModel),
		errors.Is(err, domain.ErrInvalidUser):
		badRequest(w, err.Error())
	default:
		internalError(w, r, err)
	}
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{
		"error": msg,
	})
}

func internalError(w http.ResponseWriter, r *http.Request, err error) {
	observability.LoggerFromContext(r.Context()).Error("request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"error", err,
	)
	writeJSON(w, http.StatusInternalServerError, map[string]string{
		"error": "internal server error",
	})
}

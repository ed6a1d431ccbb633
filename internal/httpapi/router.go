// Package httpapi exposes the key-exchange service over HTTP and mounts the realtime endpoint.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/sealroom/sealroom/internal/auth"
	"github.com/sealroom/sealroom/internal/chat"
	"github.com/sealroom/sealroom/internal/invitation"
)

// Paths shared by the router and Client.
const (
	RealtimePath = "/ws"
	apiPrefix    = "/api"
)

// maxBodyBytes bounds request bodies; the largest one is a create-chat with its invitees.
const maxBodyBytes = 1 << 20

type handler struct {
	svc *invitation.Service
	log *zap.Logger
}

// NewRouter builds the HTTP surface. realtime is mounted unauthenticated at RealtimePath because
// it authenticates the upgrade itself; it may be nil.
func NewRouter(svc *invitation.Service, a auth.Authenticator, realtime http.Handler, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &handler{svc: svc, log: logger}

	r := mux.NewRouter()
	if realtime != nil {
		r.Handle(RealtimePath, realtime).Methods(http.MethodGet)
	}

	api := r.PathPrefix(apiPrefix).Subrouter()
	api.Use(auth.Middleware(a))

	api.HandleFunc("/chats", h.createChat).Methods(http.MethodPost)
	api.HandleFunc("/chats/{chatId}", h.getChat).Methods(http.MethodGet)
	api.HandleFunc("/chats/{chatId}/participants", h.participants).Methods(http.MethodGet)
	api.HandleFunc("/chats/{chatId}/participants/me", h.leave).Methods(http.MethodDelete)
	api.HandleFunc("/chats/{chatId}/messages", h.history).Methods(http.MethodGet)
	api.HandleFunc("/chats/{chatId}/invitations", h.invite).Methods(http.MethodPost)
	api.HandleFunc("/chats/{chatId}/invitations", h.sent).Methods(http.MethodGet)

	api.HandleFunc("/invitations", h.pending).Methods(http.MethodGet)
	api.HandleFunc("/invitations/{invitationId}/join", h.join).Methods(http.MethodPost)
	api.HandleFunc("/invitations/{invitationId}/decline", h.decline).Methods(http.MethodPost)

	return r
}

func (h *handler) createChat(w http.ResponseWriter, r *http.Request) {
	var req invitation.CreateChatRequest
	if !h.decode(w, r, &req) {
		return
	}
	resp, err := h.svc.CreateChat(r.Context(), userID(r), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *handler) getChat(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.Chat(r.Context(), userID(r), mux.Vars(r)["chatId"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *handler) participants(w http.ResponseWriter, r *http.Request) {
	ps, err := h.svc.Participants(r.Context(), userID(r), mux.Vars(r)["chatId"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(ps))
}

func (h *handler) leave(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Leave(r.Context(), userID(r), mux.Vars(r)["chatId"]); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) history(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.fail(w, r, chat.ErrInvalidRequest)
			return
		}
		limit = n
	}
	msgs, err := h.svc.History(r.Context(), userID(r), mux.Vars(r)["chatId"], limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(msgs))
}

func (h *handler) invite(w http.ResponseWriter, r *http.Request) {
	var req invitation.InviteRequest
	if !h.decode(w, r, &req) {
		return
	}
	inv, err := h.svc.Invite(r.Context(), userID(r), mux.Vars(r)["chatId"], req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inv)
}

func (h *handler) sent(w http.ResponseWriter, r *http.Request) {
	invs, err := h.svc.Sent(r.Context(), userID(r), mux.Vars(r)["chatId"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(invs))
}

func (h *handler) pending(w http.ResponseWriter, r *http.Request) {
	invs, err := h.svc.Pending(r.Context(), userID(r))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(invs))
}

func (h *handler) join(w http.ResponseWriter, r *http.Request) {
	var req invitation.JoinRequest
	if !h.decode(w, r, &req) {
		return
	}
	resp, err := h.svc.Join(r.Context(), userID(r), mux.Vars(r)["invitationId"], req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handler) decline(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Decline(r.Context(), userID(r), mux.Vars(r)["invitationId"]); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorBody{Error: codeInvalidRequest, Detail: "malformed request body"})
		return false
	}
	return true
}

func (h *handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	body := ErrorBody{Error: code, Detail: err.Error()}
	if status == http.StatusInternalServerError {
		h.log.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		body.Detail = ""
	}
	writeJSON(w, status, body)
}

// ErrorBody is the JSON body of every non-2xx response.
type ErrorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

const (
	codeNotFound            = "NotFound"
	codeNotAuthorized       = "NotAuthorized"
	codeNoOtherParticipants = "NoOtherParticipants"
	codeInvalidRequest      = "InvalidRequest"
	codeAlreadyMember       = "AlreadyMember"
	codeUnauthenticated     = "unauthenticated"
	codeInternal            = "Internal"
)

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, chat.ErrNotFound):
		return http.StatusNotFound, codeNotFound
	case errors.Is(err, chat.ErrNotAuthorized):
		return http.StatusForbidden, codeNotAuthorized
	case errors.Is(err, chat.ErrNoOtherParticipants):
		return http.StatusBadRequest, codeNoOtherParticipants
	case errors.Is(err, chat.ErrInvalidRequest):
		return http.StatusBadRequest, codeInvalidRequest
	case errors.Is(err, chat.ErrAlreadyMember):
		return http.StatusConflict, codeAlreadyMember
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized, codeUnauthenticated
	default:
		return http.StatusInternalServerError, codeInternal
	}
}

func userID(r *http.Request) string {
	id, _ := auth.UserID(r.Context())
	return id
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

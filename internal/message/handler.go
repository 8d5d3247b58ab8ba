package message

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/nandankmr/pulse-api/internal/apperr"
	"github.com/nandankmr/pulse-api/internal/auth"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Handler exposes the pipeline over REST. It calls the exact same service
// methods the socket layer does, so REST-triggered sends broadcast through
// the same rooms.
type Handler struct {
	svc    *Service
	groups *Repository
	log    *zap.SugaredLogger
}

func NewHandler(svc *Service, groups *Repository, log *zap.SugaredLogger) *Handler {
	return &Handler{svc: svc, groups: groups, log: log}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, apperr.Status(err), map[string]string{"error": err.Error()})
}

func identityOr401(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	id, ok := auth.IdentityFrom(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	}
	return id, ok
}

type sendRequest struct {
	ReceiverID     string    `json:"receiverId"`
	GroupID        string    `json:"groupId"`
	ConversationID string    `json:"conversationId"`
	Type           string    `json:"type"`
	Content        string    `json:"content" validate:"max=4096"`
	MediaURL       string    `json:"mediaUrl" validate:"omitempty,url"`
	Location       *Location `json:"location"`
	TempID         string    `json:"tempId"`
	ChatName       string    `json:"chatName"`
}

func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOr401(w, r)
	if !ok {
		return
	}
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Validation("invalid request body"))
		return
	}
	if err := validate.Struct(&req); err != nil {
		writeError(w, apperr.Validation("%s", err.Error()))
		return
	}

	res, err := h.svc.Send(r.Context(), SendInput{
		SenderID:       id.UserID,
		ReceiverID:     req.ReceiverID,
		GroupID:        req.GroupID,
		ConversationID: req.ConversationID,
		Type:           Type(req.Type),
		Content:        req.Content,
		MediaURL:       req.MediaURL,
		Location:       req.Location,
		TempID:         req.TempID,
		ChatName:       req.ChatName,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type editRequest struct {
	Content string `json:"content" validate:"required,max=4096"`
}

func (h *Handler) EditMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOr401(w, r)
	if !ok {
		return
	}
	var req editRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Validation("invalid request body"))
		return
	}
	if err := validate.Struct(&req); err != nil {
		writeError(w, apperr.Validation("%s", err.Error()))
		return
	}

	m, err := h.svc.Edit(r.Context(), chi.URLParam(r, "id"), id.UserID, req.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOr401(w, r)
	if !ok {
		return
	}
	forEveryone, _ := strconv.ParseBool(r.URL.Query().Get("forEveryone"))

	m, err := h.svc.Delete(r.Context(), chi.URLParam(r, "id"), id.UserID, forEveryone)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type markReadRequest struct {
	MessageID  string   `json:"messageId"`
	MessageIDs []string `json:"messageIds"`
}

func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOr401(w, r)
	if !ok {
		return
	}
	var req markReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Validation("invalid request body"))
		return
	}

	switch {
	case len(req.MessageIDs) > 0:
		marked := h.svc.MarkManyRead(r.Context(), req.MessageIDs, id.UserID)
		writeJSON(w, http.StatusOK, map[string]any{"marked": marked})
	case req.MessageID != "":
		if err := h.svc.MarkRead(r.Context(), req.MessageID, id.UserID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"marked": []string{req.MessageID}})
	default:
		writeError(w, apperr.Validation("messageId or messageIds is required"))
	}
}

type startConversationRequest struct {
	UserID string `json:"userId" validate:"required"`
}

func (h *Handler) StartConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOr401(w, r)
	if !ok {
		return
	}
	var req startConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Validation("invalid request body"))
		return
	}

	convID, err := h.svc.StartConversation(r.Context(), id.UserID, req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"conversation_id": convID})
}

func (h *Handler) GetChatHistory(w http.ResponseWriter, r *http.Request) {
	if _, ok := identityOr401(w, r); !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	var target ChatTarget
	if g := r.URL.Query().Get("groupId"); g != "" {
		target = GroupTarget(g)
	} else if c := r.URL.Query().Get("conversationId"); c != "" {
		target = DirectTarget(c)
	}

	msgs, err := h.svc.History(r.Context(), target, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []*Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *Handler) UnreadCount(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOr401(w, r)
	if !ok {
		return
	}
	target := DirectTarget(chi.URLParam(r, "id"))
	count, err := h.svc.UnreadCount(r.Context(), id.UserID, target)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unread": count})
}

type createGroupRequest struct {
	Name      string   `json:"name" validate:"required,max=100"`
	MemberIDs []string `json:"memberIds"`
}

func (h *Handler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOr401(w, r)
	if !ok {
		return
	}
	var req createGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Validation("invalid request body"))
		return
	}
	if err := validate.Struct(&req); err != nil {
		writeError(w, apperr.Validation("%s", err.Error()))
		return
	}

	groupID, err := h.groups.CreateGroup(r.Context(), req.Name, id.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	for _, member := range req.MemberIDs {
		if err := h.groups.AddGroupMember(r.Context(), groupID, member); err != nil {
			h.log.Warnw("failed to add group member", "group", groupID, "user", member, "err", err)
		}
	}
	writeJSON(w, http.StatusCreated, map[string]string{"group_id": groupID})
}

type addMemberRequest struct {
	UserID string `json:"userId" validate:"required"`
}

func (h *Handler) AddGroupMember(w http.ResponseWriter, r *http.Request) {
	id, ok := identityOr401(w, r)
	if !ok {
		return
	}
	groupID := chi.URLParam(r, "id")
	var req addMemberRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperr.Validation("invalid request body"))
		return
	}
	if err := validate.Struct(&req); err != nil {
		writeError(w, apperr.Validation("%s", err.Error()))
		return
	}

	if err := h.groups.AddGroupMember(r.Context(), groupID, req.UserID); err != nil {
		writeError(w, err)
		return
	}

	// Announce the membership change as a system message in the group.
	if _, err := h.svc.Send(r.Context(), SendInput{
		SenderID:    id.UserID,
		GroupID:     groupID,
		Type:        TypeSystem,
		SystemEvent: "member:added",
		ActorID:     id.UserID,
		TargetID:    req.UserID,
	}); err != nil {
		h.log.Warnw("failed to emit member:added system message", "group", groupID, "err", err)
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

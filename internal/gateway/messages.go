package gateway

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/basket/go-company/internal/ingress"
	"github.com/basket/go-company/internal/persistence"
)

var (
	senderTypes   = map[string]bool{persistence.SenderCEO: true, persistence.SenderAgent: true, persistence.SenderSystem: true}
	receiverTypes = map[string]bool{persistence.ReceiverAgent: true, persistence.ReceiverDepartment: true, persistence.ReceiverAll: true}
	messageTypes  = map[string]bool{
		persistence.MessageChat:         true,
		persistence.MessageAnnouncement: true,
		persistence.MessageDirective:    true,
		persistence.MessageReport:       true,
		persistence.MessageTaskAssign:   true,
	}
)

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	body := decodeLoose(r)
	meta := ingress.MetaFromRequest(r, "/api/messages", body)

	content := strings.TrimSpace(str(body, "content"))
	if content == "" {
		s.reject(w, r, meta, body, ingress.Rejection{Status: http.StatusBadRequest, Code: "content_required"})
		return
	}
	msg := persistence.Message{
		SenderType:   orDefault(str(body, "sender_type"), persistence.SenderCEO),
		SenderID:     str(body, "sender_id"),
		ReceiverType: orDefault(str(body, "receiver_type"), persistence.ReceiverAll),
		ReceiverID:   str(body, "receiver_id"),
		MessageType:  orDefault(str(body, "message_type"), persistence.MessageChat),
		Content:      content,
		TaskID:       str(body, "task_id"),
		ProjectID:    str(body, "project_id"),
	}
	switch {
	case !senderTypes[msg.SenderType]:
		s.reject(w, r, meta, body, ingress.Rejection{Status: http.StatusBadRequest, Code: "invalid_sender_type"})
		return
	case !receiverTypes[msg.ReceiverType]:
		s.reject(w, r, meta, body, ingress.Rejection{Status: http.StatusBadRequest, Code: "invalid_receiver_type"})
		return
	case !messageTypes[msg.MessageType]:
		s.reject(w, r, meta, body, ingress.Rejection{Status: http.StatusBadRequest, Code: "invalid_message_type"})
		return
	}
	if msg.MessageType == persistence.MessageDirective && s.needsProjectBinding(msg.ProjectID) {
		s.reject(w, r, meta, body, upgradeRequired())
		return
	}

	res := s.ingress.Submit(r.Context(), meta, body, msg)
	s.writeSubmit(w, res, func(m *persistence.Message) map[string]any {
		return map[string]any{"ok": true, "message": m}
	})
}

func (s *Server) handleAnnouncements(w http.ResponseWriter, r *http.Request) {
	body := decodeLoose(r)
	meta := ingress.MetaFromRequest(r, "/api/announcements", body)

	content := strings.TrimSpace(str(body, "content"))
	if content == "" {
		s.reject(w, r, meta, body, ingress.Rejection{Status: http.StatusBadRequest, Code: "content_required"})
		return
	}
	res := s.ingress.Submit(r.Context(), meta, body, persistence.Message{
		SenderType:   persistence.SenderCEO,
		ReceiverType: persistence.ReceiverAll,
		MessageType:  persistence.MessageAnnouncement,
		Content:      content,
	})
	s.writeSubmit(w, res, func(m *persistence.Message) map[string]any {
		return map[string]any{"ok": true, "message": m}
	})
}

func (s *Server) handleDirectives(w http.ResponseWriter, r *http.Request) {
	body := decodeLoose(r)
	meta := ingress.MetaFromRequest(r, "/api/directives", body)

	content := strings.TrimSpace(str(body, "content"))
	if content == "" {
		s.reject(w, r, meta, body, ingress.Rejection{Status: http.StatusBadRequest, Code: "content_required"})
		return
	}
	projectID := str(body, "project_id")
	if s.needsProjectBinding(projectID) {
		s.reject(w, r, meta, body, upgradeRequired())
		return
	}
	res := s.ingress.Submit(r.Context(), meta, body, persistence.Message{
		SenderType:   persistence.SenderCEO,
		ReceiverType: persistence.ReceiverAll,
		MessageType:  persistence.MessageDirective,
		Content:      content,
		ProjectID:    projectID,
	})
	s.writeSubmit(w, res, func(m *persistence.Message) map[string]any {
		return map[string]any{"ok": true, "message": m}
	})
}

// handleInbox is the webhook for external chat bridges. Text starting with
// "$" is a directive; anything else is an announcement.
func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	cfg := s.config()
	body := decodeLoose(r)
	meta := ingress.MetaFromRequest(r, "/api/inbox", body)

	secret := strings.TrimSpace(cfg.Inbox.WebhookSecret)
	if secret == "" {
		s.reject(w, r, meta, body, ingress.Rejection{
			Status: http.StatusServiceUnavailable,
			Code:   "inbox_webhook_secret_not_configured",
		})
		return
	}
	if !secretEquals(r.Header.Get("X-Inbox-Secret"), secret) {
		s.reject(w, r, meta, body, ingress.Rejection{
			Status: http.StatusUnauthorized,
			Code:   "unauthorized",
			Detail: "invalid_webhook_secret",
		})
		return
	}

	text := strings.TrimLeft(str(body, "text"), " \t\r\n")
	if strings.TrimSpace(text) == "" {
		s.reject(w, r, meta, body, ingress.Rejection{Status: http.StatusBadRequest, Code: "text_required"})
		return
	}
	directive := strings.HasPrefix(text, "$")
	content := text
	if directive {
		content = strings.TrimLeft(strings.TrimPrefix(text, "$"), " \t\r\n")
	}
	if strings.TrimSpace(content) == "" {
		s.reject(w, r, meta, body, ingress.Rejection{Status: http.StatusBadRequest, Code: "empty_content"})
		return
	}

	msg := persistence.Message{
		SenderType:   persistence.SenderCEO,
		ReceiverType: persistence.ReceiverAll,
		MessageType:  persistence.MessageAnnouncement,
		Content:      content,
	}
	meta.AcceptedDetail = "created:announcement"
	if directive {
		msg.ProjectID = str(body, "project_id")
		if s.needsProjectBinding(msg.ProjectID) {
			s.reject(w, r, meta, body, upgradeRequired())
			return
		}
		msg.MessageType = persistence.MessageDirective
		meta.AcceptedDetail = "created:directive"
	}

	res := s.ingress.Submit(r.Context(), meta, body, msg)
	s.writeSubmit(w, res, func(m *persistence.Message) map[string]any {
		return map[string]any{"ok": true, "id": m.ID, "directive": directive}
	})
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.store.ListMessages(r.Context(), queryLimit(r, 50, 500))
	if err != nil {
		s.internalError(w, r, "list messages", err)
		return
	}
	if msgs == nil {
		msgs = []persistence.Message{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

func (s *Server) needsProjectBinding(projectID string) bool {
	return s.config().Inbox.EnforceDirectiveProjectBinding && strings.TrimSpace(projectID) == ""
}

func upgradeRequired() ingress.Rejection {
	return ingress.Rejection{
		Status: http.StatusPreconditionRequired,
		Code:   "agent_upgrade_required",
		Detail: "agent_upgrade_required:install_first",
	}
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request, meta ingress.Meta, body map[string]any, rej ingress.Rejection) {
	res := s.ingress.Reject(r.Context(), meta, body, rej)
	writeJSON(w, res.Status, res.Error)
}

// writeSubmit writes a Submit result. ok builds the success body; replays
// additionally carry duplicate=true.
func (s *Server) writeSubmit(w http.ResponseWriter, res ingress.Result, ok func(*persistence.Message) map[string]any) {
	if !res.OK() {
		writeJSON(w, res.Status, res.Error)
		return
	}
	out := ok(res.Message)
	if res.Duplicate {
		out["duplicate"] = true
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.logger.Error(op+" failed", "error", err, "trace_id", traceID(r))
	writeError(w, http.StatusInternalServerError, "internal_error", nil)
}

func str(body map[string]any, key string) string {
	v, _ := body[key].(string)
	return v
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v == "" {
		return def
	}
	return v
}

func queryLimit(r *http.Request, def, max int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

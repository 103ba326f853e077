package gateway

import (
	"errors"
	"net/http"

	"github.com/basket/go-company/internal/audit"
	"github.com/basket/go-company/internal/orchestrator"
)

func (s *Server) handleDecisionInbox(w http.ResponseWriter, r *http.Request) {
	items, err := s.orch.Decisions(r.Context())
	if err != nil {
		s.internalError(w, r, "list decisions", err)
		return
	}
	if items == nil {
		items = []orchestrator.Decision{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type decisionReplyRequest struct {
	OptionNumber *int   `json:"option_number"`
	Note         string `json:"note"`
}

func (s *Server) handleDecisionReply(w http.ResponseWriter, r *http.Request) {
	var req decisionReplyRequest
	if err := s.schemas.decode(r, "decision_reply", &req); err != nil {
		s.writeDecodeError(w, err)
		return
	}
	if req.OptionNumber == nil {
		writeError(w, http.StatusBadRequest, "option_number_required", nil)
		return
	}

	id := r.PathValue("id")
	reply, err := s.orch.ReplyDecision(r.Context(), id, *req.OptionNumber, req.Note)
	if err != nil {
		var de *orchestrator.DecisionError
		if errors.As(err, &de) {
			writeError(w, de.Status, de.Code, de.Extra)
			return
		}
		s.internalError(w, r, "reply decision", err)
		return
	}
	audit.Record("allow", "decision.reply", reply.Action, actor(r), id)
	s.logger.Info("decision replied", "decision_id", id, "action", reply.Action, "trace_id", traceID(r))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "reply": reply})
}

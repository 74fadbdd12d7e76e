package httpapi

import (
	"net/http"
	"strconv"

	"github.com/kuaigeyun/kuaigeyun-sub011/internal/service"
)

type eventAccepted struct {
	EventID string `json:"event_id"`
}

func (s *Server) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req service.SendMessageRequest
	if err := readBodyJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	msg, err := s.messages.Send(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusAccepted, toMessageView(msg))
}

func (s *Server) GetMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := s.messages.Get(r.Context(), r.PathValue("uuid"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, toMessageView(msg))
}

// Inbox 当前用户的站内信；?unread=true 只看未读
func (s *Server) Inbox(w http.ResponseWriter, r *http.Request) {
	unread, _ := strconv.ParseBool(r.URL.Query().Get("unread"))
	items, err := s.messages.Inbox(r.Context(), principalFrom(r.Context()).Username, unread)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, mapViews(items, toMessageView))
}

func (s *Server) MarkRead(w http.ResponseWriter, r *http.Request) {
	if err := s.messages.MarkRead(r.Context(), r.PathValue("uuid"), principalFrom(r.Context()).Username); err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, map[string]bool{"read": true})
}

func (s *Server) ListTemplates(w http.ResponseWriter, r *http.Request) {
	items, err := s.messages.ListTemplates(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, mapViews(items, toTemplateView))
}

func (s *Server) UpsertTemplate(w http.ResponseWriter, r *http.Request) {
	var req service.TemplateRequest
	if err := readBodyJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	t, err := s.messages.UpsertTemplate(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, toTemplateView(t))
}

// MaterialUpdated 物料变更事件入口（业务模块回调）
func (s *Server) MaterialUpdated(w http.ResponseWriter, r *http.Request) {
	var req service.MaterialUpdatedEvent
	if err := readBodyJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	id, err := s.messages.PublishMaterialUpdated(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusAccepted, eventAccepted{EventID: id})
}

func (s *Server) RunScheduledTask(w http.ResponseWriter, r *http.Request) {
	var req service.ScheduledTaskRequest
	if err := readBodyJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	id, err := s.tasks.Trigger(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusAccepted, eventAccepted{EventID: id})
}

package httpapi

import (
	"net/http"
)

func (s *Server) ListUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := parseInt(q.Get("page"), 1)
	size := parseInt(q.Get("size"), 20)
	items, total, err := s.users.ListUsers(r.Context(), page, size)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, pageResult[userView]{Items: mapViews(items, toUserView), Total: total, Page: page, Size: size})
}

func (s *Server) DeleteUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.users.DeleteUser(r.Context(), id, operatorID(r)); err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, map[string]bool{"deleted": true})
}

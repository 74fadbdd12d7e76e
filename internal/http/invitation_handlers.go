package httpapi

import (
	"net/http"

	"github.com/kuaigeyun/kuaigeyun-sub011/internal/service"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/tenantctx"
)

func (s *Server) ListInvitations(w http.ResponseWriter, r *http.Request) {
	items, err := s.invitations.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, mapViews(items, toInvitationView))
}

func (s *Server) CreateInvitation(w http.ResponseWriter, r *http.Request) {
	var req service.CreateInvitationRequest
	if err := readBodyJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	c, err := s.invitations.Create(r.Context(), req, operatorID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusCreated, toInvitationView(c))
}

func (s *Server) DeactivateInvitation(w http.ResponseWriter, r *http.Request) {
	if err := s.invitations.Deactivate(r.Context(), r.PathValue("code")); err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, map[string]bool{"deactivated": true})
}

type verifyInvitationRequest struct {
	Code string `json:"code"`
}

// VerifyInvitation 公开接口，注册前校验邀请码
func (s *Server) VerifyInvitation(w http.ResponseWriter, r *http.Request) {
	var req verifyInvitationRequest
	if err := readBodyJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	resp, err := s.invitations.Verify(tenantctx.WithoutTenant(r.Context()), req.Code)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, resp)
}

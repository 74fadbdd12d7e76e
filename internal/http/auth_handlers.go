package httpapi

import (
	"net/http"

	"github.com/kuaigeyun/kuaigeyun-sub011/internal/service"
)

// Login 用户名密码登录；多个组织匹配时返回候选列表
func (s *Server) Login(w http.ResponseWriter, r *http.Request) {
	var req service.LoginRequest
	if err := readBodyJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	req.IPAddress = clientIP(r)
	req.UserAgent = r.UserAgent()
	resp, err := s.auth.Login(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, resp)
}

func (s *Server) GuestLogin(w http.ResponseWriter, r *http.Request) {
	resp, err := s.auth.GuestLogin(r.Context(), service.GuestLoginRequest{IPAddress: clientIP(r), UserAgent: r.UserAgent()})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, resp)
}

// CheckTenant 公开接口，注册前查询组织域名
func (s *Server) CheckTenant(w http.ResponseWriter, r *http.Request) {
	resp, err := s.auth.CheckTenant(r.Context(), r.URL.Query().Get("domain"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, resp)
}

func (s *Server) RegisterPersonal(w http.ResponseWriter, r *http.Request) {
	var req service.PersonalRegisterRequest
	if err := readBodyJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	resp, err := s.auth.RegisterPersonal(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusCreated, resp)
}

func (s *Server) RegisterOrganization(w http.ResponseWriter, r *http.Request) {
	var req service.OrganizationRegisterRequest
	if err := readBodyJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	resp, err := s.auth.RegisterOrganization(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusCreated, resp)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh refresh token 换发新令牌对；body 为空时取 Authorization 头
func (s *Server) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := readBodyJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	if req.RefreshToken == "" {
		req.RefreshToken = bearerToken(r)
	}
	resp, err := s.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, resp)
}

func (s *Server) Me(w http.ResponseWriter, r *http.Request) {
	resp, err := s.auth.Me(r.Context(), principalFrom(r.Context()))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, resp)
}

func (s *Server) Logout(w http.ResponseWriter, r *http.Request) {
	if err := s.auth.Logout(r.Context(), claimsFrom(r.Context())); err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, map[string]bool{"logged_out": true})
}

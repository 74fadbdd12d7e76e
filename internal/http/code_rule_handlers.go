package httpapi

import (
	"net/http"

	"github.com/kuaigeyun/kuaigeyun-sub011/internal/service"
)

func (s *Server) ListCodeRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.codeRules.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, mapViews(rules, toCodeRuleView))
}

func (s *Server) GetCodeRule(w http.ResponseWriter, r *http.Request) {
	rule, err := s.codeRules.Get(r.Context(), r.PathValue("uuid"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, toCodeRuleView(rule))
}

func (s *Server) CreateCodeRule(w http.ResponseWriter, r *http.Request) {
	var req service.CodeRuleRequest
	if err := readBodyJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	rule, err := s.codeRules.Create(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusCreated, toCodeRuleView(rule))
}

func (s *Server) UpdateCodeRule(w http.ResponseWriter, r *http.Request) {
	var req service.CodeRuleRequest
	if err := readBodyJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	rule, err := s.codeRules.Update(r.Context(), r.PathValue("uuid"), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, toCodeRuleView(rule))
}

func (s *Server) DeleteCodeRule(w http.ResponseWriter, r *http.Request) {
	if err := s.codeRules.Delete(r.Context(), r.PathValue("uuid")); err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, map[string]bool{"deleted": true})
}

// GenerateCode 分配编码（消耗序号）
func (s *Server) GenerateCode(w http.ResponseWriter, r *http.Request) {
	var req service.GenerateCodeRequest
	if err := readBodyJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	resp, err := s.codeRules.Generate(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, resp)
}

// TestGenerateCode 预览，不改变序号
func (s *Server) TestGenerateCode(w http.ResponseWriter, r *http.Request) {
	var req service.GenerateCodeRequest
	if err := readBodyJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	resp, err := s.codeRules.TestGenerate(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, resp)
}

func (s *Server) GenerateSerials(w http.ResponseWriter, r *http.Request) {
	var req service.GenerateSerialsRequest
	if err := readBodyJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	resp, err := s.codeRules.GenerateSerials(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, resp)
}

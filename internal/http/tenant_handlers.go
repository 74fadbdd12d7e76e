package httpapi

import (
	"fmt"
	"net/http"

	"github.com/kuaigeyun/kuaigeyun-sub011/internal/domain"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/repository"
	"github.com/kuaigeyun/kuaigeyun-sub011/internal/service"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type pageResult[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
	Page  int `json:"page"`
	Size  int `json:"size"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

type storageRequest struct {
	DeltaMB int `json:"delta_mb"`
}

func operatorID(r *http.Request) int64 {
	if p := principalFrom(r.Context()); p != nil {
		return p.ID
	}
	return 0
}

func (s *Server) Packages(w http.ResponseWriter, r *http.Request) {
	s.ok(w, http.StatusOK, s.tenants.Packages())
}

func (s *Server) ListTenants(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := parseInt(q.Get("page"), 1)
	size := parseInt(q.Get("size"), 20)
	filter := repository.TenantFilters{Status: domain.TenantStatus(q.Get("status")), Search: q.Get("search")}
	items, total, err := s.tenants.ListTenants(r.Context(), filter, page, size)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, pageResult[tenantView]{Items: mapViews(items, toTenantView), Total: total, Page: page, Size: size})
}

func (s *Server) CreateTenant(w http.ResponseWriter, r *http.Request) {
	var req service.CreateTenantRequest
	if err := readBodyJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	t, err := s.tenants.CreateTenant(r.Context(), req, operatorID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusCreated, toTenantView(t))
}

// GetTenant {id} 可以是数字 ID 或 UUID
func (s *Server) GetTenant(w http.ResponseWriter, r *http.Request) {
	var (
		t   *domain.Tenant
		err error
	)
	if id, perr := pathID(r, "id"); perr == nil {
		t, err = s.tenants.GetTenant(r.Context(), id)
	} else {
		t, err = s.tenants.GetTenantByUUID(r.Context(), r.PathValue("id"))
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, toTenantView(t))
}

func (s *Server) UpdateTenant(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req service.UpdateTenantRequest
	if err := readBodyJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	t, err := s.tenants.UpdateTenant(r.Context(), id, req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, toTenantView(t))
}

// DeleteTenant 租户不做物理删除，等同于停用
func (s *Server) DeleteTenant(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	t, err := s.tenants.Suspend(r.Context(), id, r.URL.Query().Get("reason"), operatorID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, toTenantView(t))
}

func (s *Server) ApproveTenant(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	t, err := s.tenants.Approve(r.Context(), id, operatorID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, toTenantView(t))
}

func (s *Server) RejectTenant(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req reasonRequest
	if err := readBodyJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	t, err := s.tenants.Reject(r.Context(), id, req.Reason, operatorID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, toTenantView(t))
}

func (s *Server) ActivateTenant(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	t, err := s.tenants.Activate(r.Context(), id, operatorID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, toTenantView(t))
}

func (s *Server) SuspendTenant(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req reasonRequest
	if err := readBodyJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	t, err := s.tenants.Suspend(r.Context(), id, req.Reason, operatorID(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, toTenantView(t))
}

func (s *Server) TenantUsage(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	u, err := s.tenants.Usage(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, u)
}

func (s *Server) ConsumeStorage(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var req storageRequest
	if err := readBodyJSON(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	u, err := s.tenants.ConsumeStorage(r.Context(), id, req.DeltaMB)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, u)
}

func (s *Server) ActivityLogs(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	page := parseInt(r.URL.Query().Get("page"), 1)
	size := parseInt(r.URL.Query().Get("size"), 50)
	items, total, err := s.tenants.ActivityLogs(r.Context(), id, page, size)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	views := mapViews(items, func(l *domain.TenantActivityLog) activityLogView {
		return activityLogView{ID: l.ID, Action: l.Action, Description: l.Description, OperatorID: l.OperatorID, Metadata: l.Metadata, CreatedAt: l.CreatedAt}
	})
	s.ok(w, http.StatusOK, pageResult[activityLogView]{Items: views, Total: total, Page: page, Size: size})
}

// ExportActivityLogs 导出 xlsx
func (s *Server) ExportActivityLogs(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	data, err := s.tenants.ExportActivityLogs(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="tenant-%d-activity-logs.xlsx"`, id))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) JobAttempts(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	items, err := s.tenants.JobAttempts(r.Context(), id, parseInt(r.URL.Query().Get("limit"), 100))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.ok(w, http.StatusOK, mapViews(items, func(a *domain.JobAttempt) jobAttemptView {
		return jobAttemptView{EventID: a.EventID, EventName: a.EventName, Attempt: a.Attempt, Outcome: a.Outcome,
			DurationMS: a.DurationMS, Error: a.Error, CreatedAt: a.CreatedAt}
	}))
}

package httpapi

import (
	"context"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"
)

const healthTimeout = 3 * time.Second

type healthResult struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Health 依次探测已配置的依赖（数据库、Redis）；任一失败返回 503
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	names := make([]string, 0, len(s.health))
	for name := range s.health {
		names = append(names, name)
	}
	sort.Strings(names)

	res := healthResult{Status: "ok", Checks: map[string]string{}}
	status := http.StatusOK
	for _, name := range names {
		if err := s.health[name](ctx); err != nil {
			s.logger.Warn("Health check failed", zap.String("check", name), zap.Error(err))
			res.Checks[name] = "error"
			res.Status = "degraded"
			status = http.StatusServiceUnavailable
			continue
		}
		res.Checks[name] = "ok"
	}
	writeJSON(w, status, Result[healthResult]{Success: status == http.StatusOK, Data: res, Timestamp: s.timestamp()})
}

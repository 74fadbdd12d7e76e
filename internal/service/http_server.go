package service

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPServer 平台 HTTP 监听
type HTTPServer struct {
	httpServer *http.Server
	logger     *zap.Logger
}

func NewHTTPServer(addr string, handler http.Handler, logger *zap.Logger) *HTTPServer {
	s := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return &HTTPServer{httpServer: s, logger: logger}
}

// Start 阻塞直到监听失败或 Stop；正常关闭返回 nil
func (s *HTTPServer) Start() error {
	s.logger.Info("Starting riveredge-platform HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Stop(ctx context.Context) error {
	s.logger.Info("Stopping riveredge-platform HTTP server")
	return s.httpServer.Shutdown(ctx)
}

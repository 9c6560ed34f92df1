package service

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Server HTTP 入口；Serve 随 ctx 结束而优雅退出
type Server struct {
	srv    *http.Server
	grace  time.Duration
	logger *zap.Logger
}

// NewServer 写超时要覆盖一次完整操作（含 eCRF 调用），这里按 eCRF 超时留余量
func NewServer(addr string, handler http.Handler, ecrfTimeout time.Duration, logger *zap.Logger) *Server {
	if ecrfTimeout <= 0 {
		ecrfTimeout = 15 * time.Second
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      4 * ecrfTimeout,
			IdleTimeout:       2 * time.Minute,
			ErrorLog:          zap.NewStdLog(logger.Named("http")),
		},
		grace:  10 * time.Second,
		logger: logger,
	}
}

// Run 监听配置的地址并阻塞到 ctx 结束
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve 在 ln 上服务；ctx 结束后等待进行中的操作完成（最多 grace）
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	served := make(chan error, 1)
	go func() { served <- s.srv.Serve(ln) }()
	s.logger.Info("aliquot-sync API listening", zap.String("addr", ln.Addr().String()))

	select {
	case err := <-served:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.grace)
	defer cancel()
	s.logger.Info("aliquot-sync API draining", zap.Duration("grace", s.grace))
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-served; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

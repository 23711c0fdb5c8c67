package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/session"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// Server is the timeline API listening on the session's unix socket.
type Server struct {
	grpc       *grpc.Server
	ln         net.Listener
	socketPath string
	logger     *zap.Logger
}

// NewServer binds the socket and registers the timeline service. A socket
// left behind by a dead daemon is replaced; a live one is an error.
func NewServer(p Params, paths session.Paths, logger *zap.Logger, timeline *api.TimelineService) (*Server, error) {
	socketPath := p.SocketPath
	if socketPath == "" {
		socketPath = paths.Socket()
	}
	if err := clearStaleSocket(socketPath); err != nil {
		return nil, err
	}

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	logger = logger.Named("grpc")
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(unaryLogger(logger)),
		grpc.ChainStreamInterceptor(streamLogger(logger)),
	)
	api.Register(srv, timeline)

	return &Server{grpc: srv, ln: ln, socketPath: socketPath, logger: logger}, nil
}

func clearStaleSocket(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	conn, err := net.DialTimeout("unix", path, 200*time.Millisecond)
	if err == nil {
		_ = conn.Close()
		return fmt.Errorf("socket %s is in use by another daemon", path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	return nil
}

func unaryLogger(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logCall(logger, info.FullMethod, start, err)
		return resp, err
	}
}

func streamLogger(logger *zap.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		err := handler(srv, ss)
		logCall(logger, info.FullMethod, start, err)
		return err
	}
}

func logCall(logger *zap.Logger, method string, start time.Time, err error) {
	fields := []zap.Field{
		zap.String("method", method),
		zap.String("code", status.Code(err).String()),
		zap.Duration("took", time.Since(start)),
	}
	if err != nil {
		logger.Debug("call failed", append(fields, zap.Error(err))...)
		return
	}
	logger.Debug("call", fields...)
}

// SocketPath returns the socket the server listens on.
func (s *Server) SocketPath() string { return s.socketPath }

// Start serves until Stop. It blocks.
func (s *Server) Start() error {
	s.logger.Info("serving", zap.String("socket", s.socketPath))
	return s.grpc.Serve(s.ln)
}

// Stop drains open calls, then removes the socket. Watch streams are cut
// when ctx ends first.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("stopping")
	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.grpc.Stop()
		<-done
	}
	_ = os.Remove(s.socketPath)
}

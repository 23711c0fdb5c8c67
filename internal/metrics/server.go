package metrics

import (
	"fmt"
	"net"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"
)

// Server exposes the registry on /metrics.
type Server struct {
	srv    *fasthttp.Server
	ln     net.Listener
	logger *zap.Logger
}

// Handler returns the fasthttp handler serving m's registry.
func (m *Metrics) Handler() fasthttp.RequestHandler {
	h := fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))
	return func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/metrics":
			h(ctx)
		default:
			ctx.Error("not found", fasthttp.StatusNotFound)
		}
	}
}

// Listen binds addr and returns a server ready to Serve.
func Listen(addr string, m *Metrics, logger *zap.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen metrics on %s: %w", addr, err)
	}
	return &Server{
		srv:    &fasthttp.Server{Handler: m.Handler(), Name: "chatsync"},
		ln:     ln,
		logger: logger,
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Serve blocks until Shutdown.
func (s *Server) Serve() error {
	s.logger.Info("metrics listening", zap.String("addr", s.Addr()))
	return s.srv.Serve(s.ln)
}

// Shutdown stops the server.
func (s *Server) Shutdown() error {
	return s.srv.Shutdown()
}
